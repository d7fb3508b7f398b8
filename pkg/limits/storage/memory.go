package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryBackend implements Backend using in-memory storage.
// This is the default backend: counters are exact within one process and
// are lost when the process exits.
//
// Each bucket is an atomic cell. The map itself is guarded by a RWMutex that
// is only write-locked to insert or evict buckets; increments on an existing
// bucket take the read lock and a single atomic add, so concurrent callers on
// one key never lose an update.
type MemoryBackend struct {
	// cells maps a bucket to its counter.
	cells map[LimitKey]*counterCell

	// mu protects the cells map, not the counters inside it.
	mu sync.RWMutex

	// maxEntries is the maximum number of live buckets.
	maxEntries int

	// cleanupInterval is how often to evict closed windows.
	cleanupInterval time.Duration

	clock  clockwork.Clock
	logger *slog.Logger

	// done signals the cleanup goroutine to stop.
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// counterCell holds the count for one bucket. expiresAt never changes after
// the cell is created.
type counterCell struct {
	count     atomic.Int64
	expiresAt int64
}

// MemoryBackendConfig configures the memory backend.
type MemoryBackendConfig struct {
	// MaxEntries is the maximum number of buckets held at once.
	// When the bound is reached, closed windows are evicted; live buckets
	// are never evicted and new buckets fail with ErrCapacityExceeded.
	// Default: 1,000,000
	MaxEntries int

	// CleanupInterval is how often to evict closed windows.
	// A negative value disables the background loop.
	// Default: 1 minute
	CleanupInterval time.Duration

	// Clock is the time source used to decide expiry.
	// Default: real clock
	Clock clockwork.Clock

	// Logger receives cleanup diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Default values for the memory backend.
const (
	DefaultMemoryMaxEntries      = 1000000
	DefaultMemoryCleanupInterval = time.Minute
)

// NewMemoryBackend creates a new in-memory storage backend with default settings.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithConfig(MemoryBackendConfig{})
}

// NewMemoryBackendWithConfig creates a new in-memory backend with custom configuration.
func NewMemoryBackendWithConfig(cfg MemoryBackendConfig) *MemoryBackend {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMemoryMaxEntries
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultMemoryCleanupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	backend := &MemoryBackend{
		cells:           make(map[LimitKey]*counterCell),
		maxEntries:      cfg.MaxEntries,
		cleanupInterval: cfg.CleanupInterval,
		clock:           cfg.Clock,
		logger:          cfg.Logger.With("component", "storage.memory"),
		done:            make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go backend.cleanupLoop()
	}

	return backend
}

// IncrementAndGet atomically increments the counter for key and returns the new value.
func (m *MemoryBackend) IncrementAndGet(ctx context.Context, key LimitKey) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if m.closed.Load() {
		return 0, ErrClosed
	}

	cell, err := m.cellFor(key)
	if err != nil {
		return 0, err
	}
	return cell.count.Add(1), nil
}

// cellFor returns the cell for key, creating it under the write lock if it
// does not exist yet.
func (m *MemoryBackend) cellFor(key LimitKey) (*counterCell, error) {
	m.mu.RLock()
	cell, ok := m.cells[key]
	m.mu.RUnlock()
	if ok {
		return cell, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cell, ok := m.cells[key]; ok {
		return cell, nil
	}

	now := m.clock.Now()
	cell = &counterCell{expiresAt: key.WindowStart + int64(key.Duration)}

	// A call stamped just before a boundary can arrive after cleanup removed
	// its window. The window is closed, so count it without storing a cell.
	if cell.expiresAt <= now.UnixNano() {
		return cell, nil
	}

	if len(m.cells) >= m.maxEntries {
		m.evictExpiredLocked(now)
		if len(m.cells) >= m.maxEntries {
			return nil, ErrCapacityExceeded
		}
	}

	m.cells[key] = cell
	return cell, nil
}

// CurrentCounters returns a snapshot of all live counters.
func (m *MemoryBackend) CurrentCounters(ctx context.Context) (map[LimitKey]int64, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	now := m.clock.Now().UnixNano()

	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[LimitKey]int64, len(m.cells))
	for key, cell := range m.cells {
		if cell.expiresAt <= now {
			continue
		}
		counters[key] = cell.count.Load()
	}

	return counters, nil
}

// Cleanup removes counters whose window has closed.
func (m *MemoryBackend) Cleanup(ctx context.Context) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.evictExpiredLocked(m.clock.Now()), nil
}

// Ping reports whether the backend is open.
func (m *MemoryBackend) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
	})
	return nil
}

// Size returns the current number of buckets, including closed windows not
// yet evicted. This is useful for monitoring and testing.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cells)
}

// evictExpiredLocked deletes every closed window and returns how many were
// removed. Caller must hold write lock.
func (m *MemoryBackend) evictExpiredLocked(now time.Time) int {
	cutoff := now.UnixNano()
	deleted := 0
	for key, cell := range m.cells {
		if cell.expiresAt <= cutoff {
			delete(m.cells, key)
			deleted++
		}
	}
	return deleted
}

// cleanupLoop runs periodic cleanup of closed windows.
func (m *MemoryBackend) cleanupLoop() {
	ticker := m.clock.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			deleted, err := m.Cleanup(context.Background())
			if err != nil {
				return
			}
			if deleted > 0 {
				m.logger.Debug("evicted expired counters", "count", deleted)
			}
		case <-m.done:
			return
		}
	}
}
