package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// CleanupScheduler evicts closed windows from a backend on a cron schedule.
// It complements the memory backend's own ticker and gives the SQLite
// backend, which has no background eviction, a bounded table size.
type CleanupScheduler struct {
	backend  Backend
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool

	// observe is read by running jobs, which Stop waits on while holding mu.
	observe atomic.Pointer[func(deleted int, err error)]
}

// NewCleanupScheduler creates a scheduler for backend. The schedule uses
// standard five-field cron syntax, e.g. "*/5 * * * *" for every five minutes.
func NewCleanupScheduler(backend Backend, schedule string, logger *slog.Logger) *CleanupScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupScheduler{
		backend:  backend,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "storage.cleanup"),
	}
}

// Start registers the cleanup job and starts the cron runner. The scheduler
// stops on its own when ctx is cancelled. An empty schedule is a no-op.
func (s *CleanupScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("cleanup schedule not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("cleanup scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// OnCompleted registers fn to be called after every cleanup cycle.
func (s *CleanupScheduler) OnCompleted(fn func(deleted int, err error)) {
	s.observe.Store(&fn)
}

// RunOnce executes a single cleanup cycle and returns the number of counters removed.
func (s *CleanupScheduler) RunOnce(ctx context.Context) int {
	deleted, err := s.backend.Cleanup(ctx)

	if observe := s.observe.Load(); observe != nil && *observe != nil {
		(*observe)(deleted, err)
	}

	if err != nil {
		s.logger.Error("scheduled cleanup failed", "error", err)
		return 0
	}

	if deleted > 0 {
		s.logger.Info("scheduled cleanup completed", "deleted_count", deleted)
	} else {
		s.logger.Debug("scheduled cleanup completed, no counters deleted")
	}
	return deleted
}

// Stop stops the scheduler and waits for a running cleanup to complete.
func (s *CleanupScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("cleanup scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running.
func (s *CleanupScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// NextRun returns the next scheduled cleanup time, or nil when not scheduled.
func (s *CleanupScheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}

	next := entries[0].Next
	return &next
}
