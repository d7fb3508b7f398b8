// Package storage provides the counting backends behind the limits enforcer.
//
// # Overview
//
// A backend maps a LimitKey (resource, limit, property, window start,
// duration) to an integer counter and exposes one load-bearing operation,
// IncrementAndGet, which must be atomic. Three implementations are provided:
//
//   - Memory: map of atomic cells, exact within a single process (default)
//   - SQLite: UPSERT ... RETURNING over one connection, survives restarts
//   - Redis: INCR + PEXPIREAT in MULTI/EXEC, shared across instances
//
// # Windows
//
// Windows are fixed and wall-clock aligned. WindowStart truncates an instant
// down to a multiple of the window duration since the Unix epoch, so a call
// at 10:59:59.999 and one at 11:00:00.000 land in different buckets of an
// hourly limit. A new window always produces a new key; closed windows are
// garbage and are removed by Cleanup, by the memory backend's ticker, by a
// CleanupScheduler, or by Redis key expiry.
//
// # Usage
//
//	backend := storage.NewMemoryBackend()
//	defer backend.Close()
//
//	key := storage.NewLimitKey("api", "perUser", "john", time.Now(), time.Hour)
//	count, err := backend.IncrementAndGet(ctx, key)
//
// # Thread Safety
//
// All storage backends are thread-safe and support concurrent access
// from multiple goroutines. Locking is handled internally by each backend.
package storage
