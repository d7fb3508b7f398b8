package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver ("sqlite3")
	_ "modernc.org/sqlite"          // pure Go SQLite driver ("sqlite")
)

// SQLite driver names accepted by SQLiteBackendConfig.Driver.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// SQLiteBackend implements Backend using SQLite for persistence.
// Counters survive restarts, which makes it suitable for single-instance
// deployments with long windows.
//
// Increments are a single UPSERT ... RETURNING statement executed over one
// connection, so SQLite serializes them and the returned count is exact.
type SQLiteBackend struct {
	db                 *sql.DB
	dbPath             string
	checkpointInterval time.Duration
	clock              clockwork.Clock
	logger             *slog.Logger
	done               chan struct{}
	closeOnce          sync.Once

	incrementStmt *sql.Stmt
	snapshotStmt  *sql.Stmt
	cleanupStmt   *sql.Stmt
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Driver selects the database/sql driver: "sqlite" (modernc.org/sqlite)
	// or "sqlite3" (github.com/mattn/go-sqlite3, requires cgo).
	// Default: "sqlite"
	Driver string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// Clock decides which windows are live.
	// Default: real clock
	Clock clockwork.Clock

	// Logger receives checkpoint diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger
}

// NewSQLiteBackend creates a new SQLite storage backend with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig creates a new SQLite backend with custom configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverModernc
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dsn, err := sqliteDSN(cfg.Driver, cfg.DBPath, cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes every increment.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{
		db:                 db,
		dbPath:             cfg.DBPath,
		checkpointInterval: cfg.CheckpointInterval,
		clock:              cfg.Clock,
		logger:             cfg.Logger.With("component", "storage.sqlite"),
		done:               make(chan struct{}),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	if cfg.CheckpointInterval > 0 {
		go backend.checkpointLoop()
	}

	return backend, nil
}

// sqliteDSN builds a DSN enabling WAL mode and the busy timeout in the
// parameter syntax of the selected driver.
func sqliteDSN(driver, path string, busyTimeout time.Duration) (string, error) {
	ms := busyTimeout.Milliseconds()
	switch driver {
	case DriverModernc:
		return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, ms), nil
	case DriverCGO:
		return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, ms), nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS limit_counters (
		resource TEXT NOT NULL,
		limit_name TEXT NOT NULL,
		property TEXT NOT NULL,
		window_start INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		count INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (resource, limit_name, property, window_start, duration)
	);

	CREATE INDEX IF NOT EXISTS idx_limit_counters_expires_at ON limit_counters(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.incrementStmt, err = s.db.Prepare(`
		INSERT INTO limit_counters (resource, limit_name, property, window_start, duration, count, expires_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (resource, limit_name, property, window_start, duration) DO UPDATE SET
			count = count + 1
		RETURNING count
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare increment statement: %w", err)
	}

	s.snapshotStmt, err = s.db.Prepare(`
		SELECT resource, limit_name, property, window_start, duration, count
		FROM limit_counters
		WHERE expires_at > ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`
		DELETE FROM limit_counters
		WHERE expires_at <= ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

// IncrementAndGet atomically increments the counter for key and returns the new value.
func (s *SQLiteBackend) IncrementAndGet(ctx context.Context, key LimitKey) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	var count int64
	err := s.incrementStmt.QueryRowContext(ctx,
		key.Resource,
		key.Limit,
		key.PropertyString(),
		key.WindowStart,
		int64(key.Duration),
		key.WindowStart+int64(key.Duration),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return count, nil
}

// CurrentCounters returns a snapshot of all live counters. Properties are
// returned in their persisted string form.
func (s *SQLiteBackend) CurrentCounters(ctx context.Context) (map[LimitKey]int64, error) {
	rows, err := s.snapshotStmt.QueryContext(ctx, s.clock.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[LimitKey]int64)
	for rows.Next() {
		var (
			key      LimitKey
			property string
			duration int64
			count    int64
		)
		if err := rows.Scan(&key.Resource, &key.Limit, &property, &key.WindowStart, &duration, &count); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		key.Property = property
		key.Duration = time.Duration(duration)
		counters[key] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counters: %w", err)
	}

	return counters, nil
}

// Cleanup removes counters whose window has closed.
func (s *SQLiteBackend) Cleanup(ctx context.Context) (int, error) {
	result, err := s.cleanupStmt.ExecContext(ctx, s.clock.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup counters: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(deleted), nil
}

// Ping verifies the database connection.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases any resources held by the backend.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteBackend) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		for _, stmt := range []*sql.Stmt{s.incrementStmt, s.snapshotStmt, s.cleanupStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
				s.logger.Warn("wal checkpoint failed", "path", s.dbPath, "error", err)
			}
		case <-s.done:
			return
		}
	}
}
