// Package store is the Store component (spec.md §4.1): durable relational
// state for venues, the hostname pool, deployment history, master images,
// and deployment batches, behind a typed query API. It is the only package
// that knows SQL; every other component goes through it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"

	"github.com/sirupsen/logrus"
)

// Store wraps a *sql.DB and the schema it owns. Connections are opened
// against the pure-Go modernc.org/sqlite driver rather than mattn's cgo
// binding, so this binary stays a single static executable.
type Store struct {
	db         *sql.DB
	log        *logrus.Logger
	maxRetries int
}

// Open connects to the SQLite file at path, applies the schema, and
// returns a ready Store. WAL mode lets another process (hostnamectl against
// the same file) read while this one writes. Within this process the pool is
// capped at one connection, so its own queries and transactions run one at
// a time.
func Open(path string, log *logrus.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc sqlite: one writer connection avoids lock contention surfacing as spurious busy errors
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, log: log, maxRetries: defaultMaxRetries}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetMaxRetries overrides the WithTx retry bound (spec.md §4.2's
// AllocatorMaxRetries), which defaults to defaultMaxRetries until a caller
// wires config.Config.AllocatorMaxRetries through. n <= 0 is ignored.
func (s *Store) SetMaxRetries(n int) {
	if n > 0 {
		s.maxRetries = n
	}
}

// Migrate applies the schema. It is idempotent (CREATE TABLE/INDEX IF NOT
// EXISTS throughout) so it is safe to call on every startup and also
// exposed standalone as `deploymentd migrate`.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if s.log != nil {
		s.log.Info("database schema migrated")
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stat reports whether the database is reachable and its on-disk size in
// megabytes, for the Health Sampler's db probe (spec.md §4.6).
func (s *Store) Stat(ctx context.Context, path string) (accessible bool, sizeMB float64, err error) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, 0, err
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return true, 0, nil
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return true, 0, nil
	}
	return true, float64(pageCount*pageSize) / (1024 * 1024), nil
}

// now is overridable in tests that need deterministic timestamps.
var now = func() time.Time { return time.Now().UTC() }
