package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/vorsengineer/cw-rpi-deployment/internal/apperr"
)

// defaultMaxRetries bounds the retry loop WithTx runs against SQLITE_BUSY /
// serialization conflicts, per spec.md §4.2's "N=3 recommended," until a
// caller overrides it via Store.SetMaxRetries with config.Config's
// AllocatorMaxRetries.
const defaultMaxRetries = 3

// WithTx runs fn inside a serializable transaction, committing on success
// and rolling back on any error. If the underlying driver reports the
// database busy or a constraint-adjacent conflict, it retries with
// bounded exponential backoff up to s.maxRetries times before giving up and
// returning apperr.ErrConflict — callers must not retry themselves and
// must not leak a raw sqlite error past the Allocator's public contract
// (spec.md §4.2).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error

	op := func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			lastErr = err
			return err
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			lastErr = err
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := tx.Commit(); err != nil {
			lastErr = err
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		lastErr = nil
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.maxRetries))
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if isRetryable(lastErr) {
			return apperr.ErrConflict
		}
		return lastErr
	}
	return nil
}

// isRetryable reports whether err looks like a transient SQLite busy/lock
// condition rather than a genuine application error (not-found, already
// exists, ...).
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrTxDone) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked") || strings.Contains(msg, "conflict")
}
