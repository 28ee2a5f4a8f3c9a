// Package dbx wraps database/sql with the serialisable-transaction-with-retry
// pattern every repository in this module needs: Postgres via lib/pq, no ORM.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/lib/pq"
)

// maxRetries bounds the transient-error retry policy: DB deadlock or
// serialization failure gets a bounded exponential backoff, not an
// unbounded loop.
const maxRetries = 5

// Open opens the Postgres pool with the connection limits from config.
func Open(dsn string, maxOpen, maxIdle, connMaxLifeMinutes int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbx: open: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(connMaxLifeMinutes) * time.Minute)
	}
	return db, nil
}

// WithSerializableTx runs fn inside a SERIALIZABLE transaction, retrying on
// Postgres serialization_failure/deadlock_detected with jittered exponential
// backoff. fn must be idempotent on retry: it only ever sees a fresh
// transaction.
func WithSerializableTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 20 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("dbx: begin tx: %w", err)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("dbx: commit: %w", err)
		}
		return nil
	}
	return fmt.Errorf("dbx: exceeded %d retries: %w", maxRetries, lastErr)
}

// isRetryable reports whether a Postgres error is worth retrying.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}
	return false
}
