package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
)

const (
	// maxAttempts bounds how many times a conflicting transaction is retried.
	maxAttempts = 3
	// retryDelay is the backoff before the second attempt; it doubles each
	// further attempt (100ms, 200ms).
	retryDelay = 100 * time.Millisecond
)

// Postgres SQLSTATEs that signal a conflict worth retrying.
const (
	sqlstateSerializationFailure = "40001"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateUniqueViolation      = "23505"
	sqlstateForeignKeyViolation  = "23503"
)

// InTx runs fn inside one READ COMMITTED transaction. The transaction is
// rolled back when fn returns an error or panics, committed otherwise.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "begin transaction")
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if IsRetryable(err) {
			return err
		}
		return apperr.Wrap(apperr.Internal, err, "commit transaction")
	}
	return nil
}

// InTxRetry wraps InTx with the deadlock retry policy: up to maxAttempts
// attempts with exponential backoff, retrying only on serialization failures
// and deadlocks. Exhausted retries surface as TransientConflict.
func InTxRetry(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = InTx(ctx, pool, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt < maxAttempts {
			delay := backoff(attempt)
			logger.Warn("transaction conflict, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return apperr.Wrap(apperr.TransientConflict, err, "transaction conflict persisted after retries")
}

// backoff returns the delay after the given 1-based attempt.
func backoff(attempt int) time.Duration {
	return retryDelay * time.Duration(1<<uint(attempt-1))
}

// IsRetryable reports whether err is a transient locking conflict
// (serialization failure or deadlock).
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlstateSerializationFailure || pgErr.Code == sqlstateDeadlockDetected
	}
	return false
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation
}

// IsForeignKeyViolation reports whether err is a foreign-key violation, such
// as deleting an instrument that open orders still reference.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateForeignKeyViolation
}
