package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runner is the production transaction boundary of the service layer: it
// hands the caller's unit of work a tx-bound Querier and applies the
// deadlock retry policy around it.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return &Runner{pool: pool, logger: logger}
}

// Run executes fn inside one retried READ COMMITTED transaction.
func (r *Runner) Run(ctx context.Context, fn func(q Querier) error) error {
	return InTxRetry(ctx, r.pool, r.logger, func(tx pgx.Tx) error {
		return fn(tx)
	})
}
