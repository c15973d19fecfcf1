package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied statement by statement at startup. Everything is
// idempotent so restarts are safe; real migrations are out of scope for the
// venue core.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id       UUID PRIMARY KEY,
		name     TEXT NOT NULL,
		role     VARCHAR(10) NOT NULL DEFAULT 'USER',
		api_key  TEXT NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS instruments (
		ticker      VARCHAR(10) PRIMARY KEY,
		name        VARCHAR(100) NOT NULL,
		description VARCHAR(255)
	)`,

	`CREATE TABLE IF NOT EXISTS balances (
		user_id       UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		ticker        VARCHAR(10) NOT NULL,
		amount        BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0),
		locked_amount BIGINT NOT NULL DEFAULT 0 CHECK (locked_amount >= 0),
		CHECK (amount >= locked_amount),
		PRIMARY KEY (user_id, ticker)
	)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id         UUID PRIMARY KEY,
		user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		ticker     VARCHAR(10) NOT NULL REFERENCES instruments(ticker) ON DELETE RESTRICT,
		direction  VARCHAR(4) NOT NULL,
		qty        BIGINT NOT NULL CHECK (qty > 0),
		price      BIGINT CHECK (price IS NULL OR price > 0),
		status     VARCHAR(20) NOT NULL,
		filled_qty BIGINT NOT NULL DEFAULT 0 CHECK (filled_qty >= 0 AND filled_qty <= qty),
		timestamp  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Drives both the best-match lookup and the L2 aggregation.
	`CREATE INDEX IF NOT EXISTS ix_orders_matching
		ON orders (ticker, status, direction, price)`,

	`CREATE INDEX IF NOT EXISTS ix_orders_user_history
		ON orders (user_id, timestamp DESC)`,

	// Linking columns are nullable: the tape outlives deleted users/orders.
	`CREATE TABLE IF NOT EXISTS trades (
		id             UUID PRIMARY KEY,
		ticker         VARCHAR(10) NOT NULL,
		amount         BIGINT NOT NULL CHECK (amount > 0),
		price          BIGINT NOT NULL CHECK (price > 0),
		timestamp      TIMESTAMPTZ NOT NULL DEFAULT now(),
		buy_order_id   UUID REFERENCES orders(id) ON DELETE SET NULL,
		sell_order_id  UUID REFERENCES orders(id) ON DELETE SET NULL,
		buyer_user_id  UUID REFERENCES users(id) ON DELETE SET NULL,
		seller_user_id UUID REFERENCES users(id) ON DELETE SET NULL
	)`,

	`CREATE INDEX IF NOT EXISTS ix_trades_ticker_time
		ON trades (ticker, timestamp DESC)`,

	// The cash asset always exists and is never delisted.
	`INSERT INTO instruments (ticker, name, description)
		VALUES ('RUB', 'Russian Rouble', 'Reserved cash asset')
		ON CONFLICT (ticker) DO NOTHING`,
}

// Bootstrap creates the schema and seeds the cash instrument.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
