// Package order persists order and trade records.
//
// Besides plain CRUD it owns the two read paths the matching engine and the
// public book depend on: the single best counter-order lookup (price-time
// priority) and the L2 aggregation. Both are served by the composite index
// on (ticker, status, direction, price).
package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

const orderColumns = `id, user_id, ticker, direction, qty, price, status, filled_qty, timestamp, updated_at`

// Store reads and mutates order rows inside the caller's transaction.
type Store struct{}

// NewStore creates an order store.
func NewStore() *Store {
	return &Store{}
}

// Insert persists a fresh order as NEW with nothing filled and fills in the
// database-assigned timestamps.
func (s *Store) Insert(ctx context.Context, q db.Querier, o *types.Order) error {
	o.Status = types.StatusNew
	o.FilledQty = 0
	err := q.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, ticker, direction, qty, price, status, filled_qty)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
		 RETURNING timestamp, updated_at`,
		o.ID, o.UserID, o.Ticker, o.Direction, o.Qty, o.Price, o.Status,
	).Scan(&o.Timestamp, &o.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "insert order")
	}
	return nil
}

// Get loads one order by id.
func (s *Store) Get(ctx context.Context, q db.Querier, id uuid.UUID) (*types.Order, error) {
	row := q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read order")
	}
	return o, nil
}

// GetForUser loads one order scoped to its owner. An order that exists but
// belongs to someone else reads as NotFound.
func (s *Store) GetForUser(ctx context.Context, q db.Querier, id, userID uuid.UUID) (*types.Order, error) {
	row := q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, id, userID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.NotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read order")
	}
	return o, nil
}

// ListByUser returns the user's orders, newest first.
func (s *Store) ListByUser(ctx context.Context, q db.Querier, userID uuid.UUID, limit, offset int) ([]types.Order, error) {
	rows, err := q.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1
		 ORDER BY timestamp DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list orders")
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan order")
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate orders")
	}
	return out, nil
}

// BestMatch returns the single best resting counter-order for the taker, or
// nil when nothing crosses. Best means: lowest price among asks / highest
// among bids, oldest first within a price level. For a limit taker the
// counter price must not be worse than the taker's limit; a market taker
// takes any price. When rejectSelf is set, the taker's own resting orders
// are invisible to it.
func (s *Store) BestMatch(ctx context.Context, q db.Querier, taker *types.Order, rejectSelf bool) (*types.Order, error) {
	counter := taker.Direction.Opposite()

	sql := `SELECT ` + orderColumns + ` FROM orders
		WHERE ticker = $1
		  AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		  AND direction = $2
		  AND qty - filled_qty > 0
		  AND price IS NOT NULL
		  AND id <> $3`
	args := []any{taker.Ticker, counter, taker.ID}

	if rejectSelf {
		args = append(args, taker.UserID)
		sql += fmt.Sprintf(" AND user_id <> $%d", len(args))
	}
	if taker.Price != nil {
		args = append(args, *taker.Price)
		if taker.Direction == types.BUY {
			sql += fmt.Sprintf(" AND price <= $%d", len(args))
		} else {
			sql += fmt.Sprintf(" AND price >= $%d", len(args))
		}
	}
	if counter == types.SELL {
		sql += ` ORDER BY price ASC, timestamp ASC LIMIT 1`
	} else {
		sql += ` ORDER BY price DESC, timestamp ASC LIMIT 1`
	}

	row := q.QueryRow(ctx, sql, args...)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "best match query")
	}
	return o, nil
}

// ApplyFill records a new cumulative fill level and the status it implies.
func (s *Store) ApplyFill(ctx context.Context, q db.Querier, id uuid.UUID, filledQty int64, status types.OrderStatus) error {
	tag, err := q.Exec(ctx,
		`UPDATE orders SET filled_qty = $2, status = $3, updated_at = now() WHERE id = $1`,
		id, filledQty, status,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "apply fill")
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.Internal, "fill update touched no rows for order %s", id)
	}
	return nil
}

// MarkCancelled transitions the order to CANCELLED, preserving filled_qty.
func (s *Store) MarkCancelled(ctx context.Context, q db.Querier, id uuid.UUID) error {
	tag, err := q.Exec(ctx,
		`UPDATE orders SET status = 'CANCELLED', updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "mark cancelled")
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.Internal, "cancel update touched no rows for order %s", id)
	}
	return nil
}

// HasOpen reports whether any open order references the ticker.
func (s *Store) HasOpen(ctx context.Context, q db.Querier, ticker string) (bool, error) {
	var n int64
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM orders
		 WHERE ticker = $1 AND status IN ('NEW', 'PARTIALLY_EXECUTED')`,
		ticker,
	).Scan(&n)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "count open orders")
	}
	return n > 0, nil
}

// L2 aggregates resting quantity by price level: top depth bids (price
// descending) and asks (price ascending).
func (s *Store) L2(ctx context.Context, q db.Querier, ticker string, depth int) (*types.L2Book, error) {
	bids, err := s.levels(ctx, q, ticker, types.BUY, depth)
	if err != nil {
		return nil, err
	}
	asks, err := s.levels(ctx, q, ticker, types.SELL, depth)
	if err != nil {
		return nil, err
	}
	return &types.L2Book{BidLevels: bids, AskLevels: asks}, nil
}

func (s *Store) levels(ctx context.Context, q db.Querier, ticker string, side types.Direction, depth int) ([]types.Level, error) {
	orderBy := `price DESC`
	if side == types.SELL {
		orderBy = `price ASC`
	}
	rows, err := q.Query(ctx,
		`SELECT price, sum(qty - filled_qty) FROM orders
		 WHERE ticker = $1
		   AND direction = $2
		   AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		   AND price IS NOT NULL
		 GROUP BY price
		 ORDER BY `+orderBy+`
		 LIMIT $3`,
		ticker, side, depth,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "aggregate levels")
	}
	defer rows.Close()

	levels := make([]types.Level, 0, depth)
	for rows.Next() {
		var lv types.Level
		if err := rows.Scan(&lv.Price, &lv.Qty); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan level")
		}
		levels = append(levels, lv)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate levels")
	}
	return levels, nil
}

// WalkAsks walks the ask side in match order (price ascending, oldest first)
// accumulating up to need units. It returns how much resting quantity was
// found, its total cost at resting prices, and the last (worst) price seen.
// Used by the market-BUY cost estimator.
func (s *Store) WalkAsks(ctx context.Context, q db.Querier, ticker string, need int64) (got, cost, lastPrice int64, err error) {
	rows, err := q.Query(ctx,
		`SELECT price, qty - filled_qty FROM orders
		 WHERE ticker = $1
		   AND direction = 'SELL'
		   AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		   AND qty - filled_qty > 0
		   AND price IS NOT NULL
		 ORDER BY price ASC, timestamp ASC`,
		ticker,
	)
	if err != nil {
		return 0, 0, 0, apperr.Wrap(apperr.Internal, err, "walk asks")
	}
	defer rows.Close()

	for rows.Next() {
		var price, remaining int64
		if err := rows.Scan(&price, &remaining); err != nil {
			return 0, 0, 0, apperr.Wrap(apperr.Internal, err, "scan ask")
		}
		lastPrice = price
		take := remaining
		if got+take > need {
			take = need - got
		}
		got += take
		cost += take * price
		if got >= need {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, 0, apperr.Wrap(apperr.Internal, err, "iterate asks")
	}
	return got, cost, lastPrice, nil
}

// scanOrder reads one order row from either a Row or Rows.
func scanOrder(row pgx.Row) (*types.Order, error) {
	var o types.Order
	err := row.Scan(
		&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Qty, &o.Price,
		&o.Status, &o.FilledQty, &o.Timestamp, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
