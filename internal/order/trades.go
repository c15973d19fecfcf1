package order

import (
	"context"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// TradeStore appends to and reads the trade tape. Trades are append-only;
// nothing ever mutates a recorded fill.
type TradeStore struct{}

// NewTradeStore creates a trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{}
}

// Insert appends one executed fill to the tape and fills in the
// database-assigned timestamp.
func (s *TradeStore) Insert(ctx context.Context, q db.Querier, t *types.Trade) error {
	err := q.QueryRow(ctx,
		`INSERT INTO trades (id, ticker, amount, price, buy_order_id, sell_order_id, buyer_user_id, seller_user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING timestamp`,
		t.ID, t.Ticker, t.Amount, t.Price,
		t.BuyOrderID, t.SellOrderID, t.BuyerUserID, t.SellerUserID,
	).Scan(&t.Timestamp)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "insert trade")
	}
	return nil
}

// ListByTicker returns the most recent trades on the ticker, newest first.
func (s *TradeStore) ListByTicker(ctx context.Context, q db.Querier, ticker string, limit int) ([]types.Trade, error) {
	rows, err := q.Query(ctx,
		`SELECT ticker, amount, price, timestamp FROM trades
		 WHERE ticker = $1
		 ORDER BY timestamp DESC
		 LIMIT $2`,
		ticker, limit,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list trades")
	}
	defer rows.Close()

	out := make([]types.Trade, 0, limit)
	for rows.Next() {
		var t types.Trade
		if err := rows.Scan(&t.Ticker, &t.Amount, &t.Price, &t.Timestamp); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan trade")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate trades")
	}
	return out, nil
}
