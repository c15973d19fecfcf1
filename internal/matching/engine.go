// Package matching crosses a taker order against resting makers by
// price-time priority.
//
// A fresh Engine is built per request, bound to the request's transaction;
// it keeps no state beyond it. Each iteration finds the single best
// counter-order, trades at the counter's price (price improvement goes to
// the taker), settles balances, appends to the trade tape, and advances both
// orders' fill state. Market orders never rest: whatever cannot be crossed
// in one pass is cancelled and its reservation released.
package matching

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// OrderStore is the order persistence the engine drives.
type OrderStore interface {
	Get(ctx context.Context, q db.Querier, id uuid.UUID) (*types.Order, error)
	BestMatch(ctx context.Context, q db.Querier, taker *types.Order, rejectSelf bool) (*types.Order, error)
	ApplyFill(ctx context.Context, q db.Querier, id uuid.UUID, filledQty int64, status types.OrderStatus) error
	MarkCancelled(ctx context.Context, q db.Querier, id uuid.UUID) error
}

// TradeStore appends executed fills to the tape.
type TradeStore interface {
	Insert(ctx context.Context, q db.Querier, t *types.Trade) error
}

// Ledger settles trades and releases reservations.
type Ledger interface {
	Settle(ctx context.Context, q db.Querier, buyer, seller uuid.UUID, ticker string, qty, price int64) error
	Release(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) error
}

// Engine matches one taker order inside one transaction.
type Engine struct {
	q          db.Querier
	orders     OrderStore
	trades     TradeStore
	ledger     Ledger
	rejectSelf bool
	logger     *slog.Logger
}

// New builds an engine bound to the given transaction.
func New(q db.Querier, orders OrderStore, trades TradeStore, ledger Ledger, rejectSelf bool, logger *slog.Logger) *Engine {
	return &Engine{
		q:          q,
		orders:     orders,
		trades:     trades,
		ledger:     ledger,
		rejectSelf: rejectSelf,
		logger:     logger.With("component", "matching"),
	}
}

// Process matches the taker until it is fully filled or nothing crosses.
//
// reservedCash is the cash amount locked at placement; the engine needs it
// only for market BUY orders, where the reservation was an estimate and the
// unspent residual must be returned after the pass. For every other order
// shape it is ignored.
//
// Market orders that end the pass with unfilled quantity are cancelled; a
// market order that crossed nothing at all additionally fails with
// NoLiquidity, which the caller is expected to catch (the cancellation and
// reservation release still commit).
func (e *Engine) Process(ctx context.Context, takerID uuid.UUID, reservedCash int64) error {
	taker, err := e.orders.Get(ctx, e.q, takerID)
	if err != nil {
		return err
	}

	isMarket := taker.IsMarket()
	isMarketBuy := isMarket && taker.Direction == types.BUY
	var spent int64

	for taker.Status.Open() && taker.Remaining() > 0 {
		counter, err := e.orders.BestMatch(ctx, e.q, taker, e.rejectSelf)
		if err != nil {
			return err
		}
		if counter == nil {
			break
		}

		// Makers always deal at their own price.
		tradePrice := *counter.Price
		tradeQty := min(taker.Remaining(), counter.Remaining())
		if tradeQty <= 0 {
			e.logger.Warn("matched counter-order with no residual, aborting pass",
				"taker", taker.ID, "counter", counter.ID)
			break
		}

		buyer, seller := taker.UserID, counter.UserID
		buyOrderID, sellOrderID := taker.ID, counter.ID
		if taker.Direction == types.SELL {
			buyer, seller = counter.UserID, taker.UserID
			buyOrderID, sellOrderID = counter.ID, taker.ID
		}

		if err := e.ledger.Settle(ctx, e.q, buyer, seller, taker.Ticker, tradeQty, tradePrice); err != nil {
			return err
		}

		switch {
		case isMarketBuy:
			spent += tradeQty * tradePrice
		case taker.Direction == types.BUY && *taker.Price > tradePrice:
			// The reservation assumed the limit price; return the improvement
			// so locked cash stays exactly price*remaining.
			improvement := (*taker.Price - tradePrice) * tradeQty
			if err := e.ledger.Release(ctx, e.q, taker.UserID, types.CashTicker, improvement); err != nil {
				return err
			}
		}

		trade := &types.Trade{
			ID:           uuid.New(),
			Ticker:       taker.Ticker,
			Amount:       tradeQty,
			Price:        tradePrice,
			BuyOrderID:   buyOrderID,
			SellOrderID:  sellOrderID,
			BuyerUserID:  buyer,
			SellerUserID: seller,
		}
		if err := e.trades.Insert(ctx, e.q, trade); err != nil {
			return err
		}

		counterFilled := counter.FilledQty + tradeQty
		if err := e.orders.ApplyFill(ctx, e.q, counter.ID, counterFilled, types.StatusForFill(counterFilled, counter.Qty)); err != nil {
			return err
		}
		takerFilled := taker.FilledQty + tradeQty
		if err := e.orders.ApplyFill(ctx, e.q, taker.ID, takerFilled, types.StatusForFill(takerFilled, taker.Qty)); err != nil {
			return err
		}

		e.logger.Info("trade executed",
			"ticker", taker.Ticker,
			"qty", tradeQty,
			"price", tradePrice,
			"buy_order", buyOrderID,
			"sell_order", sellOrderID,
		)

		taker, err = e.orders.Get(ctx, e.q, takerID)
		if err != nil {
			return err
		}
	}

	if isMarket {
		return e.finishMarket(ctx, taker, reservedCash, spent)
	}
	return nil
}

// finishMarket reconciles a market taker after the matching pass: residual
// reservations are released and unfilled quantity is cancelled, because
// market orders never rest on the book.
func (e *Engine) finishMarket(ctx context.Context, taker *types.Order, reservedCash, spent int64) error {
	if taker.Direction == types.BUY {
		if residual := reservedCash - spent; residual > 0 {
			if err := e.ledger.Release(ctx, e.q, taker.UserID, types.CashTicker, residual); err != nil {
				return err
			}
		}
	} else if residual := taker.Remaining(); residual > 0 {
		if err := e.ledger.Release(ctx, e.q, taker.UserID, taker.Ticker, residual); err != nil {
			return err
		}
	}

	switch {
	case taker.FilledQty == taker.Qty:
		return nil
	case taker.FilledQty > 0:
		e.logger.Info("market order partially crossed, cancelling residual",
			"order", taker.ID, "filled", taker.FilledQty, "qty", taker.Qty)
		return e.orders.MarkCancelled(ctx, e.q, taker.ID)
	default:
		if err := e.orders.MarkCancelled(ctx, e.q, taker.ID); err != nil {
			return err
		}
		return apperr.Newf(apperr.NoLiquidity, "no liquidity for %s %s", taker.Direction, taker.Ticker)
	}
}
