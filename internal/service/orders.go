package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/internal/matching"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

const (
	defaultOrderPageSize = 100
	maxOrderPageSize     = 1000

	// emptyBookFallbackPrice prices the market-BUY reservation when there
	// are no asks to walk at all.
	emptyBookFallbackPrice = 1000
)

// PlaceOrder validates, reserves funds for, persists and matches a new
// order, all inside one transaction. It returns the new order id.
//
// A market order that crossed nothing returns the id alongside a
// NoLiquidity error: the cancelled order and the released reservation are
// committed so the book and the ledger stay consistent, and the caller maps
// the error to a 4xx reply.
func (s *Service) PlaceOrder(ctx context.Context, userID uuid.UUID, req types.OrderRequest) (uuid.UUID, error) {
	if err := validateOrderRequest(req); err != nil {
		return uuid.Nil, err
	}

	var (
		orderID uuid.UUID
		noLiq   error
	)
	err := s.runner.Run(ctx, func(q db.Querier) error {
		noLiq = nil // the unit of work may be retried

		if _, err := s.instruments.Get(ctx, q, req.Ticker); err != nil {
			return err
		}
		reservedCash, err := s.reserveForOrder(ctx, q, userID, req)
		if err != nil {
			return err
		}

		o := &types.Order{
			ID:        uuid.New(),
			UserID:    userID,
			Ticker:    req.Ticker,
			Direction: req.Direction,
			Qty:       req.Qty,
			Price:     req.Price,
		}
		if err := s.orders.Insert(ctx, q, o); err != nil {
			return err
		}
		orderID = o.ID

		eng := matching.New(q, s.orders, s.trades, s.ledger, s.rejectSelfTrade, s.logger)
		if err := eng.Process(ctx, o.ID, reservedCash); err != nil {
			if apperr.IsKind(err, apperr.NoLiquidity) {
				noLiq = err
				return nil // commit the cancellation and the released reservation
			}
			return err
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	if noLiq != nil {
		return orderID, noLiq
	}

	s.logger.Info("order placed", "order_id", orderID, "user_id", userID,
		"ticker", req.Ticker, "direction", req.Direction, "qty", req.Qty)
	return orderID, nil
}

func validateOrderRequest(req types.OrderRequest) error {
	if !req.Direction.Valid() {
		return apperr.New(apperr.InvalidInput, "direction must be BUY or SELL")
	}
	if !types.ValidTicker(req.Ticker) {
		return apperr.Newf(apperr.InvalidInput, "malformed ticker %q", req.Ticker)
	}
	if req.Ticker == types.CashTicker {
		return apperr.New(apperr.InvalidInput, "the cash asset is not tradable")
	}
	if req.Qty < 1 {
		return apperr.New(apperr.InvalidInput, "qty must be at least 1")
	}
	if req.Price != nil && *req.Price < 1 {
		return apperr.New(apperr.InvalidInput, "price must be at least 1")
	}
	return nil
}

// reserveForOrder locks the funds the order may consume and returns the
// cash amount reserved for a market BUY, which the engine needs to give the
// unspent residual back after matching. Every other order shape returns 0.
func (s *Service) reserveForOrder(ctx context.Context, q db.Querier, userID uuid.UUID, req types.OrderRequest) (int64, error) {
	var (
		ticker    string
		amount    int64
		marketBuy bool
	)
	switch {
	case req.Direction == types.SELL:
		ticker, amount = req.Ticker, req.Qty
	case req.Price != nil:
		ticker, amount = types.CashTicker, req.Qty*(*req.Price)
	default:
		est, err := s.estimateMarketBuyCost(ctx, q, req.Ticker, req.Qty)
		if err != nil {
			return 0, err
		}
		ticker, amount, marketBuy = types.CashTicker, est, true
	}

	ok, err := s.ledger.Reserve(ctx, q, userID, ticker, amount)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, apperr.Newf(apperr.InsufficientFunds,
			"insufficient %s for %s %d %s", ticker, req.Direction, req.Qty, req.Ticker)
	}
	if marketBuy {
		return amount, nil
	}
	return 0, nil
}

// estimateMarketBuyCost walks the ask side accumulating price*qty until the
// requested quantity is covered. A thin book pads the unseen part with
// twice the worst observed ask; an empty book falls back to a flat price
// per unit. The estimate intentionally overshoots: matching releases the
// unspent residual.
func (s *Service) estimateMarketBuyCost(ctx context.Context, q db.Querier, ticker string, qty int64) (int64, error) {
	got, cost, lastPrice, err := s.orders.WalkAsks(ctx, q, ticker, qty)
	if err != nil {
		return 0, fmt.Errorf("estimate market buy: %w", err)
	}
	switch {
	case got >= qty:
		return cost, nil
	case got > 0:
		return cost + (qty-got)*lastPrice*2, nil
	default:
		return qty * emptyBookFallbackPrice, nil
	}
}

// CancelOrder releases the order's remaining reservation and marks it
// CANCELLED. Only open orders belonging to the caller can be cancelled.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error {
	err := s.runner.Run(ctx, func(q db.Querier) error {
		o, err := s.orders.Get(ctx, q, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.New(apperr.Forbidden, "order belongs to another user")
		}
		if o.Status.Terminal() {
			return apperr.Newf(apperr.InvalidInput, "order is already %s", o.Status)
		}

		remaining := o.Remaining()
		switch {
		case o.Direction == types.SELL:
			if remaining > 0 {
				if err := s.ledger.Release(ctx, q, userID, o.Ticker, remaining); err != nil {
					return err
				}
			}
		case o.Price != nil:
			if remaining > 0 {
				if err := s.ledger.Release(ctx, q, userID, types.CashTicker, *o.Price*remaining); err != nil {
					return err
				}
			}
		default:
			// An open market BUY cannot normally be observed here, since
			// market orders leave placement in a terminal state. Should one
			// surface anyway, give back whatever cash is still locked.
			bal, err := s.ledger.Get(ctx, q, userID, types.CashTicker)
			if err != nil {
				return err
			}
			if bal.Locked > 0 {
				if err := s.ledger.Release(ctx, q, userID, types.CashTicker, bal.Locked); err != nil {
					return err
				}
			}
		}
		return s.orders.MarkCancelled(ctx, q, o.ID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("order cancelled", "order_id", orderID, "user_id", userID)
	return nil
}

// GetOrder returns one of the caller's orders.
func (s *Service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*types.Order, error) {
	var out *types.Order
	err := s.runner.Run(ctx, func(q db.Querier) error {
		o, err := s.orders.GetForUser(ctx, q, orderID, userID)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// ListOrders returns the caller's order history, newest first.
func (s *Service) ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]types.Order, error) {
	if limit == 0 {
		limit = defaultOrderPageSize
	}
	if limit < 1 || limit > maxOrderPageSize {
		return nil, apperr.Newf(apperr.InvalidInput, "limit must be between 1 and %d", maxOrderPageSize)
	}
	if offset < 0 {
		return nil, apperr.New(apperr.InvalidInput, "offset must not be negative")
	}

	var out []types.Order
	err := s.runner.Run(ctx, func(q db.Querier) error {
		orders, err := s.orders.ListByUser(ctx, q, userID, limit, offset)
		if err != nil {
			return err
		}
		out = orders
		return nil
	})
	return out, err
}

// Balances returns the caller's available funds per ticker. RUB is always
// present, other tickers only when non-zero.
func (s *Service) Balances(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	var out map[string]int64
	err := s.runner.Run(ctx, func(q db.Querier) error {
		balances, err := s.ledger.GetAll(ctx, q, userID)
		if err != nil {
			return err
		}
		out = balances
		return nil
	})
	return out, err
}
