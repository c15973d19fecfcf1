package service

import (
	"context"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// Instruments lists every tradable instrument.
func (s *Service) Instruments(ctx context.Context) ([]types.Instrument, error) {
	var out []types.Instrument
	err := s.runner.Run(ctx, func(q db.Querier) error {
		list, err := s.instruments.List(ctx, q)
		if err != nil {
			return err
		}
		out = list
		return nil
	})
	return out, err
}

// AddInstrument lists a new instrument. Admin operation; a duplicate ticker
// is a Conflict.
func (s *Service) AddInstrument(ctx context.Context, in types.Instrument) error {
	if !types.ValidTicker(in.Ticker) {
		return apperr.Newf(apperr.InvalidInput, "malformed ticker %q", in.Ticker)
	}
	if in.Name == "" {
		return apperr.New(apperr.InvalidInput, "name must not be empty")
	}
	err := s.runner.Run(ctx, func(q db.Querier) error {
		return s.instruments.Insert(ctx, q, in)
	})
	if err != nil {
		return err
	}
	s.logger.Info("instrument added", "ticker", in.Ticker)
	return nil
}

// RemoveInstrument delists an instrument. The cash asset can never be
// removed; an instrument still referenced by orders is a Conflict, checked
// against open orders first and backstopped by the RESTRICT constraint.
func (s *Service) RemoveInstrument(ctx context.Context, ticker string) error {
	if ticker == types.CashTicker {
		return apperr.New(apperr.InvalidInput, "the cash asset cannot be delisted")
	}
	err := s.runner.Run(ctx, func(q db.Querier) error {
		if _, err := s.instruments.Get(ctx, q, ticker); err != nil {
			return err
		}
		open, err := s.orders.HasOpen(ctx, q, ticker)
		if err != nil {
			return err
		}
		if open {
			return apperr.Newf(apperr.Conflict, "instrument %s has open orders", ticker)
		}
		return s.instruments.Delete(ctx, q, ticker)
	})
	if err != nil {
		return err
	}
	s.logger.Info("instrument removed", "ticker", ticker)
	return nil
}

// OrderBook returns the aggregated book for a ticker. An unknown ticker is
// NotFound, never an empty book.
func (s *Service) OrderBook(ctx context.Context, ticker string, depth int) (*types.L2Book, error) {
	if depth == 0 {
		depth = 10
	}
	if depth < 1 || depth > 25 {
		return nil, apperr.New(apperr.InvalidInput, "limit must be between 1 and 25")
	}

	var out *types.L2Book
	err := s.runner.Run(ctx, func(q db.Querier) error {
		if _, err := s.instruments.Get(ctx, q, ticker); err != nil {
			return err
		}
		book, err := s.orders.L2(ctx, q, ticker, depth)
		if err != nil {
			return err
		}
		out = book
		return nil
	})
	return out, err
}

// Transactions returns the most recent trades on a ticker, newest first.
// Unknown tickers are NotFound, like the order book.
func (s *Service) Transactions(ctx context.Context, ticker string, limit int) ([]types.Trade, error) {
	if limit == 0 {
		limit = 20
	}
	if limit < 1 || limit > 100 {
		return nil, apperr.New(apperr.InvalidInput, "limit must be between 1 and 100")
	}

	var out []types.Trade
	err := s.runner.Run(ctx, func(q db.Querier) error {
		if _, err := s.instruments.Get(ctx, q, ticker); err != nil {
			return err
		}
		trades, err := s.trades.ListByTicker(ctx, q, ticker, limit)
		if err != nil {
			return err
		}
		out = trades
		return nil
	})
	return out, err
}
