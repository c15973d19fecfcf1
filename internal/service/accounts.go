package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// Register creates a user account and mints its api key.
func (s *Service) Register(ctx context.Context, name string) (*types.User, error) {
	if !types.ValidUserName(name) {
		return nil, apperr.New(apperr.InvalidInput, "name must be at least 3 characters")
	}

	u := &types.User{
		ID:     uuid.New(),
		Name:   name,
		Role:   types.RoleUser,
		APIKey: "key-" + uuid.NewString(),
	}
	err := s.runner.Run(ctx, func(q db.Querier) error {
		return s.accounts.Insert(ctx, q, u)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", u.ID)
	return u, nil
}

// Authenticate resolves an api key to its user. Unknown keys come back as
// Unauthenticated, never NotFound, so the HTTP layer maps them to 401.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*types.User, error) {
	var u *types.User
	err := s.runner.Run(ctx, func(q db.Querier) error {
		got, err := s.accounts.GetByAPIKey(ctx, q, apiKey)
		if err != nil {
			return err
		}
		u = got
		return nil
	})
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return nil, apperr.New(apperr.Unauthenticated, "invalid api key")
		}
		return nil, err
	}
	return u, nil
}

// DeleteUser removes an account and, through the schema's cascades, its
// orders and balances. The deleted record is returned to the caller.
func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var u *types.User
	err := s.runner.Run(ctx, func(q db.Querier) error {
		got, err := s.accounts.GetByID(ctx, q, id)
		if err != nil {
			return err
		}
		if err := s.accounts.Delete(ctx, q, id); err != nil {
			return err
		}
		u = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("user deleted", "user_id", id)
	return u, nil
}

// Deposit credits a user's balance. Admin operation.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	if err := validateBalanceChange(ticker, amount); err != nil {
		return err
	}
	err := s.runner.Run(ctx, func(q db.Querier) error {
		if _, err := s.accounts.GetByID(ctx, q, userID); err != nil {
			return err
		}
		if _, err := s.instruments.Get(ctx, q, ticker); err != nil {
			return err
		}
		return s.ledger.Deposit(ctx, q, userID, ticker, amount)
	})
	if err != nil {
		return err
	}
	s.logger.Info("balance deposited", "user_id", userID, "ticker", ticker, "amount", amount)
	return nil
}

// Withdraw debits a user's available balance. Admin operation; fails with
// InsufficientFunds when the available part is short, including when no
// balance row exists at all.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	if err := validateBalanceChange(ticker, amount); err != nil {
		return err
	}
	err := s.runner.Run(ctx, func(q db.Querier) error {
		if _, err := s.accounts.GetByID(ctx, q, userID); err != nil {
			return err
		}
		if _, err := s.instruments.Get(ctx, q, ticker); err != nil {
			return err
		}
		return s.ledger.Withdraw(ctx, q, userID, ticker, amount)
	})
	if err != nil {
		return err
	}
	s.logger.Info("balance withdrawn", "user_id", userID, "ticker", ticker, "amount", amount)
	return nil
}

func validateBalanceChange(ticker string, amount int64) error {
	if !types.ValidTicker(ticker) {
		return apperr.Newf(apperr.InvalidInput, "malformed ticker %q", ticker)
	}
	if amount < 1 {
		return apperr.New(apperr.InvalidInput, "amount must be at least 1")
	}
	return nil
}
