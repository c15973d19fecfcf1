// Package account persists registered users.
package account

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

// Store reads and writes user rows. It is stateless; every method runs
// against the caller's transaction.
type Store struct{}

func NewStore() *Store { return &Store{} }

const userColumns = `id, name, role, api_key`

func (s *Store) Insert(ctx context.Context, q db.Querier, u *types.User) error {
	_, err := q.Exec(ctx, `
		INSERT INTO users (id, name, role, api_key)
		VALUES ($1, $2, $3, $4)`,
		u.ID, u.Name, u.Role, u.APIKey)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, q db.Querier, id uuid.UUID) (*types.User, error) {
	row := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByAPIKey resolves the bearer of an api_key. Used on every
// authenticated request.
func (s *Store) GetByAPIKey(ctx context.Context, q db.Querier, key string) (*types.User, error) {
	row := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = $1`, key)
	return scanUser(row)
}

// Delete removes the user row. Orders and balances go with it through the
// ON DELETE CASCADE constraints.
func (s *Store) Delete(ctx context.Context, q db.Querier, id uuid.UUID) error {
	tag, err := q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.APIKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "user not found")
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
