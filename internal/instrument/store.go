// Package instrument persists the tradable instrument directory.
package instrument

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// Store reads and writes instrument rows. Stateless; methods run against
// the caller's transaction.
type Store struct{}

func NewStore() *Store { return &Store{} }

func (s *Store) List(ctx context.Context, q db.Querier) ([]types.Instrument, error) {
	rows, err := q.Query(ctx, `SELECT ticker, name, description FROM instruments ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var out []types.Instrument
	for rows.Next() {
		var in types.Instrument
		if err := rows.Scan(&in.Ticker, &in.Name, &in.Description); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, q db.Querier, ticker string) (*types.Instrument, error) {
	var in types.Instrument
	err := q.QueryRow(ctx, `SELECT ticker, name, description FROM instruments WHERE ticker = $1`, ticker).
		Scan(&in.Ticker, &in.Name, &in.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "instrument %s not found", ticker)
		}
		return nil, fmt.Errorf("get instrument: %w", err)
	}
	return &in, nil
}

func (s *Store) Insert(ctx context.Context, q db.Querier, in types.Instrument) error {
	_, err := q.Exec(ctx, `
		INSERT INTO instruments (ticker, name, description)
		VALUES ($1, $2, $3)`,
		in.Ticker, in.Name, in.Description)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Newf(apperr.Conflict, "instrument %s already exists", in.Ticker)
		}
		return fmt.Errorf("insert instrument: %w", err)
	}
	return nil
}

// Delete removes an instrument row. The RESTRICT constraint on
// orders.ticker refuses the delete while any order still references the
// instrument; that surfaces as Conflict.
func (s *Store) Delete(ctx context.Context, q db.Querier, ticker string) error {
	tag, err := q.Exec(ctx, `DELETE FROM instruments WHERE ticker = $1`, ticker)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return apperr.Newf(apperr.Conflict, "instrument %s has orders", ticker)
		}
		return fmt.Errorf("delete instrument: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.NotFound, "instrument %s not found", ticker)
	}
	return nil
}
