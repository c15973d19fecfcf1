// Package ledger implements the per-(user, ticker) balance accounting.
//
// Every balance row has two compartments: amount (total held) and
// locked_amount (reserved by open orders). At every committed state
// amount >= locked_amount >= 0; the database enforces this with CHECK
// constraints, and every mutation here preserves it. A missing row reads as
// (0, 0) and is created lazily on first write.
//
// All methods run inside the caller's transaction. Methods that intend to
// modify a row take a SELECT ... FOR UPDATE lock first; Settle locks all
// affected rows in one deterministic order so concurrent settlements cannot
// deadlock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// Store reads and mutates balance rows. It is stateless; each method takes
// the transaction it must run in.
type Store struct {
	logger *slog.Logger
}

// New creates a ledger store.
func New(logger *slog.Logger) *Store {
	return &Store{logger: logger.With("component", "ledger")}
}

// Get returns the balance row for (user, ticker), or a zero row when absent.
func (s *Store) Get(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string) (types.Balance, error) {
	b := types.Balance{UserID: userID, Ticker: ticker}
	err := q.QueryRow(ctx,
		`SELECT amount, locked_amount FROM balances WHERE user_id = $1 AND ticker = $2`,
		userID, ticker,
	).Scan(&b.Amount, &b.Locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, apperr.Wrap(apperr.Internal, err, "read balance")
	}
	return b, nil
}

// GetAvailable returns amount - locked_amount, or 0 when the row is absent.
func (s *Store) GetAvailable(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string) (int64, error) {
	b, err := s.Get(ctx, q, userID, ticker)
	if err != nil {
		return 0, err
	}
	return b.Available(), nil
}

// GetAll returns the user's available balance per ticker. Rows with zero
// available are omitted, except the cash ticker which is always reported.
func (s *Store) GetAll(ctx context.Context, q db.Querier, userID uuid.UUID) (map[string]int64, error) {
	rows, err := q.Query(ctx,
		`SELECT ticker, amount - locked_amount FROM balances WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read balances")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var ticker string
		var available int64
		if err := rows.Scan(&ticker, &available); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan balance")
		}
		if available != 0 || ticker == types.CashTicker {
			out[ticker] = available
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate balances")
	}
	if _, ok := out[types.CashTicker]; !ok {
		out[types.CashTicker] = 0
	}
	return out, nil
}

// Deposit credits amount by delta, creating the row when absent.
func (s *Store) Deposit(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) error {
	if delta <= 0 {
		return apperr.New(apperr.InvalidInput, "deposit amount must be positive")
	}
	_, err := q.Exec(ctx,
		`INSERT INTO balances (user_id, ticker, amount, locked_amount)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (user_id, ticker) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		userID, ticker, delta,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "deposit")
	}
	return nil
}

// Withdraw debits amount by delta. An absent row or available < delta is
// InsufficientFunds, never NotFound.
func (s *Store) Withdraw(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) error {
	if delta <= 0 {
		return apperr.New(apperr.InvalidInput, "withdraw amount must be positive")
	}
	b, err := s.lock(ctx, q, userID, ticker)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Newf(apperr.InsufficientFunds, "insufficient %s balance", ticker)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "lock balance")
	}
	if b.Available() < delta {
		return apperr.Newf(apperr.InsufficientFunds, "insufficient %s balance", ticker)
	}
	_, err = q.Exec(ctx,
		`UPDATE balances SET amount = amount - $3 WHERE user_id = $1 AND ticker = $2`,
		userID, ticker, delta,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "withdraw")
	}
	return nil
}

// Reserve moves delta from available into locked under a row lock. Returns
// false (and no error) when available < delta, including for absent rows.
func (s *Store) Reserve(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) (bool, error) {
	if delta <= 0 {
		return false, apperr.New(apperr.InvalidInput, "reserve amount must be positive")
	}
	b, err := s.lock(ctx, q, userID, ticker)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "lock balance")
	}
	if b.Available() < delta {
		return false, nil
	}
	_, err = q.Exec(ctx,
		`UPDATE balances SET locked_amount = locked_amount + $3 WHERE user_id = $1 AND ticker = $2`,
		userID, ticker, delta,
	)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "reserve")
	}
	return true, nil
}

// Release returns delta from locked back to available, clamped at zero.
// Releasing more than is locked is an upstream accounting bug: it is logged
// and clamped rather than driving locked_amount negative.
func (s *Store) Release(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) error {
	if delta <= 0 {
		return apperr.New(apperr.InvalidInput, "release amount must be positive")
	}
	b, err := s.lock(ctx, q, userID, ticker)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Warn("release on absent balance row",
			"user_id", userID, "ticker", ticker, "delta", delta)
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "lock balance")
	}
	release := delta
	if release > b.Locked {
		s.logger.Warn("release exceeds locked amount, clamping",
			"user_id", userID, "ticker", ticker, "delta", delta, "locked", b.Locked)
		release = b.Locked
	}
	if release == 0 {
		return nil
	}
	_, err = q.Exec(ctx,
		`UPDATE balances SET locked_amount = locked_amount - $3 WHERE user_id = $1 AND ticker = $2`,
		userID, ticker, release,
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "release")
	}
	return nil
}

// Settle performs the atomic four-leg transfer for one trade:
//
//	buyer cash:   amount -= qty*price, locked_amount -= qty*price
//	seller cash:  amount += qty*price
//	seller asset: amount -= qty, locked_amount -= qty
//	buyer asset:  amount += qty
//
// The buyer's cash and the seller's asset must already be locked by the
// orders being matched; short locks indicate an upstream bug and fail the
// transaction. All affected rows are locked first, in lexicographic
// (user_id, ticker) order, with missing rows created as (0, 0).
func (s *Store) Settle(ctx context.Context, q db.Querier, buyer, seller uuid.UUID, ticker string, qty, price int64) error {
	if qty <= 0 || price <= 0 {
		return apperr.Newf(apperr.Internal, "settle with non-positive qty %d or price %d", qty, price)
	}
	cost := qty * price

	keys := lockOrder(buyer, seller, ticker)
	locked := make(map[legKey]types.Balance, len(keys))
	for _, k := range keys {
		b, err := s.lockOrCreate(ctx, q, k.user, k.ticker)
		if err != nil {
			return err
		}
		locked[k] = b
	}

	buyerCash := locked[legKey{buyer, types.CashTicker}]
	sellerAsset := locked[legKey{seller, ticker}]
	if buyerCash.Locked < cost {
		return apperr.Newf(apperr.Internal,
			"buyer locked cash %d below trade cost %d", buyerCash.Locked, cost)
	}
	if sellerAsset.Locked < qty {
		return apperr.Newf(apperr.Internal,
			"seller locked asset %d below trade qty %d", sellerAsset.Locked, qty)
	}

	legs := []struct {
		user    uuid.UUID
		ticker  string
		dAmount int64
		dLocked int64
	}{
		{buyer, types.CashTicker, -cost, -cost},
		{seller, types.CashTicker, cost, 0},
		{seller, ticker, -qty, -qty},
		{buyer, ticker, qty, 0},
	}
	for _, leg := range legs {
		_, err := q.Exec(ctx,
			`UPDATE balances
			 SET amount = amount + $3, locked_amount = locked_amount + $4
			 WHERE user_id = $1 AND ticker = $2`,
			leg.user, leg.ticker, leg.dAmount, leg.dLocked,
		)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "settle transfer")
		}
	}
	return nil
}

type legKey struct {
	user   uuid.UUID
	ticker string
}

// lockOrder returns the distinct (user, ticker) rows a settlement touches,
// sorted lexicographically by (user_id, ticker). Locking in this fixed order
// is what keeps concurrent settlements deadlock-free.
func lockOrder(buyer, seller uuid.UUID, ticker string) []legKey {
	set := map[legKey]struct{}{
		{buyer, types.CashTicker}:  {},
		{buyer, ticker}:            {},
		{seller, types.CashTicker}: {},
		{seller, ticker}:           {},
	}
	keys := make([]legKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ui, uj := keys[i].user.String(), keys[j].user.String()
		if ui != uj {
			return ui < uj
		}
		return keys[i].ticker < keys[j].ticker
	})
	return keys
}

// lock reads one row under FOR UPDATE. Returns pgx.ErrNoRows when absent.
func (s *Store) lock(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string) (types.Balance, error) {
	b := types.Balance{UserID: userID, Ticker: ticker}
	err := q.QueryRow(ctx,
		`SELECT amount, locked_amount FROM balances WHERE user_id = $1 AND ticker = $2 FOR UPDATE`,
		userID, ticker,
	).Scan(&b.Amount, &b.Locked)
	if err != nil {
		return b, err
	}
	return b, nil
}

// lockOrCreate locks the row, inserting a (0, 0) row first when absent.
func (s *Store) lockOrCreate(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string) (types.Balance, error) {
	b, err := s.lock(ctx, q, userID, ticker)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return b, apperr.Wrap(apperr.Internal, err, "lock balance")
	}
	if _, err := q.Exec(ctx,
		`INSERT INTO balances (user_id, ticker) VALUES ($1, $2)
		 ON CONFLICT (user_id, ticker) DO NOTHING`,
		userID, ticker,
	); err != nil {
		return b, apperr.Wrap(apperr.Internal, err, "create balance row")
	}
	b, err = s.lock(ctx, q, userID, ticker)
	if err != nil {
		return b, apperr.Wrap(apperr.Internal, err, fmt.Sprintf("relock balance %s/%s", userID, ticker))
	}
	return b, nil
}
