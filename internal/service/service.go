// Package service implements the transactional application layer. Every
// public method runs inside exactly one retried READ COMMITTED transaction;
// the stores it drives are stateless and bound to that transaction through
// the db.Querier handed to the unit of work.
package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// TxRunner executes a unit of work inside one transaction, retrying
// transient locking conflicts.
type TxRunner interface {
	Run(ctx context.Context, fn func(q db.Querier) error) error
}

// AccountStore persists user rows.
type AccountStore interface {
	Insert(ctx context.Context, q db.Querier, u *types.User) error
	GetByID(ctx context.Context, q db.Querier, id uuid.UUID) (*types.User, error)
	GetByAPIKey(ctx context.Context, q db.Querier, key string) (*types.User, error)
	Delete(ctx context.Context, q db.Querier, id uuid.UUID) error
}

// InstrumentStore persists the instrument directory.
type InstrumentStore interface {
	List(ctx context.Context, q db.Querier) ([]types.Instrument, error)
	Get(ctx context.Context, q db.Querier, ticker string) (*types.Instrument, error)
	Insert(ctx context.Context, q db.Querier, in types.Instrument) error
	Delete(ctx context.Context, q db.Querier, ticker string) error
}

// OrderStore persists orders and answers the book read paths.
type OrderStore interface {
	Insert(ctx context.Context, q db.Querier, o *types.Order) error
	Get(ctx context.Context, q db.Querier, id uuid.UUID) (*types.Order, error)
	GetForUser(ctx context.Context, q db.Querier, id, userID uuid.UUID) (*types.Order, error)
	ListByUser(ctx context.Context, q db.Querier, userID uuid.UUID, limit, offset int) ([]types.Order, error)
	BestMatch(ctx context.Context, q db.Querier, taker *types.Order, rejectSelf bool) (*types.Order, error)
	ApplyFill(ctx context.Context, q db.Querier, id uuid.UUID, filledQty int64, status types.OrderStatus) error
	MarkCancelled(ctx context.Context, q db.Querier, id uuid.UUID) error
	HasOpen(ctx context.Context, q db.Querier, ticker string) (bool, error)
	L2(ctx context.Context, q db.Querier, ticker string, depth int) (*types.L2Book, error)
	WalkAsks(ctx context.Context, q db.Querier, ticker string, need int64) (got, cost, lastPrice int64, err error)
}

// TradeStore appends to and reads the trade tape.
type TradeStore interface {
	Insert(ctx context.Context, q db.Querier, t *types.Trade) error
	ListByTicker(ctx context.Context, q db.Querier, ticker string, limit int) ([]types.Trade, error)
}

// Ledger is the balance store.
type Ledger interface {
	Get(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string) (types.Balance, error)
	GetAll(ctx context.Context, q db.Querier, userID uuid.UUID) (map[string]int64, error)
	Deposit(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) error
	Withdraw(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) error
	Reserve(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) (bool, error)
	Release(ctx context.Context, q db.Querier, userID uuid.UUID, ticker string, delta int64) error
	Settle(ctx context.Context, q db.Querier, buyer, seller uuid.UUID, ticker string, qty, price int64) error
}

// Service is the application layer behind the HTTP handlers.
type Service struct {
	runner          TxRunner
	accounts        AccountStore
	instruments     InstrumentStore
	orders          OrderStore
	trades          TradeStore
	ledger          Ledger
	rejectSelfTrade bool
	logger          *slog.Logger
}

func New(
	runner TxRunner,
	accounts AccountStore,
	instruments InstrumentStore,
	orders OrderStore,
	trades TradeStore,
	ledger Ledger,
	rejectSelfTrade bool,
	logger *slog.Logger,
) *Service {
	return &Service{
		runner:          runner,
		accounts:        accounts,
		instruments:     instruments,
		orders:          orders,
		trades:          trades,
		ledger:          ledger,
		rejectSelfTrade: rejectSelfTrade,
		logger:          logger.With("component", "service"),
	}
}
