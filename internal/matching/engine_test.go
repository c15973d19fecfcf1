package matching

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// fakeBook keeps orders in memory and answers BestMatch with the same
// price-time ordering the SQL store uses.
type fakeBook struct {
	orders map[uuid.UUID]*types.Order
}

func newFakeBook(orders ...*types.Order) *fakeBook {
	b := &fakeBook{orders: make(map[uuid.UUID]*types.Order)}
	for _, o := range orders {
		b.orders[o.ID] = o
	}
	return b
}

func (b *fakeBook) Get(_ context.Context, _ db.Querier, id uuid.UUID) (*types.Order, error) {
	o, ok := b.orders[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "order not found")
	}
	cp := *o
	return &cp, nil
}

func (b *fakeBook) BestMatch(_ context.Context, _ db.Querier, taker *types.Order, rejectSelf bool) (*types.Order, error) {
	var best *types.Order
	for _, o := range b.orders {
		if o.ID == taker.ID || o.Ticker != taker.Ticker || o.Price == nil {
			continue
		}
		if !o.Status.Open() || o.Remaining() <= 0 {
			continue
		}
		if o.Direction != taker.Direction.Opposite() {
			continue
		}
		if rejectSelf && o.UserID == taker.UserID {
			continue
		}
		if taker.Price != nil {
			if taker.Direction == types.BUY && *o.Price > *taker.Price {
				continue
			}
			if taker.Direction == types.SELL && *o.Price < *taker.Price {
				continue
			}
		}
		if best == nil || beats(taker.Direction, o, best) {
			best = o
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// beats reports whether a is a better counter-order than b for the taker.
func beats(takerDir types.Direction, a, b *types.Order) bool {
	if *a.Price != *b.Price {
		if takerDir == types.BUY {
			return *a.Price < *b.Price
		}
		return *a.Price > *b.Price
	}
	return a.Timestamp.Before(b.Timestamp)
}

func (b *fakeBook) ApplyFill(_ context.Context, _ db.Querier, id uuid.UUID, filledQty int64, status types.OrderStatus) error {
	o, ok := b.orders[id]
	if !ok {
		return apperr.New(apperr.NotFound, "order not found")
	}
	o.FilledQty = filledQty
	o.Status = status
	return nil
}

func (b *fakeBook) MarkCancelled(_ context.Context, _ db.Querier, id uuid.UUID) error {
	o, ok := b.orders[id]
	if !ok {
		return apperr.New(apperr.NotFound, "order not found")
	}
	o.Status = types.StatusCancelled
	return nil
}

type fakeTape struct {
	trades []types.Trade
}

func (t *fakeTape) Insert(_ context.Context, _ db.Querier, tr *types.Trade) error {
	tr.Timestamp = time.Now()
	t.trades = append(t.trades, *tr)
	return nil
}

type settleCall struct {
	buyer, seller uuid.UUID
	ticker        string
	qty, price    int64
}

type releaseCall struct {
	user   uuid.UUID
	ticker string
	amount int64
}

type fakeLedger struct {
	settles  []settleCall
	releases []releaseCall
}

func (l *fakeLedger) Settle(_ context.Context, _ db.Querier, buyer, seller uuid.UUID, ticker string, qty, price int64) error {
	l.settles = append(l.settles, settleCall{buyer, seller, ticker, qty, price})
	return nil
}

func (l *fakeLedger) Release(_ context.Context, _ db.Querier, userID uuid.UUID, ticker string, delta int64) error {
	l.releases = append(l.releases, releaseCall{userID, ticker, delta})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func limitOrder(user uuid.UUID, dir types.Direction, qty, price int64, ts time.Time) *types.Order {
	p := price
	return &types.Order{
		ID:        uuid.New(),
		UserID:    user,
		Ticker:    "AAA",
		Direction: dir,
		Qty:       qty,
		Price:     &p,
		Status:    types.StatusNew,
		Timestamp: ts,
	}
}

func marketOrder(user uuid.UUID, dir types.Direction, qty int64, ts time.Time) *types.Order {
	return &types.Order{
		ID:        uuid.New(),
		UserID:    user,
		Ticker:    "AAA",
		Direction: dir,
		Qty:       qty,
		Status:    types.StatusNew,
		Timestamp: ts,
	}
}

func run(t *testing.T, book *fakeBook, takerID uuid.UUID, reserved int64, rejectSelf bool) (*fakeTape, *fakeLedger, error) {
	t.Helper()
	tape := &fakeTape{}
	led := &fakeLedger{}
	eng := New(nil, book, tape, led, rejectSelf, testLogger())
	err := eng.Process(context.Background(), takerID, reserved)
	return tape, led, err
}

func TestProcessExactFill(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := time.Now()
	maker := limitOrder(bob, types.SELL, 10, 50, base)
	taker := limitOrder(alice, types.BUY, 10, 50, base.Add(time.Second))
	book := newFakeBook(maker, taker)

	tape, led, err := run(t, book, taker.ID, 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tape.trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(tape.trades))
	}
	tr := tape.trades[0]
	if tr.Amount != 10 || tr.Price != 50 {
		t.Errorf("trade = %d@%d, want 10@50", tr.Amount, tr.Price)
	}
	if tr.BuyOrderID != taker.ID || tr.SellOrderID != maker.ID {
		t.Errorf("trade order ids wrong: buy=%s sell=%s", tr.BuyOrderID, tr.SellOrderID)
	}
	if got := book.orders[taker.ID].Status; got != types.StatusExecuted {
		t.Errorf("taker status = %s, want EXECUTED", got)
	}
	if got := book.orders[maker.ID].Status; got != types.StatusExecuted {
		t.Errorf("maker status = %s, want EXECUTED", got)
	}
	if len(led.settles) != 1 {
		t.Fatalf("settles = %d, want 1", len(led.settles))
	}
	s := led.settles[0]
	if s.buyer != alice || s.seller != bob || s.qty != 10 || s.price != 50 {
		t.Errorf("settle = %+v", s)
	}
	if len(led.releases) != 0 {
		t.Errorf("releases = %+v, want none", led.releases)
	}
}

func TestProcessPartialFillRests(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := time.Now()
	maker := limitOrder(bob, types.SELL, 3, 100, base)
	taker := limitOrder(alice, types.BUY, 5, 100, base.Add(time.Second))
	book := newFakeBook(maker, taker)

	tape, _, err := run(t, book, taker.ID, 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tape.trades) != 1 || tape.trades[0].Amount != 3 {
		t.Fatalf("trades = %+v, want one 3-lot", tape.trades)
	}
	got := book.orders[taker.ID]
	if got.Status != types.StatusPartiallyExecuted || got.FilledQty != 3 {
		t.Errorf("taker = %s filled %d, want PARTIALLY_EXECUTED filled 3", got.Status, got.FilledQty)
	}
	if book.orders[maker.ID].Status != types.StatusExecuted {
		t.Errorf("maker status = %s, want EXECUTED", book.orders[maker.ID].Status)
	}
}

func TestProcessPriceImprovementReleasesDelta(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := time.Now()
	maker := limitOrder(bob, types.SELL, 2, 90, base)
	taker := limitOrder(alice, types.BUY, 2, 100, base.Add(time.Second))
	book := newFakeBook(maker, taker)

	tape, led, err := run(t, book, taker.ID, 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tape.trades) != 1 || tape.trades[0].Price != 90 {
		t.Fatalf("trade price = %+v, want maker price 90", tape.trades)
	}
	// Reservation was 2*100, settle debits 2*90; the 20 difference comes back.
	if len(led.releases) != 1 {
		t.Fatalf("releases = %+v, want one", led.releases)
	}
	r := led.releases[0]
	if r.user != alice || r.ticker != types.CashTicker || r.amount != 20 {
		t.Errorf("release = %+v, want alice RUB 20", r)
	}
}

func TestProcessPriceTimePriority(t *testing.T) {
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	base := time.Now()
	cheapLate := limitOrder(bob, types.SELL, 1, 90, base.Add(2*time.Second))
	dearEarly := limitOrder(carol, types.SELL, 1, 95, base)
	sameEarly := limitOrder(carol, types.SELL, 1, 90, base.Add(time.Second))
	taker := limitOrder(alice, types.BUY, 3, 100, base.Add(3*time.Second))
	book := newFakeBook(cheapLate, dearEarly, sameEarly, taker)

	tape, _, err := run(t, book, taker.ID, 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tape.trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(tape.trades))
	}
	// Best price first; among the two at 90 the earlier timestamp wins.
	if tape.trades[0].SellOrderID != sameEarly.ID {
		t.Errorf("first fill = %s, want earlier 90 ask", tape.trades[0].SellOrderID)
	}
	if tape.trades[1].SellOrderID != cheapLate.ID {
		t.Errorf("second fill = %s, want later 90 ask", tape.trades[1].SellOrderID)
	}
	if tape.trades[2].SellOrderID != dearEarly.ID || tape.trades[2].Price != 95 {
		t.Errorf("third fill = %+v, want 95 ask", tape.trades[2])
	}
}

func TestProcessLimitRespectsPriceBound(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := time.Now()
	maker := limitOrder(bob, types.SELL, 5, 101, base)
	taker := limitOrder(alice, types.BUY, 5, 100, base.Add(time.Second))
	book := newFakeBook(maker, taker)

	tape, led, err := run(t, book, taker.ID, 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tape.trades) != 0 || len(led.settles) != 0 {
		t.Fatalf("expected no crossing, got trades=%d settles=%d", len(tape.trades), len(led.settles))
	}
	if got := book.orders[taker.ID].Status; got != types.StatusNew {
		t.Errorf("taker status = %s, want NEW (resting)", got)
	}
}

func TestProcessMarketBuyWalksLevels(t *testing.T) {
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	base := time.Now()
	ask1 := limitOrder(bob, types.SELL, 2, 100, base)
	ask2 := limitOrder(carol, types.SELL, 3, 110, base.Add(time.Second))
	taker := marketOrder(alice, types.BUY, 4, base.Add(2*time.Second))
	book := newFakeBook(ask1, ask2, taker)

	// Exact walk cost: 2*100 + 2*110.
	tape, led, err := run(t, book, taker.ID, 420, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tape.trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(tape.trades))
	}
	if tape.trades[0].Price != 100 || tape.trades[0].Amount != 2 {
		t.Errorf("first trade = %+v, want 2@100", tape.trades[0])
	}
	if tape.trades[1].Price != 110 || tape.trades[1].Amount != 2 {
		t.Errorf("second trade = %+v, want 2@110", tape.trades[1])
	}
	if got := book.orders[taker.ID].Status; got != types.StatusExecuted {
		t.Errorf("taker status = %s, want EXECUTED", got)
	}
	if got := book.orders[ask2.ID]; got.Status != types.StatusPartiallyExecuted || got.FilledQty != 2 {
		t.Errorf("second ask = %s filled %d, want PARTIALLY_EXECUTED filled 2", got.Status, got.FilledQty)
	}
	// Reservation spent to the kopeck, nothing to give back.
	if len(led.releases) != 0 {
		t.Errorf("releases = %+v, want none", led.releases)
	}
}

func TestProcessMarketBuyReleasesResidualReservation(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := time.Now()
	ask := limitOrder(bob, types.SELL, 4, 105, base)
	taker := marketOrder(alice, types.BUY, 4, base.Add(time.Second))
	book := newFakeBook(ask, taker)

	tape, led, err := run(t, book, taker.ID, 1000, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tape.trades) != 1 || tape.trades[0].Price != 105 {
		t.Fatalf("trades = %+v", tape.trades)
	}
	if len(led.releases) != 1 {
		t.Fatalf("releases = %+v, want one residual release", led.releases)
	}
	r := led.releases[0]
	if r.user != alice || r.ticker != types.CashTicker || r.amount != 1000-420 {
		t.Errorf("residual release = %+v, want alice RUB 580", r)
	}
}

func TestProcessMarketBuyNoLiquidity(t *testing.T) {
	alice := uuid.New()
	taker := marketOrder(alice, types.BUY, 5, time.Now())
	book := newFakeBook(taker)

	tape, led, err := run(t, book, taker.ID, 5000, false)
	if kind := apperr.KindOf(err); kind != apperr.NoLiquidity {
		t.Fatalf("err = %v (kind %s), want NoLiquidity", err, kind)
	}
	if len(tape.trades) != 0 {
		t.Errorf("trades = %d, want 0", len(tape.trades))
	}
	if got := book.orders[taker.ID].Status; got != types.StatusCancelled {
		t.Errorf("taker status = %s, want CANCELLED", got)
	}
	// The whole safety reservation comes back before the error surfaces.
	if len(led.releases) != 1 || led.releases[0].amount != 5000 || led.releases[0].ticker != types.CashTicker {
		t.Errorf("releases = %+v, want full 5000 RUB", led.releases)
	}
}

func TestProcessMarketSellPartialThenCancelled(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := time.Now()
	bid := limitOrder(bob, types.BUY, 3, 100, base)
	taker := marketOrder(alice, types.SELL, 5, base.Add(time.Second))
	book := newFakeBook(bid, taker)

	tape, led, err := run(t, book, taker.ID, 0, false)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tape.trades) != 1 || tape.trades[0].Amount != 3 || tape.trades[0].Price != 100 {
		t.Fatalf("trades = %+v, want one 3@100", tape.trades)
	}
	got := book.orders[taker.ID]
	if got.Status != types.StatusCancelled || got.FilledQty != 3 {
		t.Errorf("taker = %s filled %d, want CANCELLED filled 3", got.Status, got.FilledQty)
	}
	// Unfilled 2 of the reserved asset come back.
	if len(led.releases) != 1 {
		t.Fatalf("releases = %+v, want one", led.releases)
	}
	r := led.releases[0]
	if r.user != alice || r.ticker != "AAA" || r.amount != 2 {
		t.Errorf("release = %+v, want alice AAA 2", r)
	}
	if s := led.settles[0]; s.buyer != bob || s.seller != alice {
		t.Errorf("settle sides = %+v, want buyer bob seller alice", s)
	}
}

func TestProcessMarketSellNoLiquidityReleasesQty(t *testing.T) {
	alice := uuid.New()
	taker := marketOrder(alice, types.SELL, 7, time.Now())
	book := newFakeBook(taker)

	_, led, err := run(t, book, taker.ID, 0, false)
	if kind := apperr.KindOf(err); kind != apperr.NoLiquidity {
		t.Fatalf("err = %v (kind %s), want NoLiquidity", err, kind)
	}
	if len(led.releases) != 1 || led.releases[0].ticker != "AAA" || led.releases[0].amount != 7 {
		t.Errorf("releases = %+v, want full AAA 7", led.releases)
	}
	if got := book.orders[taker.ID].Status; got != types.StatusCancelled {
		t.Errorf("taker status = %s, want CANCELLED", got)
	}
}

func TestProcessSelfTradeToggle(t *testing.T) {
	alice := uuid.New()
	base := time.Now()

	t.Run("permitted by default", func(t *testing.T) {
		maker := limitOrder(alice, types.SELL, 5, 100, base)
		taker := limitOrder(alice, types.BUY, 5, 100, base.Add(time.Second))
		book := newFakeBook(maker, taker)

		tape, _, err := run(t, book, taker.ID, 0, false)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(tape.trades) != 1 {
			t.Fatalf("trades = %d, want 1", len(tape.trades))
		}
		if book.orders[taker.ID].Status != types.StatusExecuted || book.orders[maker.ID].Status != types.StatusExecuted {
			t.Errorf("both sides should be EXECUTED")
		}
	})

	t.Run("rejected when configured", func(t *testing.T) {
		maker := limitOrder(alice, types.SELL, 5, 100, base)
		taker := limitOrder(alice, types.BUY, 5, 100, base.Add(time.Second))
		book := newFakeBook(maker, taker)

		tape, _, err := run(t, book, taker.ID, 0, true)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(tape.trades) != 0 {
			t.Fatalf("trades = %d, want 0", len(tape.trades))
		}
		if got := book.orders[taker.ID].Status; got != types.StatusNew {
			t.Errorf("taker status = %s, want NEW", got)
		}
	})
}

func TestProcessSettleFailureAborts(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	base := time.Now()
	maker := limitOrder(bob, types.SELL, 1, 50, base)
	taker := limitOrder(alice, types.BUY, 1, 50, base.Add(time.Second))
	book := newFakeBook(maker, taker)

	tape := &fakeTape{}
	led := &failingLedger{}
	eng := New(nil, book, tape, led, false, testLogger())
	err := eng.Process(context.Background(), taker.ID, 0)
	if err == nil {
		t.Fatal("Process: want error from settle")
	}
	if len(tape.trades) != 0 {
		t.Errorf("no trade may be recorded after a failed settle, got %d", len(tape.trades))
	}
}

type failingLedger struct{}

func (failingLedger) Settle(context.Context, db.Querier, uuid.UUID, uuid.UUID, string, int64, int64) error {
	return apperr.New(apperr.Internal, "settle failed")
}

func (failingLedger) Release(context.Context, db.Querier, uuid.UUID, string, int64) error {
	return nil
}
