package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brokercore/internal/broker"
	"brokercore/internal/execution"
	"brokercore/internal/gate"
	"brokercore/internal/ledger"
	"brokercore/internal/margin"
	"brokercore/internal/marketdata"
	"brokercore/internal/model"
	"brokercore/internal/notify"
	"brokercore/internal/orders"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

type heldFlag struct{ v atomic.Bool }

func (h *heldFlag) Held() bool { return h.v.Load() }

type countingExecutor struct {
	calls atomic.Int32
}

func (c *countingExecutor) ExecuteMarketOrder(_ context.Context, req broker.MarketOrder) (broker.Fill, error) {
	c.calls.Add(1)
	return broker.Fill{FilledAmount: req.Amount, FilledPrice: dec("88"), OrderRef: "v-" + req.ClientOrderID}, nil
}

type failingOracle struct{}

func (failingOracle) GetPrices(context.Context, []string) (map[string]marketdata.Quote, error) {
	return nil, errors.New("connection reset")
}

type fixture struct {
	ledger    *ledger.Service
	orders    *orders.MemStore
	orderSvc  *orders.Service
	positions *margin.MemStore
	marginSvc *margin.Service
	outbox    *notify.MemOutbox
	feed      *marketdata.LiveQuotes
	guard     *marketdata.Guard
	exec      *countingExecutor
	engine    *execution.Engine
	held      *heldFlag
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		ledger: ledger.NewService(ledger.NewMemStore(), log),
		outbox: notify.NewMemOutbox(),
		feed:   marketdata.NewLiveQuotes(),
		exec:   &countingExecutor{},
		held:   &heldFlag{},
	}
	f.held.v.Store(true)
	f.orders = orders.NewMemStore(f.outbox)
	f.positions = margin.NewMemStore(f.outbox)
	f.guard = marketdata.NewGuard(f.feed, gate.New(gate.Config{Name: "oracle", Concurrency: 2, Timeout: time.Second}), time.Minute, log)
	f.orderSvc = orders.NewService(f.orders, f.ledger, f.guard, log)
	f.marginSvc = margin.NewService(f.positions, f.ledger, f.guard, decimal.Zero, log)
	f.engine = execution.NewEngine(f.orders, f.positions, f.ledger, f.exec,
		gate.New(gate.Config{Name: "executor", Concurrency: 4, Timeout: time.Second}), f.guard, execution.Config{}, log)
	return f
}

func (f *fixture) monitor(t *testing.T, engine Engine) *Monitor {
	return New(f.orders, f.positions, f.guard, engine, f.held, Config{UserParallelism: 4}, zaptest.NewLogger(t))
}

func (f *fixture) price(t *testing.T, pair, price string) {
	t.Helper()
	require.NoError(t, f.feed.SetQuote(context.Background(), pair, marketdata.Quote{Price: dec(price), AsOf: time.Now()}))
}

func (f *fixture) deposit(t *testing.T, userID, currency, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), userID, currency, dec(amount), types.LedgerEntryTypeDeposit, ledger.Ref{})
	require.NoError(t, err)
}

func TestStopLossFiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.monitor(t, f.engine)
	f.deposit(t, "u1", "BTC", "1")
	f.price(t, "BTC-USD", "100")
	o, err := f.orderSvc.Create(ctx, orders.CreateRequest{
		UserID: "u1", Pair: "BTC-USD", Kind: types.OrderKindStopLoss, Side: types.OrderSideSell,
		Amount: dec("1"), TriggerPrice: ptr(dec("90")),
	})
	require.NoError(t, err)

	var triggered int
	for _, p := range []string{"95", "92", "88", "85"} {
		f.price(t, "BTC-USD", p)
		res, err := m.CheckOrders(ctx)
		require.NoError(t, err)
		triggered += res.Triggered
	}
	assert.Equal(t, 1, triggered)
	assert.EqualValues(t, 1, f.exec.calls.Load())

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusExecuted, got.Status)
	assert.Len(t, f.outbox.Events(types.EventOrderExecuted), 1)

	entries, err := f.ledger.History(ctx, "u1", 50, 0)
	require.NoError(t, err)
	settlements := 0
	for _, e := range entries {
		if e.Type == types.LedgerEntryTypeTradeSettlement && e.Currency == "BTC" {
			settlements++
		}
	}
	assert.Equal(t, 1, settlements)
	usd, err := f.ledger.Balance(ctx, "u1", "USD")
	require.NoError(t, err)
	assert.True(t, usd.Available.Equal(dec("88")))
}

func TestTrailingStopPersistsHighWater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.monitor(t, f.engine)
	f.deposit(t, "u1", "BTC", "1")
	f.price(t, "BTC-USD", "100")
	o, err := f.orderSvc.Create(ctx, orders.CreateRequest{
		UserID: "u1", Pair: "BTC-USD", Kind: types.OrderKindTrailingStop, Side: types.OrderSideSell,
		Amount: dec("1"), TrailPercent: ptr(dec("10")),
	})
	require.NoError(t, err)

	f.price(t, "BTC-USD", "120")
	res, err := m.CheckOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Raised)
	f.price(t, "BTC-USD", "110")
	res, err = m.CheckOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Raised)
	assert.Zero(t, res.Triggered)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.HighWaterPrice.Equal(dec("120")))
	assert.True(t, got.TriggerPrice.Equal(dec("108")))

	f.price(t, "BTC-USD", "108")
	res, err = m.CheckOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)
	got, err = f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusExecuted, got.Status)
}

func TestOracleUnavailableSkipsCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, "u1", "BTC", "1")
	f.price(t, "BTC-USD", "100")
	o, err := f.orderSvc.Create(ctx, orders.CreateRequest{
		UserID: "u1", Pair: "BTC-USD", Kind: types.OrderKindStopLoss, Side: types.OrderSideSell,
		Amount: dec("1"), TriggerPrice: ptr(dec("200")),
	})
	require.NoError(t, err)

	guard := marketdata.NewGuard(failingOracle{}, gate.New(gate.Config{Name: "oracle", Concurrency: 1}), time.Minute, zaptest.NewLogger(t))
	m := New(f.orders, f.positions, guard, f.engine, f.held, Config{}, zaptest.NewLogger(t))
	_, err = m.CheckOrders(ctx)
	assert.ErrorIs(t, err, marketdata.ErrOracleUnavailable)
	_, err = m.CheckPositions(ctx)
	assert.NoError(t, err, "no open positions, no oracle call")

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, got.Status)
	assert.Zero(t, f.exec.calls.Load())
}

func TestStaleQuotesAreNotEvaluated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.monitor(t, f.engine)
	f.deposit(t, "u1", "BTC", "1")
	f.deposit(t, "u1", "ETH", "1")
	f.price(t, "BTC-USD", "100")
	f.price(t, "ETH-USD", "100")
	for _, pair := range []string{"BTC-USD", "ETH-USD"} {
		_, err := f.orderSvc.Create(ctx, orders.CreateRequest{
			UserID: "u1", Pair: pair, Kind: types.OrderKindStopLoss, Side: types.OrderSideSell,
			Amount: dec("1"), TriggerPrice: ptr(dec("200")),
		})
		require.NoError(t, err)
	}
	f.feed = marketdata.NewLiveQuotes()
	require.NoError(t, f.feed.SetQuote(ctx, "BTC-USD", marketdata.Quote{Price: dec("100"), AsOf: time.Now().Add(-time.Hour)}))
	require.NoError(t, f.feed.SetQuote(ctx, "ETH-USD", marketdata.Quote{Price: dec("100"), AsOf: time.Now()}))
	guard := marketdata.NewGuard(f.feed, gate.New(gate.Config{Name: "oracle", Concurrency: 1}), time.Minute, zaptest.NewLogger(t))
	m.quotes = guard

	res, err := m.CheckOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 1, res.Triggered)
	assert.EqualValues(t, 1, f.exec.calls.Load())
}

type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]bool
	inFlight map[string]int
	overlap  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fail: map[string]bool{}, inFlight: map[string]int{}}
}

func (e *fakeEngine) enter(user, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, id)
	e.inFlight[user]++
	if e.inFlight[user] > 1 {
		e.overlap = true
	}
}

func (e *fakeEngine) leave(user string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[user]--
}

func (e *fakeEngine) ExecuteOrder(_ context.Context, o model.ConditionalOrder, _ decimal.Decimal) error {
	e.enter(o.UserID, o.ID)
	defer e.leave(o.UserID)
	time.Sleep(2 * time.Millisecond)
	if e.fail[o.ID] {
		return errors.New("store unavailable")
	}
	return nil
}

func (e *fakeEngine) Liquidate(_ context.Context, p model.MarginPosition) error {
	e.enter(p.UserID, p.ID)
	defer e.leave(p.UserID)
	return nil
}

func (e *fakeEngine) Reconcile(context.Context) (execution.ReconcileReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "reconcile")
	return execution.ReconcileReport{}, nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func TestDispatchIsolatesErrorsAndSerialisesUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	engine := newFakeEngine()
	m := f.monitor(t, engine)
	f.price(t, "BTC-USD", "100")

	var ids []string
	for _, user := range []string{"u1", "u2", "u3"} {
		f.deposit(t, user, "BTC", "10")
		for i := 0; i < 3; i++ {
			o, err := f.orderSvc.Create(ctx, orders.CreateRequest{
				UserID: user, Pair: "BTC-USD", Kind: types.OrderKindTakeProfit, Side: types.OrderSideSell,
				Amount: dec("1"), TriggerPrice: ptr(dec("50")),
			})
			require.NoError(t, err)
			ids = append(ids, o.ID)
		}
	}
	engine.fail[ids[0]] = true
	engine.fail[ids[4]] = true

	res, err := m.CheckOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Triggered)
	assert.Equal(t, 2, res.Errors)
	assert.ElementsMatch(t, ids, engine.calls, "each fired order dispatched exactly once")
	assert.False(t, engine.overlap, "orders of one user never run concurrently")
}

func TestCheckPositionsLiquidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.monitor(t, f.engine)
	f.deposit(t, "u1", "USD", "1000")
	f.price(t, "BTC-USD", "100")
	long, err := f.marginSvc.Open(ctx, margin.OpenRequest{UserID: "u1", Pair: "BTC-USD", Side: types.PositionSideLong, Amount: dec("2"), Leverage: 2})
	require.NoError(t, err)
	short, err := f.marginSvc.Open(ctx, margin.OpenRequest{UserID: "u1", Pair: "BTC-USD", Side: types.PositionSideShort, Amount: dec("1"), Leverage: 2})
	require.NoError(t, err)

	f.price(t, "BTC-USD", "60")
	res, err := m.CheckPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evaluated)
	assert.Zero(t, res.Triggered)

	f.price(t, "BTC-USD", "54")
	res, err = m.CheckPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)

	got, err := f.positions.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusLiquidated, got.Status)
	got, err = f.positions.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusOpen, got.Status)
	assert.Zero(t, f.exec.calls.Load(), "positions never reach the venue")
	assert.Len(t, f.outbox.Events(types.EventPositionLiquidated), 1)
}

func TestRunIdlesWithoutLease(t *testing.T) {
	f := newFixture(t)
	f.held.v.Store(false)
	engine := newFakeEngine()
	m := New(f.orders, f.positions, f.guard, engine, f.held, Config{
		OrderInterval:     5 * time.Millisecond,
		PositionInterval:  5 * time.Millisecond,
		ReconcileInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, engine.count())

	f.held.v.Store(true)
	require.Eventually(t, func() bool { return engine.count() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
