package db_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brokercore/internal/db"
	"brokercore/internal/ledger"
	"brokercore/internal/margin"
	"brokercore/internal/model"
	"brokercore/internal/notify"
	"brokercore/internal/orders"
	"brokercore/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool, zaptest.NewLogger(t)))
	require.NoError(t, db.Migrate(ctx, pool, zaptest.NewLogger(t)), "migrations are applied once")
	return pool
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPGLedger(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	svc := ledger.NewService(ledger.NewPGStore(pool), zaptest.NewLogger(t))
	user := "pg-" + uuid.NewString()

	_, err := svc.Reserve(ctx, user, "USD", dec("1"), ledger.Ref{})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = svc.Credit(ctx, user, "USD", dec("100"), types.LedgerEntryTypeDeposit, ledger.Ref{Type: types.RefExternal, ID: "dep-1"})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, user, "USD", dec("100"), types.LedgerEntryTypeDeposit, ledger.Ref{Type: types.RefExternal, ID: "dep-1"})
	require.NoError(t, err, "replayed reference")

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Reserve(ctx, user, "USD", dec("7"), ledger.Ref{Type: types.RefConditionalOrder, ID: uuid.NewString()}); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 14, ok.Load())

	acc, err := svc.Balance(ctx, user, "USD")
	require.NoError(t, err)
	assert.True(t, acc.Total.Equal(dec("100")))
	assert.True(t, acc.Reserved.Equal(dec("98")))
	v, err := svc.Verify(ctx, user, "USD")
	require.NoError(t, err)
	assert.True(t, v.OK)
}

func TestPGOrderLifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := orders.NewPGStore(pool)
	outbox := notify.NewPGOutbox(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	trigger := dec("90")
	o := model.ConditionalOrder{
		ID: uuid.NewString(), UserID: "pg-" + uuid.NewString(), Pair: "BTC-USD",
		Kind: types.OrderKindStopLoss, Side: types.OrderSideSell, Status: types.OrderStatusPending,
		Amount: dec("1"), TriggerPrice: &trigger, ReservedCurrency: "BTC", ReservedAmount: dec("1"),
		ReservedAccountID: uuid.NewString(), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Insert(ctx, o))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Claim(ctx, o.ID, time.Now().UTC()); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, orders.ErrClaimLost)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	_, err := store.Cancel(ctx, o.ID, o.UserID)
	assert.ErrorIs(t, err, orders.ErrTooLate)

	require.NoError(t, store.RecordFill(ctx, o.ID, model.Fill{Price: dec("88"), Amount: dec("1"), VenueRef: "v-1"}))
	ev, err := notify.NewEvent(o.UserID, types.EventOrderExecuted, map[string]string{"order_id": o.ID})
	require.NoError(t, err)
	done, err := store.Finish(ctx, o.ID, types.OrderStatusExecuted, "", ev)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusExecuted, done.Status)
	assert.True(t, done.ExecutedPrice.Equal(dec("88")))
	_, err = store.Finish(ctx, o.ID, types.OrderStatusFailed, "late", ev)
	assert.ErrorIs(t, err, orders.ErrNotClaimed)

	events, err := outbox.Unpublished(ctx, 1000)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.ID == ev.ID {
			found = true
		}
	}
	assert.True(t, found, "event written with the status change")
	require.NoError(t, outbox.MarkPublished(ctx, []string{ev.ID}))
}

func TestPGPositionClaim(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := margin.NewPGStore(pool)
	now := time.Now().UTC()
	p := model.MarginPosition{
		ID: uuid.NewString(), UserID: "pg-" + uuid.NewString(), Pair: "BTC-USD", Side: types.PositionSideLong,
		Status: types.PositionStatusOpen, Amount: dec("1"), EntryPrice: dec("100"), Leverage: 2,
		MarginUsed: dec("50"), MarginCurrency: "USD", LiquidationPrice: dec("55"), OpenedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Insert(ctx, p))

	claimed, err := store.Claim(ctx, p.ID, dec("55"), dec("-45"), types.PositionStatusLiquidated, now)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusClosing, claimed.Status)
	assert.Equal(t, types.PositionStatusLiquidated, claimed.CloseTarget)
	_, err = store.Claim(ctx, p.ID, dec("60"), dec("-40"), types.PositionStatusClosed, now)
	assert.ErrorIs(t, err, margin.ErrNotOpen)

	stuck, err := store.Stuck(ctx, now.Add(time.Second))
	require.NoError(t, err)
	var ids []string
	for _, s := range stuck {
		ids = append(ids, s.ID)
	}
	assert.Contains(t, ids, p.ID)

	ev, err := notify.NewEvent(p.UserID, types.EventPositionLiquidated, map[string]string{"position_id": p.ID})
	require.NoError(t, err)
	done, err := store.Finish(ctx, p.ID, ev)
	require.NoError(t, err)
	assert.Equal(t, types.PositionStatusLiquidated, done.Status)
	assert.NotNil(t, done.ClosedAt)
}
