package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"brokercore/internal/gate"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type failingOracle struct{}

func (failingOracle) GetPrices(context.Context, []string) (map[string]Quote, error) {
	return nil, errors.New("exchange down")
}

func newGuard(t *testing.T, o Oracle, now time.Time) *Guard {
	t.Helper()
	g := NewGuard(o, gate.New(gate.Config{Name: "oracle", Concurrency: 2, Timeout: time.Second}), 30*time.Second, zaptest.NewLogger(t))
	g.now = func() time.Time { return now }
	return g
}

func TestGuardDropsStaleQuotes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := NewLiveQuotes()
	require.NoError(t, live.SetQuote(ctx, "BTC-USD", Quote{Price: decimal.NewFromInt(50000), AsOf: now.Add(-5 * time.Second)}))
	require.NoError(t, live.SetQuote(ctx, "ETH-USD", Quote{Price: decimal.NewFromInt(3000), AsOf: now.Add(-time.Minute)}))

	quotes, err := newGuard(t, live, now).GetPrices(ctx, []string{"BTC-USD", "ETH-USD", "SOL-USD"})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.True(t, quotes["BTC-USD"].Price.Equal(decimal.NewFromInt(50000)))
}

func TestGuardReportsUnavailable(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	_, err := newGuard(t, failingOracle{}, now).GetPrices(ctx, []string{"BTC-USD"})
	assert.ErrorIs(t, err, ErrOracleUnavailable)

	_, err = newGuard(t, NewLiveQuotes(), now).GetPrices(ctx, []string{"BTC-USD"})
	assert.ErrorIs(t, err, ErrOracleUnavailable, "empty price set")

	old := NewLiveQuotes()
	require.NoError(t, old.SetQuote(ctx, "BTC-USD", Quote{Price: decimal.NewFromInt(50000), AsOf: now.Add(-time.Hour)}))
	_, err = newGuard(t, old, now).GetPrices(ctx, []string{"BTC-USD"})
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.ErrorIs(t, err, ErrStalePrice, "every quote was stale")

	_, err = newGuard(t, NewLiveQuotes(), now).GetPrices(ctx, []string{"BTC-USD"})
	assert.NotErrorIs(t, err, ErrStalePrice)

	_, _, ok := newGuard(t, failingOracle{}, now).GetPrice(ctx, "BTC-USD")
	assert.False(t, ok)
}

func TestLiveQuotesRejectsInvalidAndOlder(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	live := NewLiveQuotes()

	assert.ErrorIs(t, live.SetQuote(ctx, "BTC-USD", Quote{Price: decimal.Zero, AsOf: now}), ErrInvalidQuote)
	require.NoError(t, live.SetQuote(ctx, "BTC-USD", Quote{Price: decimal.NewFromInt(2), AsOf: now}))
	require.NoError(t, live.SetQuote(ctx, "BTC-USD", Quote{Price: decimal.NewFromInt(1), AsOf: now.Add(-time.Second)}))

	quotes, err := live.GetPrices(ctx, []string{"BTC-USD"})
	require.NoError(t, err)
	assert.True(t, quotes["BTC-USD"].Price.Equal(decimal.NewFromInt(2)))
}
