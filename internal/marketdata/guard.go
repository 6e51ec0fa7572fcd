package marketdata

import (
	"context"
	"fmt"
	"time"

	"brokercore/internal/gate"
	"brokercore/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Guard wraps an untrusted Oracle: calls go through the gate and quotes older
// than maxAge are dropped.
type Guard struct {
	oracle Oracle
	gate   *gate.Gate
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time
}

func NewGuard(oracle Oracle, g *gate.Gate, maxAge time.Duration, log *zap.Logger) *Guard {
	return &Guard{oracle: oracle, gate: g, maxAge: maxAge, log: log, now: time.Now}
}

// GetPrices returns only fresh quotes. An oracle error or an empty fresh set
// is reported as ErrOracleUnavailable, additionally wrapping ErrStalePrice
// when every quote was too old.
func (g *Guard) GetPrices(ctx context.Context, pairs []string) (map[string]Quote, error) {
	quotes, err := gate.Call(ctx, g.gate, func(ctx context.Context) (map[string]Quote, error) {
		return g.oracle.GetPrices(ctx, pairs)
	})
	if err != nil {
		metrics.OracleUnavailable.Inc()
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	now := g.now()
	fresh := make(map[string]Quote, len(quotes))
	stale := 0
	for pair, q := range quotes {
		if !q.Price.IsPositive() {
			continue
		}
		if g.maxAge > 0 && now.Sub(q.AsOf) > g.maxAge {
			metrics.StaleQuotes.WithLabelValues(pair).Inc()
			g.log.Debug("stale quote dropped",
				zap.String("pair", pair),
				zap.Time("as_of", q.AsOf),
				zap.Duration("age", now.Sub(q.AsOf)))
			stale++
			continue
		}
		fresh[pair] = q
	}
	if len(fresh) == 0 {
		metrics.OracleUnavailable.Inc()
		if stale > 0 {
			return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, ErrStalePrice)
		}
		return nil, ErrOracleUnavailable
	}
	return fresh, nil
}

// GetPrice is the single-pair form used on request paths.
func (g *Guard) GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Time, bool) {
	quotes, err := g.GetPrices(ctx, []string{pair})
	if err != nil {
		return decimal.Zero, time.Time{}, false
	}
	q, ok := quotes[pair]
	return q.Price, q.AsOf, ok
}
