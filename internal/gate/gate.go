// Package gate bounds calls to rate-limited external collaborators.
package gate

import (
	"context"
	"fmt"
	"time"

	"brokercore/internal/metrics"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Config struct {
	Name        string
	Concurrency int
	// RPS of zero disables the token bucket.
	RPS     float64
	Burst   int
	Timeout time.Duration
}

// Gate combines a concurrency limit, a token bucket and a per-call deadline.
type Gate struct {
	name    string
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	timeout time.Duration
}

func New(cfg Config) *Gate {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	g := &Gate{
		name:    cfg.Name,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		timeout: cfg.Timeout,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.Concurrency
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return g
}

// Do runs fn once a slot and a token are available. The deadline covers the
// wait as well as the call itself.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		metrics.GateRejected.WithLabelValues(g.name).Inc()
		return fmt.Errorf("%s gate: %w", g.name, err)
	}
	defer g.sem.Release(1)
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			metrics.GateRejected.WithLabelValues(g.name).Inc()
			return fmt.Errorf("%s gate: %w", g.name, err)
		}
	}
	return fn(ctx)
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, g *Gate, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
