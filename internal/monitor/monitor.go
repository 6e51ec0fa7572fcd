package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"brokercore/internal/execution"
	"brokercore/internal/margin"
	"brokercore/internal/marketdata"
	"brokercore/internal/metrics"
	"brokercore/internal/model"
	"brokercore/internal/orders"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Quotes is the batched price lookup used once per cycle.
type Quotes interface {
	GetPrices(ctx context.Context, pairs []string) (map[string]marketdata.Quote, error)
}

// Engine runs fired orders and liquidations to a terminal state.
type Engine interface {
	ExecuteOrder(ctx context.Context, o model.ConditionalOrder, triggerPrice decimal.Decimal) error
	Liquidate(ctx context.Context, p model.MarginPosition) error
	Reconcile(ctx context.Context) (execution.ReconcileReport, error)
}

// LeaseHolder reports whether this instance may scan.
type LeaseHolder interface {
	Held() bool
}

type Config struct {
	OrderInterval     time.Duration
	PositionInterval  time.Duration
	ReconcileInterval time.Duration
	// UserParallelism bounds how many users are dispatched at once. Orders of
	// one user always run one after another.
	UserParallelism int
}

// CycleResult summarises one scan.
type CycleResult struct {
	Evaluated int
	Raised    int
	Triggered int
	Errors    int
}

type Monitor struct {
	orders    orders.Store
	positions margin.Store
	quotes    Quotes
	engine    Engine
	lease     LeaseHolder
	cfg       Config
	log       *zap.Logger
}

func New(orderStore orders.Store, positionStore margin.Store, quotes Quotes, engine Engine, lease LeaseHolder, cfg Config, log *zap.Logger) *Monitor {
	if cfg.OrderInterval <= 0 {
		cfg.OrderInterval = 5 * time.Second
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 10 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.UserParallelism <= 0 {
		cfg.UserParallelism = 8
	}
	return &Monitor{
		orders:    orderStore,
		positions: positionStore,
		quotes:    quotes,
		engine:    engine,
		lease:     lease,
		cfg:       cfg,
		log:       log,
	}
}

// Run drives the three periodic tasks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.loop(ctx, "orders", m.cfg.OrderInterval, func(ctx context.Context) error {
			_, err := m.CheckOrders(ctx)
			return err
		})
	})
	g.Go(func() error {
		return m.loop(ctx, "positions", m.cfg.PositionInterval, func(ctx context.Context) error {
			_, err := m.CheckPositions(ctx)
			return err
		})
	})
	g.Go(func() error {
		return m.loop(ctx, "reconcile", m.cfg.ReconcileInterval, func(ctx context.Context) error {
			_, err := m.engine.Reconcile(ctx)
			return err
		})
	})
	return g.Wait()
}

func (m *Monitor) loop(ctx context.Context, name string, every time.Duration, cycle func(ctx context.Context) error) error {
	m.log.Info("monitor loop started", zap.String("loop", name), zap.Duration("interval", every))
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor loop stopped", zap.String("loop", name))
			return nil
		case <-ticker.C:
		}
		if !m.lease.Held() {
			metrics.MonitorCycles.WithLabelValues(name, "idle").Inc()
			continue
		}
		start := time.Now()
		err := cycle(ctx)
		metrics.MonitorCycleDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			metrics.MonitorCycles.WithLabelValues(name, "ok").Inc()
		case errors.Is(err, marketdata.ErrOracleUnavailable):
			metrics.MonitorCycles.WithLabelValues(name, "skipped").Inc()
			m.log.Warn("cycle skipped: oracle unavailable", zap.String("loop", name), zap.Error(err))
		case ctx.Err() != nil:
			return nil
		default:
			metrics.MonitorCycles.WithLabelValues(name, "error").Inc()
			m.log.Error("monitor cycle failed", zap.String("loop", name), zap.Error(err))
		}
	}
}

type firedOrder struct {
	order model.ConditionalOrder
	price decimal.Decimal
}

// CheckOrders evaluates every pending order against one batch of quotes and
// dispatches the ones that fire.
func (m *Monitor) CheckOrders(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	pending, err := m.orders.Pending(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending orders: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}
	pairs := make([]string, 0, len(pending))
	for _, o := range pending {
		pairs = append(pairs, o.Pair)
	}
	quotes, err := m.quotes.GetPrices(ctx, distinct(pairs))
	if err != nil {
		return res, err
	}

	byUser := make(map[string][]firedOrder)
	for _, o := range pending {
		q, ok := quotes[o.Pair]
		if !ok {
			continue
		}
		res.Evaluated++
		ev := orders.Evaluate(o, q.Price)
		if ev.Raised {
			ok, err := m.orders.RaiseHighWater(ctx, o.ID, ev.HighWater, ev.Trigger)
			if err != nil {
				res.Errors++
				metrics.OrderErrors.WithLabelValues("orders").Inc()
				m.log.Error("persist trailing high water failed", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			res.Raised++
			m.log.Debug("trailing stop raised",
				zap.String("order_id", o.ID),
				zap.String("high_water", ev.HighWater.String()),
				zap.String("trigger_price", ev.Trigger.String()))
		}
		if !ev.Fire {
			continue
		}
		res.Triggered++
		metrics.OrdersTriggered.WithLabelValues(string(o.Kind)).Inc()
		byUser[o.UserID] = append(byUser[o.UserID], firedOrder{order: o, price: q.Price})
	}

	res.Errors += dispatch(m.cfg.UserParallelism, byUser, func(f firedOrder) error {
		if err := m.engine.ExecuteOrder(ctx, f.order, f.price); err != nil {
			metrics.OrderErrors.WithLabelValues("orders").Inc()
			m.log.Error("order execution error",
				zap.String("order_id", f.order.ID),
				zap.String("user_id", f.order.UserID),
				zap.Error(err))
			return err
		}
		return nil
	})
	return res, nil
}

// CheckPositions liquidates open positions whose price crossed the
// liquidation level.
func (m *Monitor) CheckPositions(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	open, err := m.positions.Open(ctx)
	if err != nil {
		return res, fmt.Errorf("list open positions: %w", err)
	}
	if len(open) == 0 {
		return res, nil
	}
	pairs := make([]string, 0, len(open))
	for _, p := range open {
		pairs = append(pairs, p.Pair)
	}
	quotes, err := m.quotes.GetPrices(ctx, distinct(pairs))
	if err != nil {
		return res, err
	}

	byUser := make(map[string][]model.MarginPosition)
	for _, p := range open {
		q, ok := quotes[p.Pair]
		if !ok {
			continue
		}
		res.Evaluated++
		if !margin.Liquidatable(p, q.Price) {
			continue
		}
		res.Triggered++
		metrics.OrdersTriggered.WithLabelValues("liquidation").Inc()
		m.log.Info("liquidation triggered",
			zap.String("position_id", p.ID),
			zap.String("user_id", p.UserID),
			zap.String("price", q.Price.String()),
			zap.String("liquidation_price", p.LiquidationPrice.String()))
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	res.Errors += dispatch(m.cfg.UserParallelism, byUser, func(p model.MarginPosition) error {
		if err := m.engine.Liquidate(ctx, p); err != nil {
			metrics.OrderErrors.WithLabelValues("positions").Inc()
			m.log.Error("liquidation error", zap.String("position_id", p.ID), zap.String("user_id", p.UserID), zap.Error(err))
			return err
		}
		return nil
	})
	return res, nil
}

// dispatch runs each user's items in order, with at most limit users in
// flight. It returns how many items failed; a failure never stops the batch.
func dispatch[T any](limit int, byUser map[string][]T, run func(T) error) int {
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	failures := make([]int, len(users))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range users {
		items := byUser[u]
		g.Go(func() error {
			for _, it := range items {
				if run(it) != nil {
					failures[i]++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range failures {
		total += n
	}
	return total
}

func distinct(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
