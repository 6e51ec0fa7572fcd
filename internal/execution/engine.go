package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brokercore/internal/broker"
	"brokercore/internal/gate"
	"brokercore/internal/ledger"
	"brokercore/internal/margin"
	"brokercore/internal/marketdata"
	"brokercore/internal/metrics"
	"brokercore/internal/model"
	"brokercore/internal/orders"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource returns a fresh price or ok=false.
type PriceSource interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Time, bool)
}

type Config struct {
	// ExecutingCeiling is how long a row may stay claimed before the
	// reconciliation sweep resolves it. Must exceed the executor timeout.
	ExecutingCeiling time.Duration
	// SettleTimeout bounds ledger settlement after the venue answered.
	SettleTimeout time.Duration
}

// Engine owns every status transition out of pending and open.
type Engine struct {
	orders    orders.Store
	positions margin.Store
	ledger    *ledger.Service
	executor  broker.Executor
	gate      *gate.Gate
	prices    PriceSource
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

func NewEngine(orderStore orders.Store, positionStore margin.Store, ledgerSvc *ledger.Service, executor broker.Executor, g *gate.Gate, prices PriceSource, cfg Config, log *zap.Logger) *Engine {
	if cfg.ExecutingCeiling <= 0 {
		cfg.ExecutingCeiling = 5 * time.Minute
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	return &Engine{
		orders:    orderStore,
		positions: positionStore,
		ledger:    ledgerSvc,
		executor:  executor,
		gate:      g,
		prices:    prices,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteOrder claims a fired order and runs it to a terminal status. A lost
// claim is not an error.
func (e *Engine) ExecuteOrder(ctx context.Context, o model.ConditionalOrder, triggerPrice decimal.Decimal) error {
	claimed, err := e.orders.Claim(ctx, o.ID, e.now())
	if errors.Is(err, orders.ErrClaimLost) {
		metrics.ClaimsLost.WithLabelValues("order").Inc()
		e.log.Debug("order claim lost", zap.String("order_id", o.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim order %s: %w", o.ID, err)
	}
	log := e.log.With(
		zap.String("order_id", claimed.ID),
		zap.String("user_id", claimed.UserID),
		zap.String("pair", claimed.Pair),
		zap.String("kind", string(claimed.Kind)),
		zap.String("side", string(claimed.Side)))
	log.Info("order claimed", zap.String("trigger_price", triggerPrice.String()))

	start := time.Now()
	fill, err := gate.Call(ctx, e.gate, func(ctx context.Context) (broker.Fill, error) {
		return e.executor.ExecuteMarketOrder(ctx, broker.MarketOrder{
			ClientOrderID: claimed.ID,
			Pair:          claimed.Pair,
			Side:          claimed.Side,
			Amount:        claimed.ReservedAmount,
		})
	})
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	// The venue has answered; settlement must not be cut short by shutdown.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SettleTimeout)
	defer cancel()

	if err == nil {
		err = validFill(fill)
	}
	if err != nil {
		execErr := broker.Classify(err)
		log.Warn("order execution failed", zap.String("error_kind", string(execErr.Kind)), zap.Error(execErr))
		return e.failOrder(sctx, claimed, execErr.Error())
	}

	if err := e.orders.RecordFill(sctx, claimed.ID, model.Fill{Price: fill.FilledPrice, Amount: fill.FilledAmount, VenueRef: fill.OrderRef}); err != nil {
		log.Error("recording fill failed; order left executing", zap.String("venue_ref", fill.OrderRef), zap.Error(err))
		return fmt.Errorf("record fill %s: %w", claimed.ID, err)
	}
	claimed.ExecutedPrice = &fill.FilledPrice
	claimed.ExecutedAmount = &fill.FilledAmount
	claimed.VenueRef = fill.OrderRef
	return e.settleOrder(sctx, claimed)
}

func validFill(f broker.Fill) error {
	if !f.FilledAmount.IsPositive() || !f.FilledPrice.IsPositive() {
		return &broker.ExecutionError{Kind: broker.KindRejected, Err: errors.New("venue returned an empty fill")}
	}
	return nil
}

// settleOrder moves funds for a recorded fill and finishes the order. Every
// ledger call is keyed by the order, so replaying it is safe.
func (e *Engine) settleOrder(ctx context.Context, o model.ConditionalOrder) error {
	base, quote, ok := model.SplitPair(o.Pair)
	if !ok {
		return fmt.Errorf("order %s has malformed pair %q", o.ID, o.Pair)
	}
	price, filled := *o.ExecutedPrice, *o.ExecutedAmount
	ref := ledger.Ref{Type: types.RefConditionalOrder, ID: o.ID}

	var consumed, proceeds decimal.Decimal
	var proceedsCurrency string
	if o.Side == types.OrderSideBuy {
		cost := filled.Mul(price)
		consumed = decimal.Min(cost, o.ReservedAmount)
		proceeds, proceedsCurrency = filled, base
		if cost.GreaterThan(o.ReservedAmount) {
			// Only what the reservation paid for is credited.
			proceeds = consumed.Div(price)
			e.log.Error("venue fill exceeds reservation; crediting the reserved share only",
				zap.String("order_id", o.ID),
				zap.String("user_id", o.UserID),
				zap.String("fill_cost", cost.String()),
				zap.String("reserved", o.ReservedAmount.String()),
				zap.String("credited", proceeds.String()))
		}
	} else {
		consumed = decimal.Min(filled, o.ReservedAmount)
		proceeds, proceedsCurrency = consumed.Mul(price), quote
	}

	if _, err := e.ledger.SettleReserved(ctx, o.UserID, o.ReservedCurrency, consumed, ref); err != nil {
		return e.settlementError(o.ID, "settle reserved", err)
	}
	if rest := o.ReservedAmount.Sub(consumed); rest.IsPositive() {
		if _, err := e.ledger.Release(ctx, o.UserID, o.ReservedCurrency, rest, ref); err != nil {
			return e.settlementError(o.ID, "release remainder", err)
		}
	}
	if _, err := e.ledger.Credit(ctx, o.UserID, proceedsCurrency, proceeds, types.LedgerEntryTypeTradeSettlement, ref); err != nil {
		return e.settlementError(o.ID, "credit proceeds", err)
	}

	ev, err := orderEvent(o, types.OrderStatusExecuted, "")
	if err != nil {
		return err
	}
	if _, err := e.orders.Finish(ctx, o.ID, types.OrderStatusExecuted, "", ev); err != nil {
		if errors.Is(err, orders.ErrNotClaimed) {
			return nil
		}
		return fmt.Errorf("finish order %s: %w", o.ID, err)
	}
	metrics.Executions.WithLabelValues("executed").Inc()
	e.log.Info("order executed",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("executed_price", price.String()),
		zap.String("executed_amount", filled.String()),
		zap.String("proceeds", proceeds.String()),
		zap.String("proceeds_currency", proceedsCurrency))
	return nil
}

// failOrder returns the reservation and marks the order failed. It is never
// retried against the venue.
func (e *Engine) failOrder(ctx context.Context, o model.ConditionalOrder, reason string) error {
	ref := ledger.Ref{Type: types.RefConditionalOrder, ID: o.ID}
	if _, err := e.ledger.Release(ctx, o.UserID, o.ReservedCurrency, o.ReservedAmount, ref); err != nil {
		return e.settlementError(o.ID, "release reservation", err)
	}
	ev, err := orderEvent(o, types.OrderStatusFailed, reason)
	if err != nil {
		return err
	}
	if _, err := e.orders.Finish(ctx, o.ID, types.OrderStatusFailed, reason, ev); err != nil {
		if errors.Is(err, orders.ErrNotClaimed) {
			return nil
		}
		return fmt.Errorf("finish order %s: %w", o.ID, err)
	}
	metrics.Executions.WithLabelValues("failed").Inc()
	e.log.Info("order failed", zap.String("order_id", o.ID), zap.String("user_id", o.UserID), zap.String("reason", reason))
	return nil
}

func (e *Engine) settlementError(id, step string, err error) error {
	if errors.Is(err, ledger.ErrAccountNotFound) || errors.Is(err, ledger.ErrInsufficientReserved) {
		e.log.Error("ledger consistency violation during settlement",
			zap.String("ref_id", id),
			zap.String("step", step),
			zap.Error(err))
	}
	return fmt.Errorf("%s for %s: %w", step, id, err)
}

// Liquidate force-closes a position at its liquidation price.
func (e *Engine) Liquidate(ctx context.Context, p model.MarginPosition) error {
	closePrice := p.LiquidationPrice
	pnl := margin.PnL(p.Side, p.EntryPrice, closePrice, p.Amount)
	claimed, err := e.positions.Claim(ctx, p.ID, closePrice, pnl, types.PositionStatusLiquidated, e.now())
	if errors.Is(err, margin.ErrNotOpen) {
		metrics.ClaimsLost.WithLabelValues("position").Inc()
		e.log.Debug("position claim lost", zap.String("position_id", p.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim position %s: %w", p.ID, err)
	}
	_, err = e.settlePosition(context.WithoutCancel(ctx), claimed)
	return err
}

// ClosePosition closes a user's position at the current price.
func (e *Engine) ClosePosition(ctx context.Context, userID, positionID string) (model.MarginPosition, error) {
	p, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return p, err
	}
	if p.UserID != userID {
		return model.MarginPosition{}, margin.ErrNotOwner
	}
	if p.Status != types.PositionStatusOpen {
		return p, margin.ErrNotOpen
	}
	price, _, ok := e.prices.GetPrice(ctx, p.Pair)
	if !ok {
		return p, fmt.Errorf("%w: no fresh price for %s", marketdata.ErrOracleUnavailable, p.Pair)
	}
	pnl := margin.PnL(p.Side, p.EntryPrice, price, p.Amount)
	claimed, err := e.positions.Claim(ctx, p.ID, price, pnl, types.PositionStatusClosed, e.now())
	if err != nil {
		if errors.Is(err, margin.ErrNotOpen) {
			metrics.ClaimsLost.WithLabelValues("position").Inc()
		}
		return p, err
	}
	return e.settlePosition(context.WithoutCancel(ctx), claimed)
}

func (e *Engine) settlePosition(ctx context.Context, p model.MarginPosition) (model.MarginPosition, error) {
	if p.ClosePrice == nil || p.PnL == nil {
		return p, fmt.Errorf("position %s claimed without close price", p.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SettleTimeout)
	defer cancel()

	if _, err := e.ledger.SettleReserved(ctx, p.UserID, p.MarginCurrency, p.MarginUsed, ledger.Ref{Type: types.RefMarginPosition, ID: p.ID}); err != nil {
		return p, e.settlementError(p.ID, "settle margin", err)
	}
	payout := margin.Payout(p.MarginUsed, *p.PnL)
	if payout.IsPositive() {
		entryType := types.LedgerEntryTypeTradeSettlement
		if p.CloseTarget == types.PositionStatusLiquidated {
			entryType = types.LedgerEntryTypeRefund
		}
		if _, err := e.ledger.Credit(ctx, p.UserID, p.MarginCurrency, payout, entryType, ledger.Ref{Type: types.RefMarginPayout, ID: p.ID}); err != nil {
			return p, e.settlementError(p.ID, "credit payout", err)
		}
	}

	ev, err := positionEvent(p)
	if err != nil {
		return p, err
	}
	done, err := e.positions.Finish(ctx, p.ID, ev)
	if err != nil {
		if errors.Is(err, margin.ErrNotClosing) {
			return e.positions.Get(ctx, p.ID)
		}
		return p, fmt.Errorf("finish position %s: %w", p.ID, err)
	}
	metrics.PositionsClosed.WithLabelValues(string(done.Status)).Inc()
	e.log.Info("position closed",
		zap.String("position_id", done.ID),
		zap.String("user_id", done.UserID),
		zap.String("status", string(done.Status)),
		zap.String("close_price", p.ClosePrice.String()),
		zap.String("pnl", p.PnL.String()),
		zap.String("payout", payout.String()))
	return done, nil
}

// ReconcileReport counts what one sweep resolved.
type ReconcileReport struct {
	OrdersSettled   int
	OrdersFailed    int
	PositionsClosed int
	Errors          int
}

// Reconcile resolves rows left claimed past the ceiling, typically by a crash
// between claim and finish. Orders with a recorded fill are settled, the rest
// are failed and released. Positions always have their close recorded at claim
// time and are settled.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	before := e.now().Add(-e.cfg.ExecutingCeiling)

	stuckOrders, err := e.orders.Stuck(ctx, before)
	if err != nil {
		return rep, fmt.Errorf("list stuck orders: %w", err)
	}
	for _, o := range stuckOrders {
		if o.HasFill() {
			err = e.settleOrder(ctx, o)
			if err == nil {
				rep.OrdersSettled++
				metrics.Reconciled.WithLabelValues("order", "settled").Inc()
			}
		} else {
			err = e.failOrder(ctx, o, "execution timed out")
			if err == nil {
				rep.OrdersFailed++
				metrics.Reconciled.WithLabelValues("order", "failed").Inc()
			}
		}
		if err != nil {
			rep.Errors++
			metrics.Reconciled.WithLabelValues("order", "error").Inc()
			e.log.Error("reconcile order failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	stuckPositions, err := e.positions.Stuck(ctx, before)
	if err != nil {
		return rep, fmt.Errorf("list stuck positions: %w", err)
	}
	for _, p := range stuckPositions {
		if _, err := e.settlePosition(ctx, p); err != nil {
			rep.Errors++
			metrics.Reconciled.WithLabelValues("position", "error").Inc()
			e.log.Error("reconcile position failed", zap.String("position_id", p.ID), zap.Error(err))
			continue
		}
		rep.PositionsClosed++
		metrics.Reconciled.WithLabelValues("position", "settled").Inc()
	}
	if rep != (ReconcileReport{}) {
		e.log.Info("reconciliation sweep",
			zap.Int("orders_settled", rep.OrdersSettled),
			zap.Int("orders_failed", rep.OrdersFailed),
			zap.Int("positions_closed", rep.PositionsClosed),
			zap.Int("errors", rep.Errors))
	}
	return rep, nil
}
