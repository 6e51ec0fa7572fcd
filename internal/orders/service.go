package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brokercore/internal/ledger"
	"brokercore/internal/marketdata"
	"brokercore/internal/model"
	"brokercore/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidOrder = errors.New("invalid order")

// PriceSource returns a fresh price or ok=false.
type PriceSource interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Time, bool)
}

type Service struct {
	store  Store
	ledger *ledger.Service
	prices PriceSource
	log    *zap.Logger
}

func NewService(store Store, ledgerSvc *ledger.Service, prices PriceSource, log *zap.Logger) *Service {
	return &Service{store: store, ledger: ledgerSvc, prices: prices, log: log}
}

// CreateRequest places a conditional order. Amount is denominated in the
// reserved currency: quote to spend for a buy, base quantity for a sell.
type CreateRequest struct {
	UserID       string
	Pair         string
	Kind         types.OrderKind
	Side         types.OrderSide
	Amount       decimal.Decimal
	TriggerPrice *decimal.Decimal
	TrailPercent *decimal.Decimal
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (model.ConditionalOrder, error) {
	base, quote, ok := model.SplitPair(req.Pair)
	if !ok {
		return model.ConditionalOrder{}, fmt.Errorf("%w: pair must look like BASE-QUOTE", ErrInvalidOrder)
	}
	if err := validate(req); err != nil {
		return model.ConditionalOrder{}, err
	}

	now := time.Now().UTC()
	o := model.ConditionalOrder{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Pair:         base + "-" + quote,
		Kind:         req.Kind,
		Side:         req.Side,
		Status:       types.OrderStatusPending,
		Amount:       req.Amount,
		TriggerPrice: req.TriggerPrice,
		TrailPercent: req.TrailPercent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Kind == types.OrderKindTrailingStop {
		price, _, ok := s.prices.GetPrice(ctx, o.Pair)
		if !ok {
			return model.ConditionalOrder{}, fmt.Errorf("%w: no fresh price for %s", marketdata.ErrOracleUnavailable, o.Pair)
		}
		trigger := TrailingTrigger(price, *req.TrailPercent)
		o.HighWaterPrice = &price
		o.TriggerPrice = &trigger
	}

	o.ReservedCurrency = quote
	if req.Side == types.OrderSideSell {
		o.ReservedCurrency = base
	}
	o.ReservedAmount = req.Amount

	ref := ledger.Ref{Type: types.RefConditionalOrder, ID: o.ID}
	if _, err := s.ledger.Reserve(ctx, o.UserID, o.ReservedCurrency, o.ReservedAmount, ref); err != nil {
		return model.ConditionalOrder{}, err
	}
	acc, err := s.ledger.Balance(ctx, o.UserID, o.ReservedCurrency)
	if err == nil {
		o.ReservedAccountID = acc.ID
	}
	if err := s.store.Insert(ctx, o); err != nil {
		if _, relErr := s.ledger.Release(ctx, o.UserID, o.ReservedCurrency, o.ReservedAmount, ref); relErr != nil {
			s.log.Error("release after failed insert",
				zap.String("order_id", o.ID),
				zap.String("user_id", o.UserID),
				zap.Error(relErr))
		}
		return model.ConditionalOrder{}, fmt.Errorf("insert order: %w", err)
	}
	s.log.Info("conditional order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("pair", o.Pair),
		zap.String("kind", string(o.Kind)),
		zap.String("side", string(o.Side)),
		zap.String("amount", o.Amount.String()))
	return o, nil
}

func validate(req CreateRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user required", ErrInvalidOrder)
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOrder, req.Kind)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, req.Side)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if req.Kind != types.OrderKindLimit && req.Side != types.OrderSideSell {
		return fmt.Errorf("%w: %s orders are sell only", ErrInvalidOrder, req.Kind)
	}
	if req.Kind == types.OrderKindTrailingStop {
		if req.TrailPercent == nil || !req.TrailPercent.IsPositive() || !req.TrailPercent.LessThan(hundred) {
			return fmt.Errorf("%w: trail_percent must be between 0 and 100", ErrInvalidOrder)
		}
		if req.TriggerPrice != nil {
			return fmt.Errorf("%w: trailing stops derive their trigger price", ErrInvalidOrder)
		}
		return nil
	}
	if req.TriggerPrice == nil || !req.TriggerPrice.IsPositive() {
		return fmt.Errorf("%w: trigger_price must be positive", ErrInvalidOrder)
	}
	if req.TrailPercent != nil {
		return fmt.Errorf("%w: trail_percent only applies to trailing stops", ErrInvalidOrder)
	}
	return nil
}

// Cancel is honored only while the order is pending; the reserved funds are
// released after the status change commits.
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (model.ConditionalOrder, error) {
	o, err := s.store.Cancel(ctx, orderID, userID)
	if err != nil {
		return o, err
	}
	ref := ledger.Ref{Type: types.RefConditionalOrder, ID: o.ID}
	if _, err := s.ledger.Release(ctx, o.UserID, o.ReservedCurrency, o.ReservedAmount, ref); err != nil {
		s.log.Error("release for cancelled order failed",
			zap.String("order_id", o.ID),
			zap.String("user_id", o.UserID),
			zap.Error(err))
		return o, fmt.Errorf("release: %w", err)
	}
	s.log.Info("conditional order cancelled", zap.String("order_id", o.ID), zap.String("user_id", o.UserID))
	return o, nil
}

func (s *Service) List(ctx context.Context, userID string, status types.OrderStatus) ([]model.ConditionalOrder, error) {
	return s.store.ListByUser(ctx, userID, status)
}

func (s *Service) Get(ctx context.Context, userID, orderID string) (model.ConditionalOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return o, err
	}
	if o.UserID != userID {
		return model.ConditionalOrder{}, ErrNotFound
	}
	return o, nil
}

func (s *Service) Stats(ctx context.Context, userID string) ([]StatRow, error) {
	return s.store.Stats(ctx, userID)
}
