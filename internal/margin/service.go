package margin

import (
	"context"
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

// PriceSource returns a fresh price or ok=false.
type PriceSource interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Time, bool)
}

type Service struct {
	store       Store
	ledger      *ledger.Service
	prices      PriceSource
	maintenance decimal.Decimal
	log         *zap.Logger
}

func NewService(store Store, ledgerSvc *ledger.Service, prices PriceSource, maintenance decimal.Decimal, log *zap.Logger) *Service {
	if !maintenance.IsPositive() {
		maintenance = DefaultMaintenance
	}
	return &Service{store: store, ledger: ledgerSvc, prices: prices, maintenance: maintenance, log: log}
}

// OpenRequest opens a synthetic leveraged position. Amount is the base
// quantity; margin is reserved in the quote currency.
type OpenRequest struct {
	UserID   string
	Pair     string
	Side     types.PositionSide
	Amount   decimal.Decimal
	Leverage int
}

func (s *Service) Open(ctx context.Context, req OpenRequest) (model.MarginPosition, error) {
	base, quote, ok := model.SplitPair(req.Pair)
	if !ok {
		return model.MarginPosition{}, fmt.Errorf("%w: pair must look like BASE-QUOTE", ErrInvalidPosition)
	}
	if req.UserID == "" {
		return model.MarginPosition{}, fmt.Errorf("%w: user required", ErrInvalidPosition)
	}
	if !req.Side.Valid() {
		return model.MarginPosition{}, fmt.Errorf("%w: unknown side %q", ErrInvalidPosition, req.Side)
	}
	if !req.Amount.IsPositive() {
		return model.MarginPosition{}, fmt.Errorf("%w: amount must be positive", ErrInvalidPosition)
	}
	if req.Leverage < MinLeverage || req.Leverage > MaxLeverage {
		return model.MarginPosition{}, ErrInvalidLeverage
	}
	pair := base + "-" + quote
	entry, _, ok := s.prices.GetPrice(ctx, pair)
	if !ok {
		return model.MarginPosition{}, fmt.Errorf("%w: no fresh price for %s", marketdata.ErrOracleUnavailable, pair)
	}

	now := time.Now().UTC()
	p := model.MarginPosition{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		Pair:             pair,
		Side:             req.Side,
		Status:           types.PositionStatusOpen,
		Amount:           req.Amount,
		EntryPrice:       entry,
		Leverage:         req.Leverage,
		MarginUsed:       RequiredMargin(req.Amount, entry, req.Leverage),
		MarginCurrency:   quote,
		LiquidationPrice: LiquidationPrice(entry, req.Leverage, req.Side, s.maintenance),
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	ref := ledger.Ref{Type: types.RefMarginPosition, ID: p.ID}
	if _, err := s.ledger.Reserve(ctx, p.UserID, p.MarginCurrency, p.MarginUsed, ref); err != nil {
		return model.MarginPosition{}, err
	}
	if err := s.store.Insert(ctx, p); err != nil {
		if _, relErr := s.ledger.Release(ctx, p.UserID, p.MarginCurrency, p.MarginUsed, ref); relErr != nil {
			s.log.Error("release after failed insert",
				zap.String("position_id", p.ID),
				zap.String("user_id", p.UserID),
				zap.Error(relErr))
		}
		return model.MarginPosition{}, fmt.Errorf("insert position: %w", err)
	}
	s.log.Info("margin position opened",
		zap.String("position_id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("pair", p.Pair),
		zap.String("side", string(p.Side)),
		zap.Int("leverage", p.Leverage),
		zap.String("margin_used", p.MarginUsed.String()),
		zap.String("liquidation_price", p.LiquidationPrice.String()))
	return p, nil
}

// List returns the user's positions, newest first.
func (s *Service) List(ctx context.Context, userID string, status types.PositionStatus) ([]model.MarginPosition, error) {
	return s.store.ListByUser(ctx, userID, status)
}
