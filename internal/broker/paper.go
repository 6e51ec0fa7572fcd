package broker

import (
	"context"
	"errors"
	"time"

	"brokercore/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceSource returns a fresh price or ok=false.
type PriceSource interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, time.Time, bool)
}

// PaperExecutor fills every order in full at the current oracle price.
type PaperExecutor struct {
	prices PriceSource
	// Places is the base quantity precision for buys.
	Places int32
}

func NewPaperExecutor(prices PriceSource) *PaperExecutor {
	return &PaperExecutor{prices: prices, Places: 8}
}

func (e *PaperExecutor) ExecuteMarketOrder(ctx context.Context, req MarketOrder) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, Classify(err)
	}
	if !req.Amount.IsPositive() {
		return Fill{}, &ExecutionError{Kind: KindRejected, Err: errors.New("amount must be positive")}
	}
	price, _, ok := e.prices.GetPrice(ctx, req.Pair)
	if !ok {
		return Fill{}, &ExecutionError{Kind: KindUnavailable, Err: errors.New("no price for " + req.Pair)}
	}
	filled := req.Amount
	if req.Side == types.OrderSideBuy {
		filled = req.Amount.Div(price).RoundDown(e.Places)
		if !filled.IsPositive() {
			return Fill{}, &ExecutionError{Kind: KindRejected, Err: errors.New("amount below minimum fill")}
		}
	}
	return Fill{FilledAmount: filled, FilledPrice: price, OrderRef: "paper-" + uuid.NewString()}, nil
}
