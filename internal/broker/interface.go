package broker

import (
	"context"

	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

// MarketOrder is what the engine asks the venue to fill. Amount is the quote
// amount to spend for a buy and the base quantity to sell for a sell.
type MarketOrder struct {
	ClientOrderID string
	Pair          string
	Side          types.OrderSide
	Amount        decimal.Decimal
}

// Fill reports what the venue executed. FilledAmount is always in the base
// currency.
type Fill struct {
	FilledAmount decimal.Decimal
	FilledPrice  decimal.Decimal
	OrderRef     string
}

// Executor places market orders on a venue. Callers must not call it twice for
// the same claimed order; failures are returned as *ExecutionError.
type Executor interface {
	ExecuteMarketOrder(ctx context.Context, req MarketOrder) (Fill, error)
}
