package broker

import (
	"context"
	"errors"
)

// DisabledExecutor rejects every order. It is the default until a venue is
// configured.
type DisabledExecutor struct{}

func NewDisabledExecutor() *DisabledExecutor {
	return &DisabledExecutor{}
}

func (e *DisabledExecutor) ExecuteMarketOrder(ctx context.Context, req MarketOrder) (Fill, error) {
	return Fill{}, &ExecutionError{Kind: KindUnavailable, Err: errors.New("trade executor not configured")}
}
