package orders

import (
	"context"
	"errors"
	"time"

	"brokercore/internal/model"
	"brokercore/internal/notify"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("order not found")
	ErrNotOwner = errors.New("order belongs to another user")
	// ErrTooLate is returned when cancelling an order the engine already claimed.
	ErrTooLate = errors.New("order is no longer pending")
	// ErrClaimLost means another cycle or process moved the order first.
	ErrClaimLost = errors.New("order claim lost")
	// ErrNotClaimed is returned by RecordFill and Finish outside of executing.
	ErrNotClaimed = errors.New("order is not executing")
)

type StatRow struct {
	Kind        types.OrderKind   `json:"kind"`
	Status      types.OrderStatus `json:"status"`
	Count       int64             `json:"count"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
}

// Store persists conditional orders. Every status change is a conditional
// update on the current status, so concurrent writers cannot both succeed.
type Store interface {
	Insert(ctx context.Context, o model.ConditionalOrder) error
	Get(ctx context.Context, id string) (model.ConditionalOrder, error)
	ListByUser(ctx context.Context, userID string, status types.OrderStatus) ([]model.ConditionalOrder, error)
	Pending(ctx context.Context) ([]model.ConditionalOrder, error)
	// RaiseHighWater persists a trailing stop's new high-water mark and
	// trigger only if hw is strictly above the stored mark.
	RaiseHighWater(ctx context.Context, id string, hw, trigger decimal.Decimal) (bool, error)
	Claim(ctx context.Context, id string, at time.Time) (model.ConditionalOrder, error)
	RecordFill(ctx context.Context, id string, fill model.Fill) error
	// Finish moves an executing order to a terminal status and appends ev to
	// the outbox in the same unit of work.
	Finish(ctx context.Context, id string, status types.OrderStatus, reason string, ev notify.Event) (model.ConditionalOrder, error)
	Cancel(ctx context.Context, id, userID string) (model.ConditionalOrder, error)
	Stuck(ctx context.Context, claimedBefore time.Time) ([]model.ConditionalOrder, error)
	Stats(ctx context.Context, userID string) ([]StatRow, error)
}
