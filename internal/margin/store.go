package margin

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
	ErrNotFound        = errors.New("position not found")
	ErrNotOwner        = errors.New("position belongs to another user")
	ErrNotOpen         = errors.New("position is not open")
	ErrNotClosing      = errors.New("position is not closing")
	ErrInvalidLeverage = errors.New("leverage must be between 1 and 10")
	ErrInvalidPosition = errors.New("invalid position")
)

type Store interface {
	Insert(ctx context.Context, p model.MarginPosition) error
	Get(ctx context.Context, id string) (model.MarginPosition, error)
	ListByUser(ctx context.Context, userID string, status types.PositionStatus) ([]model.MarginPosition, error)
	Open(ctx context.Context) ([]model.MarginPosition, error)
	// Claim moves an open position to closing and records how it will settle.
	// It returns ErrNotOpen if the position was already claimed.
	Claim(ctx context.Context, id string, closePrice, pnl decimal.Decimal, target types.PositionStatus, at time.Time) (model.MarginPosition, error)
	// Finish moves a closing position to its recorded target and appends ev
	// to the outbox in the same unit of work.
	Finish(ctx context.Context, id string, ev notify.Event) (model.MarginPosition, error)
	Stuck(ctx context.Context, claimedBefore time.Time) ([]model.MarginPosition, error)
}
