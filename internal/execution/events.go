package execution

import (
	"brokercore/internal/margin"
	"brokercore/internal/model"
	"brokercore/internal/notify"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

type OrderEvent struct {
	OrderID        string            `json:"order_id"`
	Pair           string            `json:"pair"`
	Kind           types.OrderKind   `json:"kind"`
	Side           types.OrderSide   `json:"side"`
	Status         types.OrderStatus `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	ExecutedPrice  *decimal.Decimal  `json:"executed_price,omitempty"`
	ExecutedAmount *decimal.Decimal  `json:"executed_amount,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

type PositionEvent struct {
	PositionID string               `json:"position_id"`
	Pair       string               `json:"pair"`
	Side       types.PositionSide   `json:"side"`
	Status     types.PositionStatus `json:"status"`
	EntryPrice decimal.Decimal      `json:"entry_price"`
	ClosePrice decimal.Decimal      `json:"close_price"`
	PnL        decimal.Decimal      `json:"pnl"`
	Payout     decimal.Decimal      `json:"payout"`
}

func orderEvent(o model.ConditionalOrder, status types.OrderStatus, reason string) (notify.Event, error) {
	kind := types.EventOrderExecuted
	if status == types.OrderStatusFailed {
		kind = types.EventOrderFailed
	}
	return notify.NewEvent(o.UserID, kind, OrderEvent{
		OrderID:        o.ID,
		Pair:           o.Pair,
		Kind:           o.Kind,
		Side:           o.Side,
		Status:         status,
		Amount:         o.Amount,
		ExecutedPrice:  o.ExecutedPrice,
		ExecutedAmount: o.ExecutedAmount,
		Reason:         reason,
	})
}

func positionEvent(p model.MarginPosition) (notify.Event, error) {
	kind := types.EventPositionClosed
	if p.CloseTarget == types.PositionStatusLiquidated {
		kind = types.EventPositionLiquidated
	}
	return notify.NewEvent(p.UserID, kind, PositionEvent{
		PositionID: p.ID,
		Pair:       p.Pair,
		Side:       p.Side,
		Status:     p.CloseTarget,
		EntryPrice: p.EntryPrice,
		ClosePrice: *p.ClosePrice,
		PnL:        *p.PnL,
		Payout:     margin.Payout(p.MarginUsed, *p.PnL),
	})
}
