package types

type OrderSide string

type OrderKind string

type OrderStatus string

type PositionSide string

type PositionStatus string

type LedgerEntryType string

type EventKind string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

const (
	OrderKindLimit        OrderKind = "limit"
	OrderKindStopLoss     OrderKind = "stop-loss"
	OrderKindTakeProfit   OrderKind = "take-profit"
	OrderKindTrailingStop OrderKind = "trailing-stop"
)

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusExecuting OrderStatus = "executing"
	OrderStatusExecuted  OrderStatus = "executed"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

const (
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosing    PositionStatus = "closing"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

const (
	LedgerEntryTypeDeposit         LedgerEntryType = "deposit"
	LedgerEntryTypeWithdrawal      LedgerEntryType = "withdrawal"
	LedgerEntryTypeReserve         LedgerEntryType = "reserve"
	LedgerEntryTypeRelease         LedgerEntryType = "release"
	LedgerEntryTypeTradeSettlement LedgerEntryType = "trade-settlement"
	LedgerEntryTypeRefund          LedgerEntryType = "refund"
)

const (
	EventOrderExecuted      EventKind = "order.executed"
	EventOrderFailed        EventKind = "order.failed"
	EventPositionClosed     EventKind = "position.closed"
	EventPositionLiquidated EventKind = "position.liquidated"
)

const (
	RefConditionalOrder = "conditional_order"
	RefMarginPosition   = "margin_position"
	RefExternal         = "external"

	// RefMarginPayout keys the credit that closes a position, which lands on
	// the same account and entry type as its margin settlement.
	RefMarginPayout = "margin_payout"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindLimit, OrderKindStopLoss, OrderKindTakeProfit, OrderKindTrailingStop:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusFailed || s == OrderStatusCancelled
}

func (s PositionSide) Valid() bool {
	return s == PositionSideLong || s == PositionSideShort
}

func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}
