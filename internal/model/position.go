package model

import (
	"time"

	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

type MarginPosition struct {
	ID               string               `json:"id"`
	UserID           string               `json:"user_id"`
	Pair             string               `json:"pair"`
	Side             types.PositionSide   `json:"side"`
	Status           types.PositionStatus `json:"status"`
	Amount           decimal.Decimal      `json:"amount"`
	EntryPrice       decimal.Decimal      `json:"entry_price"`
	Leverage         int                  `json:"leverage"`
	MarginUsed       decimal.Decimal      `json:"margin_used"`
	MarginCurrency   string               `json:"margin_currency"`
	LiquidationPrice decimal.Decimal      `json:"liquidation_price"`
	ClosePrice       *decimal.Decimal     `json:"close_price,omitempty"`
	PnL              *decimal.Decimal     `json:"pnl,omitempty"`
	// CloseTarget is the terminal status a claimed (closing) position settles into.
	CloseTarget types.PositionStatus `json:"-"`
	ClaimedAt   *time.Time           `json:"claimed_at,omitempty"`
	OpenedAt    time.Time            `json:"opened_at"`
	ClosedAt    *time.Time           `json:"closed_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}
