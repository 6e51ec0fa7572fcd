package model

import (
	"strings"
	"time"

	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

type ConditionalOrder struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	Pair              string            `json:"pair"`
	Kind              types.OrderKind   `json:"kind"`
	Side              types.OrderSide   `json:"side"`
	Status            types.OrderStatus `json:"status"`
	Amount            decimal.Decimal   `json:"amount"`
	TriggerPrice      *decimal.Decimal  `json:"trigger_price"`
	TrailPercent      *decimal.Decimal  `json:"trail_percent,omitempty"`
	HighWaterPrice    *decimal.Decimal  `json:"high_water_price,omitempty"`
	ReservedCurrency  string            `json:"reserved_currency"`
	ReservedAmount    decimal.Decimal   `json:"reserved_amount"`
	ReservedAccountID string            `json:"reserved_account_id"`
	ExecutedPrice     *decimal.Decimal  `json:"executed_price,omitempty"`
	ExecutedAmount    *decimal.Decimal  `json:"executed_amount,omitempty"`
	VenueRef          string            `json:"venue_ref,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	ClaimedAt         *time.Time        `json:"claimed_at,omitempty"`
	ExecutedAt        *time.Time        `json:"executed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasFill reports whether the venue fill was persisted before settlement.
func (o ConditionalOrder) HasFill() bool {
	return o.ExecutedPrice != nil && o.ExecutedAmount != nil
}

// Fill is what the venue reported for a claimed order.
type Fill struct {
	Price    decimal.Decimal
	Amount   decimal.Decimal
	VenueRef string
}

// SplitPair returns base and quote currencies of a "BASE-QUOTE" pair.
func SplitPair(pair string) (base, quote string, ok bool) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(pair)), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == parts[1] {
		return "", "", false
	}
	return parts[0], parts[1], true
}
