package margin

import (
	"brokercore/internal/model"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

// DefaultMaintenance liquidates once 90% of the margin is lost.
var DefaultMaintenance = decimal.RequireFromString("0.9")

const (
	MinLeverage = 1
	MaxLeverage = 10
)

// LiquidationPrice is entry × (1 − m/L) for longs and entry × (1 + m/L) for
// shorts. Fees and funding are ignored.
func LiquidationPrice(entry decimal.Decimal, leverage int, side types.PositionSide, maintenance decimal.Decimal) decimal.Decimal {
	move := maintenance.Div(decimal.NewFromInt(int64(leverage)))
	one := decimal.NewFromInt(1)
	if side == types.PositionSideShort {
		return entry.Mul(one.Add(move))
	}
	return entry.Mul(one.Sub(move))
}

// PnL of closing amount at closePrice.
func PnL(side types.PositionSide, entry, closePrice, amount decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(entry)
	if side == types.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(amount)
}

// RequiredMargin is the notional divided by leverage.
func RequiredMargin(amount, entry decimal.Decimal, leverage int) decimal.Decimal {
	return amount.Mul(entry).Div(decimal.NewFromInt(int64(leverage)))
}

// Liquidatable reports whether price has crossed the position's liquidation
// price.
func Liquidatable(p model.MarginPosition, price decimal.Decimal) bool {
	if p.Side == types.PositionSideShort {
		return price.GreaterThanOrEqual(p.LiquidationPrice)
	}
	return price.LessThanOrEqual(p.LiquidationPrice)
}

// Payout is what a closed position returns to the user, floored at zero.
func Payout(marginUsed, pnl decimal.Decimal) decimal.Decimal {
	out := marginUsed.Add(pnl)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}
