package orders

import (
	"brokercore/internal/model"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Evaluation is the outcome of checking one pending order against a price.
type Evaluation struct {
	Fire bool
	// Raised is set when a trailing stop's high-water mark moved up. HighWater
	// and Trigger then hold the values to persist.
	Raised    bool
	HighWater decimal.Decimal
	Trigger   decimal.Decimal
}

// Evaluate applies the order's trigger predicate to price. It has no side
// effects; the caller persists a raised trailing stop before acting on Fire.
func Evaluate(o model.ConditionalOrder, price decimal.Decimal) Evaluation {
	switch o.Kind {
	case types.OrderKindLimit:
		if o.TriggerPrice == nil {
			return Evaluation{}
		}
		if o.Side == types.OrderSideBuy {
			return Evaluation{Fire: price.LessThanOrEqual(*o.TriggerPrice)}
		}
		return Evaluation{Fire: price.GreaterThanOrEqual(*o.TriggerPrice)}
	case types.OrderKindStopLoss:
		if o.TriggerPrice == nil {
			return Evaluation{}
		}
		return Evaluation{Fire: price.LessThanOrEqual(*o.TriggerPrice)}
	case types.OrderKindTakeProfit:
		if o.TriggerPrice == nil {
			return Evaluation{}
		}
		return Evaluation{Fire: price.GreaterThanOrEqual(*o.TriggerPrice)}
	case types.OrderKindTrailingStop:
		return evaluateTrailing(o, price)
	}
	return Evaluation{}
}

func evaluateTrailing(o model.ConditionalOrder, price decimal.Decimal) Evaluation {
	if o.TrailPercent == nil {
		return Evaluation{}
	}
	var ev Evaluation
	switch {
	case o.HighWaterPrice == nil || price.GreaterThan(*o.HighWaterPrice):
		ev.Raised = true
		ev.HighWater = price
		ev.Trigger = TrailingTrigger(price, *o.TrailPercent)
	case o.TriggerPrice != nil:
		ev.HighWater = *o.HighWaterPrice
		ev.Trigger = *o.TriggerPrice
	default:
		ev.HighWater = *o.HighWaterPrice
		ev.Trigger = TrailingTrigger(*o.HighWaterPrice, *o.TrailPercent)
	}
	ev.Fire = price.LessThanOrEqual(ev.Trigger)
	return ev
}

// TrailingTrigger is hw × (1 − trail/100).
func TrailingTrigger(hw, trailPercent decimal.Decimal) decimal.Decimal {
	return hw.Mul(decimal.NewFromInt(1).Sub(trailPercent.Div(hundred)))
}
