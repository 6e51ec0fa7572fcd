package orders

import (
	"testing"

	"brokercore/internal/model"
	"brokercore/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func TestEvaluatePredicates(t *testing.T) {
	tests := []struct {
		name  string
		kind  types.OrderKind
		side  types.OrderSide
		price string
		fire  bool
	}{
		{"limit buy above", types.OrderKindLimit, types.OrderSideBuy, "100.01", false},
		{"limit buy at", types.OrderKindLimit, types.OrderSideBuy, "100", true},
		{"limit buy below", types.OrderKindLimit, types.OrderSideBuy, "99", true},
		{"limit sell below", types.OrderKindLimit, types.OrderSideSell, "99.99", false},
		{"limit sell at", types.OrderKindLimit, types.OrderSideSell, "100", true},
		{"stop-loss above", types.OrderKindStopLoss, types.OrderSideSell, "101", false},
		{"stop-loss at", types.OrderKindStopLoss, types.OrderSideSell, "100", true},
		{"take-profit below", types.OrderKindTakeProfit, types.OrderSideSell, "99", false},
		{"take-profit above", types.OrderKindTakeProfit, types.OrderSideSell, "150", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := model.ConditionalOrder{Kind: tt.kind, Side: tt.side, TriggerPrice: ptr(dec("100"))}
			ev := Evaluate(o, dec(tt.price))
			assert.Equal(t, tt.fire, ev.Fire)
			assert.False(t, ev.Raised)
		})
	}
}

func TestEvaluateStopLossSequence(t *testing.T) {
	o := model.ConditionalOrder{Kind: types.OrderKindStopLoss, Side: types.OrderSideSell, TriggerPrice: ptr(dec("90"))}
	var fired []string
	for _, p := range []string{"95", "92", "88"} {
		if Evaluate(o, dec(p)).Fire {
			fired = append(fired, p)
		}
	}
	assert.Equal(t, []string{"88"}, fired)
}

func TestEvaluateMissingTrigger(t *testing.T) {
	o := model.ConditionalOrder{Kind: types.OrderKindStopLoss, Side: types.OrderSideSell}
	assert.Equal(t, Evaluation{}, Evaluate(o, dec("1")))
	o = model.ConditionalOrder{Kind: types.OrderKindTrailingStop, Side: types.OrderSideSell}
	assert.Equal(t, Evaluation{}, Evaluate(o, dec("1")))
}

func TestTrailingStopFollowsHighWater(t *testing.T) {
	o := model.ConditionalOrder{
		Kind:           types.OrderKindTrailingStop,
		Side:           types.OrderSideSell,
		TrailPercent:   ptr(dec("10")),
		HighWaterPrice: ptr(dec("100")),
		TriggerPrice:   ptr(dec("90")),
	}

	prices := []string{"105", "103", "110", "108", "100", "99"}
	var fired []string
	hw := *o.HighWaterPrice
	for _, p := range prices {
		ev := Evaluate(o, dec(p))
		assert.False(t, ev.HighWater.LessThan(hw), "high water must never drop")
		hw = ev.HighWater
		if ev.Raised {
			o.HighWaterPrice = ptr(ev.HighWater)
			o.TriggerPrice = ptr(ev.Trigger)
		}
		if ev.Fire {
			fired = append(fired, p)
			break
		}
	}

	assert.True(t, o.HighWaterPrice.Equal(dec("110")))
	assert.True(t, o.TriggerPrice.Equal(dec("99")))
	assert.Equal(t, []string{"99"}, fired)
}

func TestTrailingStopInitialisesMark(t *testing.T) {
	o := model.ConditionalOrder{Kind: types.OrderKindTrailingStop, Side: types.OrderSideSell, TrailPercent: ptr(dec("5"))}
	ev := Evaluate(o, dec("200"))
	assert.True(t, ev.Raised)
	assert.True(t, ev.HighWater.Equal(dec("200")))
	assert.True(t, ev.Trigger.Equal(dec("190")))
	assert.False(t, ev.Fire)
}

func TestTrailingTrigger(t *testing.T) {
	assert.True(t, TrailingTrigger(dec("50000"), dec("2.5")).Equal(dec("48750")))
	assert.True(t, TrailingTrigger(dec("1"), dec("0.1")).Equal(dec("0.999")))
}
