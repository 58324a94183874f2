package risk

import (
	"github.com/shopspring/decimal"

	"papertrader/internal/traderr"
)

// sizeScale is the decimal precision of a computed position size.
const sizeScale = 8

// Size computes the position size for one trade:
//
//	size = (equity × risk%) / stop_distance
//
// clamped so that size × price never exceeds equity × leverage cap. Rounding
// is half-even and applied exactly once, at the final size, so repeated
// sizing cannot drift systematically over- or under-exposed.
func Size(equity, riskPerTrade, stopDistance, price, leverageCap decimal.Decimal) (decimal.Decimal, error) {
	if !equity.IsPositive() {
		return decimal.Zero, traderr.Validation("equity must be positive, got %s", equity)
	}
	if !riskPerTrade.IsPositive() || riskPerTrade.GreaterThan(hundred) {
		return decimal.Zero, traderr.Validation("risk per trade must be in (0, 100], got %s", riskPerTrade)
	}
	if !stopDistance.IsPositive() {
		return decimal.Zero, traderr.Validation("stop distance must be positive, got %s", stopDistance)
	}
	if !price.IsPositive() {
		return decimal.Zero, traderr.Validation("price must be positive, got %s", price)
	}
	if leverageCap.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero, traderr.Validation("leverage cap must be at least 1, got %s", leverageCap)
	}

	riskAmount := equity.Mul(riskPerTrade).Div(hundred)
	size := riskAmount.Div(stopDistance)

	maxNotional := equity.Mul(leverageCap)
	if size.Mul(price).GreaterThan(maxNotional) {
		size = maxNotional.Div(price)
	}
	return size.RoundBank(sizeScale), nil
}

// StopPrice places the protective stop at the given distance from entry:
// below for longs, above for shorts.
func StopPrice(entry, stopDistance decimal.Decimal, long bool) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, traderr.Validation("entry price must be positive, got %s", entry)
	}
	if !stopDistance.IsPositive() {
		return decimal.Zero, traderr.Validation("stop distance must be positive, got %s", stopDistance)
	}
	stop := entry.Add(stopDistance)
	if long {
		stop = entry.Sub(stopDistance)
	}
	if !stop.IsPositive() {
		return decimal.Zero, traderr.Validation("stop price %s is not positive", stop)
	}
	return stop.Round(sizeScale), nil
}
