package order

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrader/pkg/clock"
)

// fillScale is the fixed decimal precision of simulated prices and fees.
const fillScale = 8

var two = decimal.NewFromInt(2)

// SimConfig tunes the deterministic fill simulation.
type SimConfig struct {
	// Slippage is the fractional price impact of a market order,
	// e.g. 0.0001 for one basis point. Buys fill above the mark,
	// sells below.
	Slippage decimal.Decimal
	// FeeRate is the fractional fee charged per fill notional.
	FeeRate decimal.Decimal
	// SplitThreshold is the quantity above which an execution is split
	// into two partial fills. Zero disables splitting.
	SplitThreshold decimal.Decimal
}

// Simulator produces deterministic fills from order and mark price alone.
// It never waits on anything.
type Simulator struct {
	cfg   SimConfig
	clock clock.Clock
}

// NewSimulator builds a simulator with the given config.
func NewSimulator(cfg SimConfig, clk clock.Clock) *Simulator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Simulator{cfg: cfg, clock: clk}
}

// MarketFills simulates the execution of a market order's remaining quantity
// at the mark price plus slippage. Quantities of the returned fills sum
// exactly to the order's remaining quantity.
func (s *Simulator) MarketFills(o *Order, mark decimal.Decimal) []Fill {
	price := s.slipped(o.Side, mark)
	return s.split(o, o.Remaining(), price)
}

// LimitCrossed reports whether a limit order is executable at the mark:
// buys once the market trades at or below the limit, sells at or above.
func (s *Simulator) LimitCrossed(o *Order, mark decimal.Decimal) bool {
	if o.Type != TypeLimit || mark.IsZero() {
		return false
	}
	if o.Side == SideBuy {
		return mark.LessThanOrEqual(o.LimitPrice)
	}
	return mark.GreaterThanOrEqual(o.LimitPrice)
}

// LimitFills simulates execution of a crossed limit order at its limit
// price. No slippage applies; the limit bounds the fill price.
func (s *Simulator) LimitFills(o *Order) []Fill {
	return s.split(o, o.Remaining(), o.LimitPrice)
}

// slipped applies the configured slippage against the taker.
func (s *Simulator) slipped(side Side, mark decimal.Decimal) decimal.Decimal {
	if s.cfg.Slippage.IsZero() {
		return mark
	}
	adj := mark.Mul(s.cfg.Slippage)
	if side == SideBuy {
		return mark.Add(adj).Round(fillScale)
	}
	return mark.Sub(adj).Round(fillScale)
}

// split carves qty into one or two fills at the given price. The second
// half is the exact remainder of the first, so the quantities always sum
// back to qty with no rounding leakage.
func (s *Simulator) split(o *Order, qty, price decimal.Decimal) []Fill {
	if !qty.IsPositive() || !price.IsPositive() {
		return nil
	}

	first := qty
	second := decimal.Zero
	if s.cfg.SplitThreshold.IsPositive() && qty.GreaterThan(s.cfg.SplitThreshold) {
		first = qty.Div(two).Round(fillScale)
		second = qty.Sub(first)
	}

	fills := []Fill{s.fill(o, first, price)}
	if second.IsPositive() {
		fills = append(fills, s.fill(o, second, price))
	}
	return fills
}

func (s *Simulator) fill(o *Order, qty, price decimal.Decimal) Fill {
	return Fill{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Quantity:   qty,
		Price:      price,
		Fee:        price.Mul(qty).Mul(s.cfg.FeeRate).Round(fillScale),
		At:         s.clock.Now(),
	}
}
