package market

import (
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/traderr"
)

// priceScale is the fixed normalization applied to every published price.
const priceScale = 8

// Tick is the raw price record consumed from a market-data collaborator.
type Tick struct {
	Instrument string
	Price      decimal.Decimal
	Volume     decimal.Decimal
	At         time.Time
	Gap        bool
}

// Validate rejects malformed ticks before they reach the bus.
func (t Tick) Validate() error {
	if t.Instrument == "" {
		return traderr.Validation("tick instrument is empty")
	}
	if !t.Price.IsPositive() {
		return traderr.Validation("tick price must be positive, got %s", t.Price)
	}
	if t.Volume.IsNegative() {
		return traderr.Validation("tick volume cannot be negative, got %s", t.Volume)
	}
	return nil
}

// Normalize validates the tick and rounds the price to the fixed 8-decimal
// scale shared by the whole core.
func Normalize(t Tick) (Tick, error) {
	if err := t.Validate(); err != nil {
		return Tick{}, err
	}
	t.Price = t.Price.Round(priceScale)
	t.Volume = t.Volume.Round(priceScale)
	return t, nil
}
