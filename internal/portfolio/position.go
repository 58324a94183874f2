package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the authoritative per-instrument state. Quantity is signed:
// positive long, negative short. AvgEntry is the quantity-weighted cost basis
// of the open lot.
type Position struct {
	Instrument  string          `json:"instrument"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Unrealized  decimal.Decimal `json:"unrealized_pnl"`
	LastMark    decimal.Decimal `json:"last_mark"`
	Fees        decimal.Decimal `json:"fees"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// Realized PnL of the currently open lot, reported when it goes flat.
	lotRealized decimal.Decimal
	// Signed sum of every applied fill; must always equal Quantity.
	fillSum decimal.Decimal
}

// mark revalues the open quantity against a new mark price.
func (p *Position) mark(price decimal.Decimal) {
	p.LastMark = price
	p.Unrealized = price.Sub(p.AvgEntry).Mul(p.Quantity).Round(pnlScale)
}

// Notional is the absolute exposure of the position at its last mark.
func (p *Position) Notional() decimal.Decimal {
	mark := p.LastMark
	if mark.IsZero() {
		mark = p.AvgEntry
	}
	return p.Quantity.Abs().Mul(mark)
}

func (p *Position) flat() bool {
	return p.Quantity.IsZero()
}
