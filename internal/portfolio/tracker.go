package portfolio

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/internal/traderr"
	"papertrader/pkg/clock"
)

// pnlScale is the fixed decimal scale for PnL and cost-basis results.
const pnlScale = 8

// reconcileTolerance is the largest local/external quantity difference that
// is not reported as a break.
var reconcileTolerance = decimal.RequireFromString("0.0001")

// Tracker maintains authoritative position and PnL state, derived only from
// confirmed fills. A single consumer goroutine owns all mutations; the mutex
// guards concurrent snapshot reads.
type Tracker struct {
	bus   *events.Bus
	clock clock.Clock
	log   *zap.Logger

	mu        sync.RWMutex
	positions map[string]*Position
}

// NewTracker creates an empty tracker.
func NewTracker(bus *events.Bus, clk clock.Clock, log *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		bus:       bus,
		clock:     clk,
		log:       log,
		positions: make(map[string]*Position),
	}
}

// Run consumes fill and price events until the context is done. A detected
// internal invariant violation terminates the process, per the error design.
func (t *Tracker) Run(ctx context.Context) {
	ch, unsub := t.bus.Subscribe(0, events.KindOrderFilled, events.KindPriceUpdated)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case events.OrderFilled:
				if err := t.ApplyFill(p.Instrument, p.Side, p.Quantity, p.Price, p.Fee); err != nil {
					if traderr.IsKind(err, traderr.KindValidation) {
						t.bus.Publish(events.KindError, events.Error{
							RefID:   ev.ID,
							Kind:    string(traderr.KindOf(err)),
							Message: err.Error(),
						})
						continue
					}
					t.log.Fatal("portfolio invariant violated", zap.Error(err))
				}
			case events.PriceUpdated:
				t.MarkPrice(p.Instrument, p.Price)
			}
		}
	}
}

// ApplyFill updates the signed quantity and cost basis for one confirmed
// fill. Reducing fills realize PnL proportionally; when the position goes
// flat a TradeClosed event is published with the lot's realized result.
func (t *Tracker) ApplyFill(instrument, side string, qty, price, fee decimal.Decimal) error {
	if instrument == "" {
		return traderr.Validation("fill instrument is empty")
	}
	if !qty.IsPositive() {
		return traderr.Validation("fill quantity must be positive, got %s", qty)
	}
	if !price.IsPositive() {
		return traderr.Validation("fill price must be positive, got %s", price)
	}

	delta := qty
	switch side {
	case "BUY":
	case "SELL":
		delta = qty.Neg()
	default:
		return traderr.Validation("unknown fill side %q", side)
	}

	t.mu.Lock()
	pos, ok := t.positions[instrument]
	if !ok {
		pos = &Position{Instrument: instrument}
		t.positions[instrument] = pos
	}

	// Fees reduce realized PnL of the lot the fill belongs to.
	pos.Fees = pos.Fees.Add(fee)
	pos.RealizedPnL = pos.RealizedPnL.Sub(fee).Round(pnlScale)
	pos.lotRealized = pos.lotRealized.Sub(fee).Round(pnlScale)

	closed, closedPnL := applyDelta(pos, delta, price)
	pos.fillSum = pos.fillSum.Add(delta)
	pos.UpdatedAt = t.clock.Now()
	pos.mark(price)

	// Quantity must equal the signed sum of all applied fills exactly.
	if !pos.Quantity.Equal(pos.fillSum) {
		t.mu.Unlock()
		return traderr.State("position %s quantity %s diverged from fill sum %s",
			instrument, pos.Quantity, pos.fillSum)
	}
	t.mu.Unlock()

	if closed {
		t.bus.Publish(events.KindTradeClosed, events.TradeClosed{
			Instrument: instrument,
			ExitPrice:  price,
			PnL:        closedPnL,
		})
	}
	return nil
}

// applyDelta mutates pos with a signed fill and returns whether the position
// went flat along with the realized PnL of that closing lot.
func applyDelta(pos *Position, delta, price decimal.Decimal) (bool, decimal.Decimal) {
	switch {
	case pos.flat() || pos.Quantity.Sign() == delta.Sign():
		// Opening or extending: rebuild the weighted-average entry price.
		oldAbs := pos.Quantity.Abs()
		addAbs := delta.Abs()
		total := oldAbs.Add(addAbs)
		pos.AvgEntry = pos.AvgEntry.Mul(oldAbs).Add(price.Mul(addAbs)).Div(total).Round(pnlScale)
		pos.Quantity = pos.Quantity.Add(delta)
		return false, decimal.Zero

	case delta.Abs().LessThanOrEqual(pos.Quantity.Abs()):
		// Reducing (possibly to flat): realize proportionally at the fill price.
		closeQty := delta.Abs()
		pnl := price.Sub(pos.AvgEntry).Mul(closeQty).Round(pnlScale)
		if pos.Quantity.Sign() < 0 {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.lotRealized = pos.lotRealized.Add(pnl)
		pos.Quantity = pos.Quantity.Add(delta)
		if pos.flat() {
			closedPnL := pos.lotRealized
			pos.lotRealized = decimal.Zero
			pos.AvgEntry = decimal.Zero
			return true, closedPnL
		}
		return false, decimal.Zero

	default:
		// Crossing zero: close the full lot, then open the remainder.
		closeQty := pos.Quantity.Abs()
		pnl := price.Sub(pos.AvgEntry).Mul(closeQty).Round(pnlScale)
		if pos.Quantity.Sign() < 0 {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		closedPnL := pos.lotRealized.Add(pnl)
		pos.lotRealized = decimal.Zero

		remainder := pos.Quantity.Add(delta) // opposite sign of the old lot
		pos.Quantity = remainder
		pos.AvgEntry = price
		return true, closedPnL
	}
}

// MarkPrice recomputes unrealized PnL from a new mark. Realized PnL is
// unaffected by price updates.
func (t *Tracker) MarkPrice(instrument string, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.positions[instrument]; ok && !pos.flat() {
		pos.mark(price)
	}
}

// Position returns a copy of the instrument's position state.
func (t *Tracker) Position(instrument string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[instrument]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Snapshot returns copies of all non-flat positions.
func (t *Tracker) Snapshot() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Position, 0, len(t.positions))
	for _, pos := range t.positions {
		if !pos.flat() {
			out = append(out, *pos)
		}
	}
	return out
}

// TotalUnrealized sums unrealized PnL over all open positions.
func (t *Tracker) TotalUnrealized() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sum := decimal.Zero
	for _, pos := range t.positions {
		sum = sum.Add(pos.Unrealized)
	}
	return sum
}

// Mismatch is one reconciliation break between local and external state.
type Mismatch struct {
	Instrument string          `json:"instrument"`
	Local      decimal.Decimal `json:"local_qty"`
	External   decimal.Decimal `json:"external_qty"`
}

// Reconcile compares an external authoritative snapshot against local state
// and reports every quantity break beyond the tolerance. Local state is never
// overwritten; each mismatch is surfaced as an error event for the operator.
func (t *Tracker) Reconcile(external map[string]decimal.Decimal) []Mismatch {
	t.mu.RLock()
	var breaks []Mismatch
	for ins, pos := range t.positions {
		ext := external[ins]
		if pos.Quantity.Sub(ext).Abs().GreaterThan(reconcileTolerance) {
			breaks = append(breaks, Mismatch{Instrument: ins, Local: pos.Quantity, External: ext})
		}
	}
	for ins, ext := range external {
		if _, ok := t.positions[ins]; !ok && !ext.IsZero() {
			breaks = append(breaks, Mismatch{Instrument: ins, Local: decimal.Zero, External: ext})
		}
	}
	t.mu.RUnlock()

	for _, b := range breaks {
		err := traderr.Reconciliation("position break for %s: local=%s external=%s",
			b.Instrument, b.Local, b.External)
		t.log.Warn("reconciliation mismatch", zap.String("instrument", b.Instrument), zap.Error(err))
		t.bus.Publish(events.KindError, events.Error{
			RefID:   b.Instrument,
			Kind:    string(traderr.KindReconciliation),
			Message: err.Error(),
		})
	}
	return breaks
}
