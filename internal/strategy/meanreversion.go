package strategy

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/internal/traderr"
)

// Side constants shared with downstream order handling.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// MeanReversion emits a BUY signal when price deviates below its rolling mean
// by more than the threshold, and a SELL signal when above. The suggested stop
// distance is a fixed fraction of the signal price.
type MeanReversion struct {
	name       string
	threshold  decimal.Decimal // fractional deviation, e.g. 0.02
	windowSize int
	stopFrac   decimal.Decimal // stop distance as fraction of price

	bus *events.Bus
	log *zap.Logger

	windows map[string][]decimal.Decimal
}

// NewMeanReversion validates parameters and builds the strategy.
func NewMeanReversion(bus *events.Bus, log *zap.Logger, threshold decimal.Decimal, windowSize int, stopFrac decimal.Decimal) (*MeanReversion, error) {
	if !threshold.IsPositive() || threshold.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, traderr.Validation("mean reversion threshold must be between 0 and 1, got %s", threshold)
	}
	if windowSize <= 0 {
		return nil, traderr.Validation("mean reversion window size must be positive, got %d", windowSize)
	}
	if !stopFrac.IsPositive() {
		return nil, traderr.Validation("stop distance fraction must be positive, got %s", stopFrac)
	}
	return &MeanReversion{
		name:       "MeanReversion",
		threshold:  threshold,
		windowSize: windowSize,
		stopFrac:   stopFrac,
		bus:        bus,
		log:        log,
		windows:    make(map[string][]decimal.Decimal),
	}, nil
}

// Run consumes price events until the context is done.
func (s *MeanReversion) Run(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(0, events.KindPriceUpdated)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			tick, ok := ev.Payload.(events.PriceUpdated)
			if !ok {
				continue
			}
			s.onPrice(tick)
		}
	}
}

func (s *MeanReversion) onPrice(tick events.PriceUpdated) {
	window := s.windows[tick.Instrument]

	if side, dev, ok := s.evaluate(window, tick.Price); ok {
		s.bus.Publish(events.KindSignalGenerated, events.SignalGenerated{
			Strategy:     s.name,
			Instrument:   tick.Instrument,
			Side:         side,
			Price:        tick.Price,
			StopDistance: tick.Price.Mul(s.stopFrac).Round(8),
			Confidence:   dev,
		})
	}

	window = append(window, tick.Price)
	if len(window) > s.windowSize {
		window = window[1:]
	}
	s.windows[tick.Instrument] = window
}

// evaluate returns the signal side and deviation for the current price
// against the rolling window, or ok=false when the strategy holds.
func (s *MeanReversion) evaluate(window []decimal.Decimal, price decimal.Decimal) (string, decimal.Decimal, bool) {
	if len(window) == 0 {
		return "", decimal.Zero, false
	}
	sum := decimal.Zero
	for _, p := range window {
		sum = sum.Add(p)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(window))))
	if mean.IsZero() {
		return "", decimal.Zero, false
	}
	deviation := price.Sub(mean).Abs().Div(mean)
	if deviation.LessThanOrEqual(s.threshold) {
		return "", decimal.Zero, false
	}
	if price.LessThan(mean) {
		return SideBuy, deviation, true
	}
	return SideSell, deviation, true
}
