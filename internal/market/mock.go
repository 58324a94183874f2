package market

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/pkg/clock"
)

// MockFeed generates synthetic random-walk ticks for local runs. Ticks go
// through the same validation/normalization path as a real feed, and
// per-instrument timestamps are non-decreasing. A tick that fails validation
// is tagged as a gap on the next one, never fabricated.
type MockFeed struct {
	Bus         *events.Bus
	Clock       clock.Clock
	Log         *zap.Logger
	Instruments []string
	StartPrice  decimal.Decimal
	Step        decimal.Decimal
	Interval    time.Duration
	Seed        int64
}

// Start launches the generator goroutine. It returns immediately.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil {
		m.Log.Warn("mock feed: bus not set, skipping start")
		return
	}
	if m.Clock == nil {
		m.Clock = clock.Real{}
	}
	if len(m.Instruments) == 0 {
		m.Instruments = []string{"BTCUSDT"}
	}
	if m.StartPrice.IsZero() {
		m.StartPrice = decimal.NewFromInt(50000)
	}
	if m.Step.IsZero() {
		m.Step = decimal.NewFromInt(5)
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}

	rng := rand.New(rand.NewSource(m.Seed))
	if m.Seed == 0 {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	prices := make(map[string]decimal.Decimal, len(m.Instruments))
	lastAt := make(map[string]time.Time, len(m.Instruments))
	gapped := make(map[string]bool, len(m.Instruments))
	for _, ins := range m.Instruments {
		prices[ins] = m.StartPrice
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, ins := range m.Instruments {
					m.emit(ins, rng, prices, lastAt, gapped)
				}
			}
		}
	}()
}

func (m *MockFeed) emit(ins string, rng *rand.Rand, prices map[string]decimal.Decimal, lastAt map[string]time.Time, gapped map[string]bool) {
	// Random walk: price += uniform(-1,1) * step.
	noise := decimal.NewFromFloat(rng.Float64()*2 - 1)
	next := prices[ins].Add(noise.Mul(m.Step))

	now := m.Clock.Now()
	if prev, ok := lastAt[ins]; ok && now.Before(prev) {
		now = prev // timestamps never decrease per instrument
	}

	tick, err := Normalize(Tick{
		Instrument: ins,
		Price:      next,
		Volume:     decimal.NewFromFloat(rng.Float64() * 10).Round(priceScale),
		At:         now,
		Gap:        gapped[ins],
	})
	if err != nil {
		// Walked below zero or otherwise invalid: skip and tag the next tick.
		gapped[ins] = true
		m.Log.Debug("mock feed dropped invalid tick", zap.String("instrument", ins), zap.Error(err))
		return
	}

	prices[ins] = tick.Price
	lastAt[ins] = now
	gapped[ins] = false
	m.Bus.Publish(events.KindPriceUpdated, events.PriceUpdated{
		Instrument: tick.Instrument,
		Price:      tick.Price,
		Volume:     tick.Volume,
		TickTime:   tick.At,
		Gap:        tick.Gap,
	})
}
