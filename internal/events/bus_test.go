package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"papertrader/pkg/clock"
)

func testBus(timeout time.Duration) *Bus {
	return NewBus(clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)), timeout)
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := testBus(0)

	prices, unsubPrices := bus.Subscribe(4, KindPriceUpdated)
	defer unsubPrices()
	all, unsubAll := bus.Subscribe(4)
	defer unsubAll()

	bus.Publish(KindPriceUpdated, PriceUpdated{Instrument: "BTCUSDT", Price: decimal.NewFromInt(50000)})
	bus.Publish(KindRiskHalt, RiskHalt{Reason: "test"})

	ev := <-prices
	require.Equal(t, KindPriceUpdated, ev.Kind)
	require.Equal(t, uint64(1), ev.Seq)
	select {
	case ev := <-prices:
		t.Fatalf("filtered subscriber received %s", ev.Kind)
	default:
	}

	first := <-all
	second := <-all
	require.Equal(t, KindPriceUpdated, first.Kind)
	require.Equal(t, KindRiskHalt, second.Kind)
	require.Less(t, first.Seq, second.Seq)
}

func TestSequenceNumbersAreMonotonic(t *testing.T) {
	bus := testBus(0)
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	for i := 0; i < 10; i++ {
		bus.Publish(KindError, Error{Message: "x"})
	}

	var last uint64
	for i := 0; i < 10; i++ {
		ev := <-ch
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
}

func TestOverflowDropsAreCounted(t *testing.T) {
	bus := testBus(time.Millisecond)

	// Buffer of one, never consumed: the second publish must time out and drop.
	_, unsub := bus.Subscribe(1, KindPriceUpdated)
	defer unsub()

	bus.Publish(KindPriceUpdated, PriceUpdated{Instrument: "BTCUSDT"})
	bus.Publish(KindPriceUpdated, PriceUpdated{Instrument: "BTCUSDT"})

	c := bus.Counters()
	require.Equal(t, uint64(2), c.Published[KindPriceUpdated])
	require.Equal(t, uint64(1), c.Dropped[KindPriceUpdated])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := testBus(0)
	ch, unsub := bus.Subscribe(1, KindRiskHalt)
	unsub()

	bus.Publish(KindRiskHalt, RiskHalt{Reason: "drawdown"})

	_, open := <-ch
	require.False(t, open, "channel should be closed after unsubscribe")

	// No subscriber left, so nothing may be counted as dropped.
	require.Zero(t, bus.Counters().Dropped[KindRiskHalt])
}

func TestResetCounters(t *testing.T) {
	bus := testBus(0)
	bus.Publish(KindError, Error{Message: "x"})
	require.Equal(t, uint64(1), bus.Counters().Published[KindError])

	bus.ResetCounters()
	c := bus.Counters()
	require.Empty(t, c.Published)
	require.Empty(t, c.Dropped)
}
