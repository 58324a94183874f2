package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"papertrader/internal/events"
	"papertrader/internal/order"
	"papertrader/pkg/clock"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	orders []order.Order
	err    error
}

func (f *fakeSubmitter) Submit(o order.Order) (order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return order.Order{}, f.err
	}
	o.Status = order.StatusSubmitted
	f.orders = append(f.orders, o)
	return o, nil
}

func (f *fakeSubmitter) all() []order.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]order.Order(nil), f.orders...)
}

// testProfile keeps the arithmetic readable: 2% risk, 10% daily loss,
// 20% drawdown, full-equity positions, 1.5x leverage.
func testProfile() Profile {
	return Profile{
		Name:             "test",
		RiskPerTrade:     d("2"),
		DailyLossLimit:   d("10"),
		MaxDrawdown:      d("20"),
		MaxPositionSize:  d("100"),
		MaxOpenPositions: 2,
		LeverageCap:      d("1.5"),
	}
}

func newTestEngine(t *testing.T, sub Submitter, instruments ...string) (*Engine, *events.Bus) {
	t.Helper()
	bus := events.NewBus(clock.Real{}, 50*time.Millisecond)
	if len(instruments) == 0 {
		instruments = []string{"BTC-USD"}
	}
	e, err := NewEngine(bus, clock.Real{}, zap.NewNop(), testProfile(), sub, d("10000"), instruments)
	require.NoError(t, err)
	return e, bus
}

func TestApprovedSignalIsSizedAndSubmitted(t *testing.T) {
	sub := &fakeSubmitter{}
	e, _ := newTestEngine(t, sub)

	e.onSignal("sig-1", events.SignalGenerated{
		Strategy: "meanrev", Instrument: "BTC-USD", Side: "BUY",
		Price: d("100"), StopDistance: d("10"),
	})

	orders := sub.all()
	require.Len(t, orders, 1)
	o := orders[0]
	require.Equal(t, order.SideBuy, o.Side)
	require.Equal(t, order.TypeMarket, o.Type)
	require.True(t, o.Quantity.Equal(d("20")), "2%% of 10000 over a 10 stop, got %s", o.Quantity)
	require.True(t, o.StopPrice.Equal(d("90")))
	require.False(t, o.ReduceOnly)
}

func TestSignalRejectedWhenNotWhitelisted(t *testing.T) {
	sub := &fakeSubmitter{}
	e, bus := newTestEngine(t, sub)
	rejected, unsub := bus.Subscribe(8, events.KindOrderRejected)
	defer unsub()

	e.onSignal("sig-2", events.SignalGenerated{
		Strategy: "meanrev", Instrument: "DOGE-USD", Side: "BUY",
		Price: d("0.1"), StopDistance: d("0.01"),
	})

	require.Empty(t, sub.all())
	select {
	case ev := <-rejected:
		p := ev.Payload.(events.OrderRejected)
		require.Equal(t, "sig-2", p.OrderID)
		require.Contains(t, p.Reason, "not whitelisted")
	case <-time.After(time.Second):
		t.Fatal("no OrderRejected event")
	}
}

func TestMaxOpenPositionsRejectsNewInstrument(t *testing.T) {
	sub := &fakeSubmitter{}
	e, bus := newTestEngine(t, sub, "A", "B", "C")
	rejected, unsub := bus.Subscribe(8, events.KindOrderRejected)
	defer unsub()

	e.onTradeExecuted(events.TradeExecuted{Instrument: "A", Side: "BUY", EntryPrice: d("10"), Quantity: d("1")})
	e.onTradeExecuted(events.TradeExecuted{Instrument: "B", Side: "BUY", EntryPrice: d("10"), Quantity: d("1")})

	e.onSignal("sig-3", events.SignalGenerated{
		Strategy: "meanrev", Instrument: "C", Side: "BUY",
		Price: d("10"), StopDistance: d("1"),
	})

	require.Empty(t, sub.all())
	select {
	case ev := <-rejected:
		require.Contains(t, ev.Payload.(events.OrderRejected).Reason, "max open positions")
	case <-time.After(time.Second):
		t.Fatal("no OrderRejected event")
	}
}

func TestDailyLossHaltTripsExactlyOnce(t *testing.T) {
	sub := &fakeSubmitter{}
	e, bus := newTestEngine(t, sub)
	halts, unsub := bus.Subscribe(8, events.KindRiskHalt)
	defer unsub()

	// 15% of the 10000 day-start equity, past the 10% limit.
	e.onTradeClosed(events.TradeClosed{Instrument: "BTC-USD", ExitPrice: d("90"), PnL: d("-1500")})

	select {
	case ev := <-halts:
		require.Contains(t, ev.Payload.(events.RiskHalt).Reason, "daily loss")
	case <-time.After(time.Second):
		t.Fatal("no RiskHalt event")
	}
	halted, reason := e.Halted()
	require.True(t, halted)
	require.Contains(t, reason, "daily loss")

	// A further breach while halted must not publish a second halt.
	e.onTradeClosed(events.TradeClosed{Instrument: "BTC-USD", ExitPrice: d("80"), PnL: d("-500")})
	select {
	case ev := <-halts:
		t.Fatalf("second RiskHalt published: %+v", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHaltLiquidatesOpenPositions(t *testing.T) {
	sub := &fakeSubmitter{}
	e, _ := newTestEngine(t, sub, "BTC-USD", "ETH-USD")

	e.onTradeExecuted(events.TradeExecuted{Instrument: "BTC-USD", Side: "BUY", EntryPrice: d("100"), Quantity: d("3")})
	e.onTradeClosed(events.TradeClosed{Instrument: "ETH-USD", ExitPrice: d("90"), PnL: d("-1500")})

	orders := sub.all()
	require.Len(t, orders, 1)
	o := orders[0]
	require.Equal(t, "BTC-USD", o.Instrument)
	require.Equal(t, order.SideSell, o.Side)
	require.True(t, o.ReduceOnly)
	require.True(t, o.Quantity.Equal(d("3")))
}

func TestHaltedEngineRejectsSignals(t *testing.T) {
	sub := &fakeSubmitter{}
	e, bus := newTestEngine(t, sub)
	rejected, unsub := bus.Subscribe(8, events.KindOrderRejected)
	defer unsub()

	e.onTradeClosed(events.TradeClosed{Instrument: "BTC-USD", ExitPrice: d("90"), PnL: d("-1500")})
	e.onSignal("sig-4", events.SignalGenerated{
		Strategy: "meanrev", Instrument: "BTC-USD", Side: "BUY",
		Price: d("100"), StopDistance: d("10"),
	})

	require.Empty(t, sub.all())
	select {
	case ev := <-rejected:
		require.Contains(t, ev.Payload.(events.OrderRejected).Reason, "halted")
	case <-time.After(time.Second):
		t.Fatal("no OrderRejected event")
	}
}

func TestStopHitClosesThroughOMSOnce(t *testing.T) {
	sub := &fakeSubmitter{}
	e, _ := newTestEngine(t, sub)

	e.onTradeExecuted(events.TradeExecuted{
		Instrument: "BTC-USD", Side: "BUY",
		EntryPrice: d("100"), Quantity: d("1"), StopLoss: d("95"),
	})

	e.onPrice(events.PriceUpdated{Instrument: "BTC-USD", Price: d("94")})
	require.Len(t, sub.all(), 1)
	o := sub.all()[0]
	require.Equal(t, order.SideSell, o.Side)
	require.True(t, o.ReduceOnly)
	require.True(t, o.Quantity.Equal(d("1")))

	// The close is in flight; a second tick below the stop must not duplicate it.
	e.onPrice(events.PriceUpdated{Instrument: "BTC-USD", Price: d("93")})
	require.Len(t, sub.all(), 1)
}

func TestStopHitLogsTriggeredStopPrice(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sub := &fakeSubmitter{}
	bus := events.NewBus(clock.Real{}, 50*time.Millisecond)
	e, err := NewEngine(bus, clock.Real{}, zap.New(core), testProfile(), sub, d("10000"), []string{"BTC-USD"})
	require.NoError(t, err)

	e.onTradeExecuted(events.TradeExecuted{
		Instrument: "BTC-USD", Side: "BUY",
		EntryPrice: d("100"), Quantity: d("1"), StopLoss: d("95"),
	})
	e.onPrice(events.PriceUpdated{Instrument: "BTC-USD", Price: d("94")})

	entries := logs.FilterMessage("protective stop hit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "95", fields["stop"], "log must carry the stop that fired, not the disarmed value")
	require.Equal(t, "94", fields["price"])
}

func TestShortStopHitsOnRisingPrice(t *testing.T) {
	sub := &fakeSubmitter{}
	e, _ := newTestEngine(t, sub)

	e.onTradeExecuted(events.TradeExecuted{
		Instrument: "BTC-USD", Side: "SELL",
		EntryPrice: d("100"), Quantity: d("1"), StopLoss: d("105"),
	})

	e.onPrice(events.PriceUpdated{Instrument: "BTC-USD", Price: d("106")})
	orders := sub.all()
	require.Len(t, orders, 1)
	require.Equal(t, order.SideBuy, orders[0].Side)
	require.True(t, orders[0].ReduceOnly)
}

func TestResetRebaselinesLimits(t *testing.T) {
	sub := &fakeSubmitter{}
	e, bus := newTestEngine(t, sub)
	halts, unsub := bus.Subscribe(8, events.KindRiskHalt)
	defer unsub()

	e.onTradeClosed(events.TradeClosed{Instrument: "BTC-USD", ExitPrice: d("90"), PnL: d("-1500")})
	<-halts

	e.Reset()
	halted, _ := e.Halted()
	require.False(t, halted)

	// Losses before the reset no longer count against the rebased limits.
	e.onTradeClosed(events.TradeClosed{Instrument: "BTC-USD", ExitPrice: d("89"), PnL: d("-100")})
	halted, _ = e.Halted()
	require.False(t, halted)
}

func TestEquityTracksUnrealized(t *testing.T) {
	sub := &fakeSubmitter{}
	e, _ := newTestEngine(t, sub)

	e.onTradeExecuted(events.TradeExecuted{Instrument: "BTC-USD", Side: "BUY", EntryPrice: d("100"), Quantity: d("2")})
	e.onPrice(events.PriceUpdated{Instrument: "BTC-USD", Price: d("110")})

	require.True(t, e.Equity().Equal(d("10020")), "got %s", e.Equity())
	require.True(t, e.Balance().Equal(d("10000")))
}
