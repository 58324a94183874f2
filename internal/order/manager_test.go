package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/internal/traderr"
	"papertrader/pkg/clock"
)

func newTestManager(t *testing.T, clk clock.Clock, cfg SimConfig) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(clk, 50*time.Millisecond)
	m := NewManager(bus, clk, zap.NewNop(), NewSimulator(cfg, clk), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, bus
}

func TestMarketOrderFillsImmediately(t *testing.T) {
	m, bus := newTestManager(t, clock.Real{}, SimConfig{Slippage: d("0.0001"), FeeRate: d("0.0005")})
	filled, unsub := bus.Subscribe(8, events.KindOrderFilled)
	defer unsub()
	m.SetMark("BTC-USD", d("50000"))

	got, err := m.Submit(Order{
		ID: "mkt-1", Instrument: "BTC-USD", Side: SideBuy, Type: TypeMarket, Quantity: d("1"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, got.Status)
	require.True(t, got.FilledQty.Equal(d("1")))
	require.True(t, got.AvgFillPrice.Equal(d("50005")), "got %s", got.AvgFillPrice)

	select {
	case ev := <-filled:
		p := ev.Payload.(events.OrderFilled)
		require.Equal(t, "mkt-1", p.OrderID)
		require.True(t, p.Price.Equal(d("50005")))
	case <-time.After(time.Second):
		t.Fatal("no OrderFilled event")
	}
}

func TestDuplicateOrderIDIsRejectedNotDoubled(t *testing.T) {
	m, bus := newTestManager(t, clock.Real{}, SimConfig{})
	rejected, unsub := bus.Subscribe(8, events.KindOrderRejected)
	defer unsub()
	m.SetMark("BTC-USD", d("50000"))

	first, err := m.Submit(Order{ID: "dup-1", Instrument: "BTC-USD", Side: SideBuy, Type: TypeMarket, Quantity: d("1")})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, first.Status)

	_, err = m.Submit(Order{ID: "dup-1", Instrument: "BTC-USD", Side: SideBuy, Type: TypeMarket, Quantity: d("5")})
	require.ErrorIs(t, err, ErrDuplicateOrder)

	// The original execution is untouched.
	kept, ok := m.Order("dup-1")
	require.True(t, ok)
	require.True(t, kept.FilledQty.Equal(d("1")))

	select {
	case ev := <-rejected:
		require.Equal(t, "duplicate order id", ev.Payload.(events.OrderRejected).Reason)
	case <-time.After(time.Second):
		t.Fatal("no OrderRejected event")
	}
}

func TestInvalidOrderEntersRejected(t *testing.T) {
	m, _ := newTestManager(t, clock.Real{}, SimConfig{})

	got, err := m.Submit(Order{ID: "bad-1", Instrument: "BTC-USD", Side: SideBuy, Type: TypeLimit, Quantity: d("-1")})
	require.True(t, traderr.IsKind(err, traderr.KindValidation))
	require.Equal(t, StatusRejected, got.Status)

	kept, ok := m.Order("bad-1")
	require.True(t, ok)
	require.Equal(t, StatusRejected, kept.Status)
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	m, bus := newTestManager(t, clock.Real{}, SimConfig{FeeRate: d("0.0005")})
	m.SetMark("ETH-USD", d("2100"))

	got, err := m.Submit(Order{
		ID: "lim-1", Instrument: "ETH-USD", Side: SideBuy, Type: TypeLimit,
		Quantity: d("2"), LimitPrice: d("2000"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, got.Status)

	require.Eventually(t, func() bool {
		bus.Publish(events.KindPriceUpdated, events.PriceUpdated{
			Instrument: "ETH-USD", Price: d("1999"), TickTime: time.Now(),
		})
		o, _ := m.Order("lim-1")
		return o.Status == StatusFilled
	}, 2*time.Second, 20*time.Millisecond)

	o, _ := m.Order("lim-1")
	require.True(t, o.AvgFillPrice.Equal(d("2000")), "limit bounds the fill price, got %s", o.AvgFillPrice)
}

func TestCancelRestingOrderReportsRemaining(t *testing.T) {
	m, bus := newTestManager(t, clock.Real{}, SimConfig{})
	cancelled, unsub := bus.Subscribe(8, events.KindOrderCancelled)
	defer unsub()

	_, err := m.Submit(Order{
		ID: "lim-2", Instrument: "ETH-USD", Side: SideSell, Type: TypeLimit,
		Quantity: d("3"), LimitPrice: d("2500"),
	})
	require.NoError(t, err)

	got, err := m.Cancel("lim-2")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	select {
	case ev := <-cancelled:
		p := ev.Payload.(events.OrderCancelled)
		require.Equal(t, "lim-2", p.OrderID)
		require.True(t, p.Remaining.Equal(d("3")))
	case <-time.After(time.Second):
		t.Fatal("no OrderCancelled event")
	}
}

func TestCancelTerminalOrderIsStateError(t *testing.T) {
	m, _ := newTestManager(t, clock.Real{}, SimConfig{})
	m.SetMark("BTC-USD", d("50000"))

	_, err := m.Submit(Order{ID: "mkt-2", Instrument: "BTC-USD", Side: SideSell, Type: TypeMarket, Quantity: d("1")})
	require.NoError(t, err)

	_, err = m.Cancel("mkt-2")
	require.True(t, traderr.IsKind(err, traderr.KindState), "got %v", err)

	_, err = m.Cancel("nope")
	require.ErrorIs(t, err, ErrUnknownOrder)
}

func TestReplacePreservesOriginalSubmissionTime(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	m, _ := newTestManager(t, clk, SimConfig{})

	orig, err := m.Submit(Order{
		ID: "lim-3", Instrument: "ETH-USD", Side: SideBuy, Type: TypeLimit,
		Quantity: d("1"), LimitPrice: d("1800"),
	})
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	repl, err := m.Replace("lim-3", "lim-3b", d("2"), d("1850"))
	require.NoError(t, err)
	require.Equal(t, "lim-3b", repl.ID)
	require.Equal(t, StatusSubmitted, repl.Status)
	require.True(t, repl.Quantity.Equal(d("2")))
	require.True(t, repl.LimitPrice.Equal(d("1850")))
	require.Equal(t, orig.SubmittedAt, repl.SubmittedAt)

	old, _ := m.Order("lim-3")
	require.Equal(t, StatusCancelled, old.Status)
}

func TestFailedReplaceLeavesOriginalResting(t *testing.T) {
	m, _ := newTestManager(t, clock.Real{}, SimConfig{})

	_, err := m.Submit(Order{
		ID: "lim-4", Instrument: "ETH-USD", Side: SideBuy, Type: TypeLimit,
		Quantity: d("1"), LimitPrice: d("1800"),
	})
	require.NoError(t, err)

	_, err = m.Replace("lim-4", "lim-4b", d("0"), d("1850"))
	require.True(t, traderr.IsKind(err, traderr.KindValidation), "got %v", err)

	old, ok := m.Order("lim-4")
	require.True(t, ok)
	require.Equal(t, StatusSubmitted, old.Status, "failed replace must not cancel the original")
	_, ok = m.Order("lim-4b")
	require.False(t, ok, "rejected replacement must not be recorded")
}

func TestReplaceWithDuplicateIDLeavesOriginalResting(t *testing.T) {
	m, _ := newTestManager(t, clock.Real{}, SimConfig{})

	_, err := m.Submit(Order{
		ID: "lim-5", Instrument: "ETH-USD", Side: SideBuy, Type: TypeLimit,
		Quantity: d("1"), LimitPrice: d("1800"),
	})
	require.NoError(t, err)
	_, err = m.Submit(Order{
		ID: "lim-6", Instrument: "ETH-USD", Side: SideBuy, Type: TypeLimit,
		Quantity: d("1"), LimitPrice: d("1700"),
	})
	require.NoError(t, err)

	_, err = m.Replace("lim-5", "lim-6", d("2"), d("1750"))
	require.ErrorIs(t, err, ErrDuplicateOrder)

	old, _ := m.Order("lim-5")
	require.Equal(t, StatusSubmitted, old.Status)
}

func TestTradeExecutedOnlyForOpeningOrders(t *testing.T) {
	m, bus := newTestManager(t, clock.Real{}, SimConfig{})
	trades, unsub := bus.Subscribe(8, events.KindTradeExecuted)
	defer unsub()
	m.SetMark("BTC-USD", d("40000"))

	_, err := m.Submit(Order{
		ID: "open-1", Instrument: "BTC-USD", Side: SideBuy, Type: TypeMarket,
		Quantity: d("1"), StopPrice: d("39500"),
	})
	require.NoError(t, err)

	select {
	case ev := <-trades:
		p := ev.Payload.(events.TradeExecuted)
		require.True(t, p.EntryPrice.Equal(d("40000")))
		require.True(t, p.StopLoss.Equal(d("39500")))
	case <-time.After(time.Second):
		t.Fatal("no TradeExecuted event")
	}

	_, err = m.Submit(Order{
		ID: "close-1", Instrument: "BTC-USD", Side: SideSell, Type: TypeMarket,
		Quantity: d("1"), ReduceOnly: true,
	})
	require.NoError(t, err)

	select {
	case ev := <-trades:
		t.Fatalf("reduce-only order produced TradeExecuted: %+v", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSplitFillsAverageAndSumExactly(t *testing.T) {
	m, _ := newTestManager(t, clock.Real{}, SimConfig{SplitThreshold: d("1")})
	m.SetMark("BTC-USD", d("30000"))

	got, err := m.Submit(Order{ID: "big-1", Instrument: "BTC-USD", Side: SideBuy, Type: TypeMarket, Quantity: d("5")})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, got.Status)
	require.True(t, got.FilledQty.Equal(d("5")))
	require.True(t, got.AvgFillPrice.Equal(d("30000")))
	require.Len(t, m.Fills("big-1"), 2)

	var sum decimal.Decimal
	for _, f := range m.Fills("big-1") {
		sum = sum.Add(f.Quantity)
	}
	require.True(t, sum.Equal(d("5")))
}
