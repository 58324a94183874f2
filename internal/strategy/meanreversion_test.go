package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/internal/traderr"
	"papertrader/pkg/clock"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newStrategy(t *testing.T) (*MeanReversion, *events.Bus) {
	t.Helper()
	bus := events.NewBus(clock.Real{}, 50*time.Millisecond)
	s, err := NewMeanReversion(bus, zap.NewNop(), d("0.02"), 5, d("0.01"))
	require.NoError(t, err)
	return s, bus
}

func feed(s *MeanReversion, instrument string, prices ...string) {
	for _, p := range prices {
		s.onPrice(events.PriceUpdated{Instrument: instrument, Price: d(p)})
	}
}

func TestBuySignalBelowRollingMean(t *testing.T) {
	s, bus := newStrategy(t)
	signals, unsub := bus.Subscribe(8, events.KindSignalGenerated)
	defer unsub()

	// Five flat ticks build the window; a 5% drop breaks the 2% threshold.
	feed(s, "BTC-USD", "100", "100", "100", "100", "100", "95")

	select {
	case ev := <-signals:
		sig := ev.Payload.(events.SignalGenerated)
		require.Equal(t, SideBuy, sig.Side)
		require.True(t, sig.Price.Equal(d("95")))
		require.True(t, sig.StopDistance.Equal(d("0.95")), "1%% of price, got %s", sig.StopDistance)
		require.True(t, sig.Confidence.Equal(d("0.05")))
	case <-time.After(time.Second):
		t.Fatal("no signal generated")
	}
}

func TestSellSignalAboveRollingMean(t *testing.T) {
	s, bus := newStrategy(t)
	signals, unsub := bus.Subscribe(8, events.KindSignalGenerated)
	defer unsub()

	feed(s, "BTC-USD", "100", "100", "100", "100", "100", "106")

	select {
	case ev := <-signals:
		require.Equal(t, SideSell, ev.Payload.(events.SignalGenerated).Side)
	case <-time.After(time.Second):
		t.Fatal("no signal generated")
	}
}

func TestNoSignalWithinThreshold(t *testing.T) {
	s, bus := newStrategy(t)
	signals, unsub := bus.Subscribe(8, events.KindSignalGenerated)
	defer unsub()

	feed(s, "BTC-USD", "100", "100", "100", "101")

	select {
	case ev := <-signals:
		t.Fatalf("unexpected signal: %+v", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWindowsArePerInstrument(t *testing.T) {
	s, bus := newStrategy(t)
	signals, unsub := bus.Subscribe(8, events.KindSignalGenerated)
	defer unsub()

	feed(s, "BTC-USD", "100", "100", "100")
	// ETH has no window yet; its first tick must not signal off BTC's mean.
	feed(s, "ETH-USD", "50")

	select {
	case ev := <-signals:
		t.Fatalf("unexpected signal: %+v", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewMeanReversionValidatesParams(t *testing.T) {
	bus := events.NewBus(clock.Real{}, 50*time.Millisecond)
	cases := []struct {
		name      string
		threshold string
		window    int
		stopFrac  string
	}{
		{"zero threshold", "0", 5, "0.01"},
		{"threshold at one", "1", 5, "0.01"},
		{"zero window", "0.02", 0, "0.01"},
		{"zero stop fraction", "0.02", 5, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMeanReversion(bus, zap.NewNop(), d(tc.threshold), tc.window, d(tc.stopFrac))
			require.True(t, traderr.IsKind(err, traderr.KindValidation), "got %v", err)
		})
	}
}
