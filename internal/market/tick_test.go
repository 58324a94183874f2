package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"papertrader/internal/traderr"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNormalizeRoundsToEightDecimals(t *testing.T) {
	tick, err := Normalize(Tick{
		Instrument: "BTC-USD",
		Price:      d("50000.123456789123"),
		Volume:     d("1.000000004"),
		At:         time.Now(),
	})
	require.NoError(t, err)
	require.True(t, tick.Price.Equal(d("50000.12345679")), "got %s", tick.Price)
	require.True(t, tick.Volume.Equal(d("1")), "got %s", tick.Volume)
}

func TestNormalizeRejectsMalformedTicks(t *testing.T) {
	cases := []struct {
		name string
		tick Tick
	}{
		{"empty instrument", Tick{Price: d("1"), Volume: d("0")}},
		{"zero price", Tick{Instrument: "BTC-USD", Price: d("0")}},
		{"negative price", Tick{Instrument: "BTC-USD", Price: d("-5")}},
		{"negative volume", Tick{Instrument: "BTC-USD", Price: d("1"), Volume: d("-1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.tick)
			require.True(t, traderr.IsKind(err, traderr.KindValidation), "got %v", err)
		})
	}
}
