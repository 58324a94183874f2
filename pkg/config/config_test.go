package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"papertrader/internal/traderr"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Instruments)
	require.Equal(t, "balanced", cfg.RiskProfile)
	require.True(t, cfg.FeeRate.Equal(mustDecimal(t, "0.0005")))
}

func TestProfileBuiltinPreset(t *testing.T) {
	cfg := &Config{RiskProfile: "conservative"}
	p, err := cfg.Profile()
	require.NoError(t, err)
	require.Equal(t, "Conservative", p.Name)
	require.Equal(t, 3, p.MaxOpenPositions)
}

func TestProfileUnknownPresetIsFatal(t *testing.T) {
	cfg := &Config{RiskProfile: "yolo"}
	_, err := cfg.Profile()
	require.True(t, traderr.IsKind(err, traderr.KindFatalConfig), "got %v", err)
}

func TestProfileYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	override := []byte("risk_per_trade_pct: \"4\"\nmax_open_positions: 7\n")
	require.NoError(t, os.WriteFile(path, override, 0o600))

	cfg := &Config{RiskProfile: "balanced", RiskProfileFile: path}
	p, err := cfg.Profile()
	require.NoError(t, err)
	require.True(t, p.RiskPerTrade.Equal(mustDecimal(t, "4")))
	require.Equal(t, 7, p.MaxOpenPositions)
	// Fields absent from the file keep the preset values.
	require.True(t, p.DailyLossLimit.Equal(mustDecimal(t, "10")))
}

func TestProfileInvalidOverrideIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("risk_per_trade_pct: \"250\"\n"), 0o600))

	cfg := &Config{RiskProfile: "balanced", RiskProfileFile: path}
	_, err := cfg.Profile()
	require.True(t, traderr.IsKind(err, traderr.KindFatalConfig), "got %v", err)
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
