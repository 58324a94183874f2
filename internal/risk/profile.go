package risk

import (
	"strings"

	"github.com/shopspring/decimal"

	"papertrader/internal/traderr"
)

// Profile is the capital-preservation rule set the engine enforces.
// Percentages are whole numbers (2 means 2%). Immutable once loaded.
type Profile struct {
	Name             string          `json:"name" yaml:"name"`
	RiskPerTrade     decimal.Decimal `json:"risk_per_trade_pct" yaml:"risk_per_trade_pct"`
	DailyLossLimit   decimal.Decimal `json:"daily_loss_limit_pct" yaml:"daily_loss_limit_pct"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MaxPositionSize  decimal.Decimal `json:"max_position_size_pct" yaml:"max_position_size_pct"`
	MaxOpenPositions int             `json:"max_open_positions" yaml:"max_open_positions"`
	LeverageCap      decimal.Decimal `json:"leverage_cap" yaml:"leverage_cap"`
}

// Builtin returns one of the preset profiles by name (case-insensitive).
func Builtin(name string) (Profile, bool) {
	switch strings.ToLower(name) {
	case "conservative":
		return Profile{
			Name:             "Conservative",
			RiskPerTrade:     decimal.NewFromInt(1),
			DailyLossLimit:   decimal.NewFromInt(5),
			MaxDrawdown:      decimal.NewFromInt(10),
			MaxPositionSize:  decimal.NewFromInt(1),
			MaxOpenPositions: 3,
			LeverageCap:      decimal.NewFromInt(1),
		}, true
	case "balanced":
		return Profile{
			Name:             "Balanced",
			RiskPerTrade:     decimal.NewFromInt(2),
			DailyLossLimit:   decimal.NewFromInt(10),
			MaxDrawdown:      decimal.NewFromInt(20),
			MaxPositionSize:  decimal.NewFromInt(2),
			MaxOpenPositions: 5,
			LeverageCap:      decimal.RequireFromString("1.5"),
		}, true
	case "aggressive":
		return Profile{
			Name:             "Aggressive",
			RiskPerTrade:     decimal.NewFromInt(3),
			DailyLossLimit:   decimal.NewFromInt(15),
			MaxDrawdown:      decimal.NewFromInt(30),
			MaxPositionSize:  decimal.NewFromInt(5),
			MaxOpenPositions: 10,
			LeverageCap:      decimal.NewFromInt(2),
		}, true
	}
	return Profile{}, false
}

var hundred = decimal.NewFromInt(100)

// Validate returns a fatal config error for any out-of-range parameter.
// The engine refuses to start on an invalid profile.
func (p Profile) Validate() error {
	if p.Name == "" {
		return traderr.FatalConfig("risk profile name is empty")
	}
	if !p.RiskPerTrade.IsPositive() || p.RiskPerTrade.GreaterThan(hundred) {
		return traderr.FatalConfig("risk per trade must be in (0, 100], got %s", p.RiskPerTrade)
	}
	if !p.DailyLossLimit.IsPositive() || p.DailyLossLimit.GreaterThan(hundred) {
		return traderr.FatalConfig("daily loss limit must be in (0, 100], got %s", p.DailyLossLimit)
	}
	if !p.MaxDrawdown.IsPositive() || p.MaxDrawdown.GreaterThan(hundred) {
		return traderr.FatalConfig("max drawdown must be in (0, 100], got %s", p.MaxDrawdown)
	}
	if !p.MaxPositionSize.IsPositive() || p.MaxPositionSize.GreaterThan(hundred) {
		return traderr.FatalConfig("max position size must be in (0, 100], got %s", p.MaxPositionSize)
	}
	if p.MaxOpenPositions < 1 {
		return traderr.FatalConfig("max open positions must be at least 1, got %d", p.MaxOpenPositions)
	}
	if p.LeverageCap.LessThan(decimal.NewFromInt(1)) {
		return traderr.FatalConfig("leverage cap must be at least 1, got %s", p.LeverageCap)
	}
	return nil
}
