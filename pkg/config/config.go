package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"papertrader/internal/risk"
	"papertrader/internal/traderr"
)

// Config holds environment-driven settings for the trading core.
type Config struct {
	Port string

	// Market data
	Instruments  []string
	FeedInterval time.Duration
	FeedSeed     int64

	// Simulation
	InitialBalance decimal.Decimal
	FeeRate        decimal.Decimal // fractional, 0.0005 = 5 bps
	Slippage       decimal.Decimal // fractional price impact on market orders
	SplitThreshold decimal.Decimal // order quantity above which fills split

	// Risk
	RiskProfile     string // builtin preset name
	RiskProfileFile string // optional YAML override, wins over the preset

	// Strategy
	StrategyThreshold decimal.Decimal // mean deviation that triggers a signal
	StrategyWindow    int
	StrategyStopFrac  decimal.Decimal // stop distance as a fraction of price

	// Event bus
	BusPublishTimeout time.Duration

	// Database
	DBPath string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		Instruments:       splitAndTrim(getEnv("INSTRUMENTS", "BTC-USD,ETH-USD")),
		FeedInterval:      getEnvDuration("FEED_INTERVAL", time.Second),
		FeedSeed:          int64(getEnvInt("FEED_SEED", 0)),
		InitialBalance:    getEnvDecimal("INITIAL_BALANCE", "10000"),
		FeeRate:           getEnvDecimal("FEE_RATE", "0.0005"),
		Slippage:          getEnvDecimal("SLIPPAGE", "0.0001"),
		SplitThreshold:    getEnvDecimal("SPLIT_THRESHOLD", "0"),
		RiskProfile:       getEnv("RISK_PROFILE", "balanced"),
		RiskProfileFile:   getEnv("RISK_PROFILE_FILE", ""),
		StrategyThreshold: getEnvDecimal("STRATEGY_THRESHOLD", "0.02"),
		StrategyWindow:    getEnvInt("STRATEGY_WINDOW", 20),
		StrategyStopFrac:  getEnvDecimal("STRATEGY_STOP_FRAC", "0.01"),
		BusPublishTimeout: getEnvDuration("BUS_PUBLISH_TIMEOUT", 50*time.Millisecond),
		DBPath:            getEnv("DB_PATH", "./data/papertrader.db"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

// Profile resolves the active risk profile: the builtin preset named by
// RISK_PROFILE, overridden field-by-field when RISK_PROFILE_FILE points at a
// YAML profile. An unknown preset or invalid profile is a fatal config error;
// the engine must not start on a half-valid rule set.
func (c *Config) Profile() (risk.Profile, error) {
	p, ok := risk.Builtin(c.RiskProfile)
	if !ok {
		return risk.Profile{}, traderr.FatalConfig("unknown risk profile %q", c.RiskProfile)
	}
	if c.RiskProfileFile != "" {
		raw, err := os.ReadFile(c.RiskProfileFile)
		if err != nil {
			return risk.Profile{}, traderr.FatalConfig("reading risk profile file: %v", err)
		}
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return risk.Profile{}, traderr.FatalConfig("parsing risk profile file: %v", err)
		}
	}
	if err := p.Validate(); err != nil {
		return risk.Profile{}, err
	}
	return p, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvDecimal(key, def string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(def)
}
