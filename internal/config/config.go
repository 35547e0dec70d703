// Package config loads the trading engine's configuration from the
// environment and an optional .env file.
//
// Configuration loading order:
//  1. Load from .env file (if present)
//  2. Read environment variables with documented defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/aristath/apex-trader/internal/allocation"
	"github.com/aristath/apex-trader/internal/backend"
	"github.com/aristath/apex-trader/internal/domain"
	"github.com/aristath/apex-trader/internal/eod"
	"github.com/aristath/apex-trader/internal/hysteresis"
	"github.com/aristath/apex-trader/internal/psm"
)

// Config holds every tunable the trading engine reads at startup.
type Config struct {
	DataDir  string
	LogLevel string

	LeverageEnabled bool

	CostModel      domain.CostModel
	SlippageFactor float64

	SignalGenerationMode     backend.SignalGenerationMode
	SignalGenerationInterval int

	EnforceMinimumHold bool
	EarlyExitPenalty   float64

	MaxPositionValue     float64
	MaxPortfolioLeverage float64
	DailyLossLimit       float64

	EODWindowStart string
	EODWindowEnd   string

	StrategySymbols []string

	AllocationStrategy domain.AllocationStrategy

	ArchiveS3Bucket string
	ArchiveS3Prefix string
}

// Load reads configuration from .env (if present) and the environment,
// applying the documented defaults below.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir, err := filepath.Abs(getEnv("TRADER_DATA_DIR", "./data"))
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  dataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),

		LeverageEnabled: getEnvAsBool("LEVERAGE_ENABLED", true),

		CostModel:      domain.CostModel(getEnv("COST_MODEL", string(domain.CostModelAlpaca))),
		SlippageFactor: getEnvAsFloat("SLIPPAGE_FACTOR", 0.0001),

		SignalGenerationMode:     backend.SignalGenerationMode(getEnv("SIGNAL_GENERATION_MODE", string(backend.ModeAdaptive))),
		SignalGenerationInterval: getEnvAsInt("SIGNAL_GENERATION_INTERVAL", 3),

		EnforceMinimumHold: getEnvAsBool("ENFORCE_MINIMUM_HOLD", true),
		EarlyExitPenalty:   getEnvAsFloat("EARLY_EXIT_PENALTY", 0.02),

		MaxPositionValue:     getEnvAsFloat("MAX_POSITION_VALUE", 1_000_000.0),
		MaxPortfolioLeverage: getEnvAsFloat("MAX_PORTFOLIO_LEVERAGE", 3.0),
		DailyLossLimit:       getEnvAsFloat("DAILY_LOSS_LIMIT", 0.10),

		EODWindowStart: getEnv("EOD_WINDOW_START", "15:55"),
		EODWindowEnd:   getEnv("EOD_WINDOW_END", "16:00"),

		StrategySymbols: getEnvAsList("STRATEGY_SYMBOLS", []string{"QQQ", "TQQQ", "PSQ", "SQQQ"}),

		AllocationStrategy: domain.AllocationStrategy(getEnv("ALLOCATION_STRATEGY", string(domain.StrategyHybrid))),

		ArchiveS3Bucket: getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Prefix: getEnv("ARCHIVE_S3_PREFIX", "apex-trader"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the requirement that the symbol universe carry at
// least one base-long/base-short pair and their 3x counterparts when
// leverage is enabled.
func (c *Config) Validate() error {
	if c.EarlyExitPenalty < 0 || c.EarlyExitPenalty >= 1 {
		return fmt.Errorf("early_exit_penalty must be in [0,1), got %v", c.EarlyExitPenalty)
	}
	if c.SignalGenerationInterval < 1 {
		return fmt.Errorf("signal_generation_interval must be >= 1, got %d", c.SignalGenerationInterval)
	}

	has := make(map[string]bool, len(c.StrategySymbols))
	for _, s := range c.StrategySymbols {
		has[s] = true
	}
	if !has["QQQ"] || !has["PSQ"] {
		return fmt.Errorf("strategy.symbols must include the base long/short pair QQQ and PSQ")
	}
	if c.LeverageEnabled && (!has["TQQQ"] || !has["SQQQ"]) {
		return fmt.Errorf("strategy.symbols must include TQQQ and SQQQ when leverage_enabled is true")
	}
	return nil
}

// BackendConfig translates the loaded Config into backend.Config.
func (c *Config) BackendConfig() backend.Config {
	return backend.Config{
		MaxPositionValue:         c.MaxPositionValue,
		MaxPortfolioLeverage:     c.MaxPortfolioLeverage,
		DailyLossLimit:           c.DailyLossLimit,
		SignalGenerationMode:     c.SignalGenerationMode,
		SignalGenerationInterval: c.SignalGenerationInterval,
		EnforceMinimumHold:       c.EnforceMinimumHold,
		EarlyExitPenalty:         c.EarlyExitPenalty,
		CostModel:                c.CostModel,
		SlippageFactor:           c.SlippageFactor,
		DefaultPredictionHorizon: backend.DefaultConfig().DefaultPredictionHorizon,
	}
}

// PSMConfig translates the loaded Config into psm.Config.
func (c *Config) PSMConfig() psm.Config {
	cfg := psm.DefaultConfig()
	cfg.LeverageEnabled = c.LeverageEnabled
	return cfg
}

// HysteresisConfig translates the loaded Config into hysteresis.Config.
func (c *Config) HysteresisConfig() hysteresis.Config {
	return hysteresis.DefaultConfig()
}

// AllocationConfig translates the loaded Config into allocation.Config.
func (c *Config) AllocationConfig() allocation.Config {
	cfg := allocation.DefaultConfig()
	cfg.Strategy = c.AllocationStrategy
	return cfg
}

// EODConfig translates the loaded Config into eod.Config.
func (c *Config) EODConfig() eod.Config {
	cfg := eod.DefaultConfig()
	cfg.WindowStart = c.EODWindowStart
	cfg.WindowEnd = c.EODWindowEnd
	return cfg
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
