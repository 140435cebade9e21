// Package config provides configuration management functionality.
//
// Configuration has two sources with distinct roles: the YAML file carries
// tunables (rate caps, TTLs, risk thresholds), the environment carries
// secrets and deployment identity. Unknown YAML keys are rejected at startup
// so a typo never silently falls back to a default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the root of the YAML configuration.
type Config struct {
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Phase2      Phase2Config      `mapstructure:"phase2"`
	Risk        RiskConfig        `mapstructure:"risk"`
	API         APIConfig         `mapstructure:"api"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Screener    ScreenerConfig    `mapstructure:"screener"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Server      ServerConfig      `mapstructure:"server"`
	Backup      BackupConfig      `mapstructure:"backup"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Strategies  StrategiesConfig  `mapstructure:"strategies"`
}

// StrategiesConfig names the registry computations the pipeline uses.
// Names are resolved against the function registry at startup; an unknown
// name is a configuration error, caught before anything trades.
type StrategiesConfig struct {
	Optimizer string `mapstructure:"optimizer"`
	Regime    string `mapstructure:"regime"`
}

// RateLimitConfig sets the governor window caps. Two regimes are in use in
// the field (80/1200 conservative, 100/1500 aggressive); the file selects.
type RateLimitConfig struct {
	PerSecond int `mapstructure:"per_second"`
	PerMinute int `mapstructure:"per_minute"`
	PerHour   int `mapstructure:"per_hour"`
}

// CacheConfig sets per-class TTLs and the optional remote backend.
type CacheConfig struct {
	RedisURL string          `mapstructure:"redis_url"`
	TTLs     CacheTTLsConfig `mapstructure:"ttls"`
}

// CacheTTLsConfig holds the TTL per operation class.
type CacheTTLsConfig struct {
	Price     time.Duration `mapstructure:"price"`
	OHLCV     time.Duration `mapstructure:"ohlcv"`
	Financial time.Duration `mapstructure:"financial"`
	Universe  time.Duration `mapstructure:"universe"`
}

// ConcurrencyConfig bounds outbound parallelism.
type ConcurrencyConfig struct {
	BrokerageMaxInflight int `mapstructure:"brokerage_max_inflight"`
}

// Phase2Config tunes the daily selection pipeline.
type Phase2Config struct {
	Batches              int                    `mapstructure:"batches"`
	StartTime            string                 `mapstructure:"start_time"` // HH:MM local
	BatchIntervalMinutes int                    `mapstructure:"batch_interval_minutes"`
	LegacyFilter         LegacyFilterConfig     `mapstructure:"legacy_filter"`
	PriorityCalculation  PriorityConfig         `mapstructure:"priority_calculation"`
	CompositeWeights     CompositeWeightsConfig `mapstructure:"composite_weights"`
	TargetCounts         TargetCountsConfig     `mapstructure:"target_counts"`
	SectorCap            int                    `mapstructure:"sector_cap"`
}

// LegacyFilterConfig is the hard safety filter applied inside every batch.
// All four thresholds come from here; none are hardcoded in code paths.
type LegacyFilterConfig struct {
	RiskMax       float64 `mapstructure:"risk_max"`
	VolumeMin     float64 `mapstructure:"volume_min"`
	ConfidenceMin float64 `mapstructure:"confidence_min"`
	TechnicalMin  float64 `mapstructure:"technical_min"`
}

// PriorityConfig weights the batch-ordering composite priority.
type PriorityConfig struct {
	TechnicalW  float64          `mapstructure:"technical_w"`
	VolumeW     float64          `mapstructure:"volume_w"`
	VolatilityW float64          `mapstructure:"volatility_w"`
	Volatility  VolatilityConfig `mapstructure:"volatility"`
}

// VolatilityConfig parameterizes the volatility-fit function.
type VolatilityConfig struct {
	Min   float64 `mapstructure:"min"`
	Max   float64 `mapstructure:"max"`
	Scale float64 `mapstructure:"scale"`
}

// CompositeWeightsConfig weights the per-candidate composite score inputs.
type CompositeWeightsConfig struct {
	Technical  float64 `mapstructure:"technical"`
	Volume     float64 `mapstructure:"volume"`
	Risk       float64 `mapstructure:"risk"`
	Confidence float64 `mapstructure:"confidence"`
}

// TargetCountsConfig sets the regime-adaptive selection size.
type TargetCountsConfig struct {
	Bullish int `mapstructure:"bullish"`
	Neutral int `mapstructure:"neutral"`
	Bearish int `mapstructure:"bearish"`
}

// RiskConfig groups sizing and protection settings.
type RiskConfig struct {
	Kelly             KellyConfig             `mapstructure:"kelly"`
	RegimeAdjustments RegimeAdjustmentsConfig `mapstructure:"regime_adjustments"`
	Drawdown          DrawdownConfig          `mapstructure:"drawdown"`
	CircuitBreaker    CircuitBreakerConfig    `mapstructure:"circuit_breaker"`
}

// KellyConfig tunes Kelly position sizing.
type KellyConfig struct {
	Fraction  float64 `mapstructure:"fraction"`   // default fraction before enough history
	MinTrades int     `mapstructure:"min_trades"` // history required to activate Kelly
	MinPos    float64 `mapstructure:"min_pos"`    // clamp floor
	MaxPos    float64 `mapstructure:"max_pos"`    // clamp ceiling
}

// RegimeAdjustmentsConfig multiplies the position fraction per market regime.
type RegimeAdjustmentsConfig struct {
	Bull     float64 `mapstructure:"bull"`
	Sideways float64 `mapstructure:"sideways"`
	Bear     float64 `mapstructure:"bear"`
	HighVol  float64 `mapstructure:"high_vol"`
}

// DrawdownConfig holds the response-ladder thresholds (fractions of equity).
type DrawdownConfig struct {
	Warn      float64 `mapstructure:"warn"`
	Reduce    float64 `mapstructure:"reduce"`
	Halt      float64 `mapstructure:"halt"`
	CloseHalf float64 `mapstructure:"close_half"`
	CloseAll  float64 `mapstructure:"close_all"`
}

// CircuitBreakerConfig holds the trip thresholds.
type CircuitBreakerConfig struct {
	DailyLoss    float64 `mapstructure:"daily_loss"`    // fraction of equity
	ConsecLosses int     `mapstructure:"consec_losses"` // straight losing trades
	ErrorSpike   int     `mapstructure:"error_spike"`   // system errors per hour
	MarketVol    float64 `mapstructure:"market_vol"`    // index move in one session
}

// APIConfig tunes the brokerage HTTP client.
type APIConfig struct {
	Retry   RetryConfig   `mapstructure:"retry"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetryConfig bounds the transient-error retry loop.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PathsConfig roots all persisted state.
type PathsConfig struct {
	DataRoot string `mapstructure:"data_root"`
}

// ScreenerConfig tunes Phase-1 screening.
type ScreenerConfig struct {
	Threshold      float64 `mapstructure:"threshold"`
	MaxWatchlist   int     `mapstructure:"max_watchlist"`
	MinSuccessRate float64 `mapstructure:"min_success_rate"`
}

// EngineConfig tunes trade execution.
type EngineConfig struct {
	MaxHoldingDays  int     `mapstructure:"max_holding_days"`
	SlippageWarnPct float64 `mapstructure:"slippage_warn_pct"`
}

// ServerConfig controls the ops/status HTTP API.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// BackupConfig controls the nightly S3 backup.
type BackupConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Retention int    `mapstructure:"retention"` // archives to keep
}

// NotifyConfig controls outbound notifications.
type NotifyConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SchedulerConfig pins the trading calendar's timezone.
type SchedulerConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// setDefaults registers a default for every recognized key. Missing keys in
// the file fall back here; unknown keys in the file are a startup error.
func setDefaults(v *viper.Viper) {
	v.SetDefault("rate_limit.per_second", 5)
	v.SetDefault("rate_limit.per_minute", 80)
	v.SetDefault("rate_limit.per_hour", 1200)

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttls.price", 5*time.Minute)
	v.SetDefault("cache.ttls.ohlcv", 10*time.Minute)
	v.SetDefault("cache.ttls.financial", 6*time.Hour)
	v.SetDefault("cache.ttls.universe", 24*time.Hour)

	v.SetDefault("concurrency.brokerage_max_inflight", 10)

	v.SetDefault("phase2.batches", 18)
	v.SetDefault("phase2.start_time", "07:00")
	v.SetDefault("phase2.batch_interval_minutes", 5)
	v.SetDefault("phase2.legacy_filter.risk_max", 70.0)
	v.SetDefault("phase2.legacy_filter.volume_min", 30.0)
	v.SetDefault("phase2.legacy_filter.confidence_min", 0.5)
	v.SetDefault("phase2.legacy_filter.technical_min", 40.0)
	v.SetDefault("phase2.priority_calculation.technical_w", 0.5)
	v.SetDefault("phase2.priority_calculation.volume_w", 0.3)
	v.SetDefault("phase2.priority_calculation.volatility_w", 0.2)
	v.SetDefault("phase2.priority_calculation.volatility.min", 0.15)
	v.SetDefault("phase2.priority_calculation.volatility.max", 0.45)
	v.SetDefault("phase2.priority_calculation.volatility.scale", 2.0)
	v.SetDefault("phase2.composite_weights.technical", 0.4)
	v.SetDefault("phase2.composite_weights.volume", 0.2)
	v.SetDefault("phase2.composite_weights.risk", 0.2)
	v.SetDefault("phase2.composite_weights.confidence", 0.2)
	v.SetDefault("phase2.target_counts.bullish", 12)
	v.SetDefault("phase2.target_counts.neutral", 8)
	v.SetDefault("phase2.target_counts.bearish", 5)
	v.SetDefault("phase2.sector_cap", 3)

	v.SetDefault("risk.kelly.fraction", 0.05)
	v.SetDefault("risk.kelly.min_trades", 30)
	v.SetDefault("risk.kelly.min_pos", 0.02)
	v.SetDefault("risk.kelly.max_pos", 0.25)
	v.SetDefault("risk.regime_adjustments.bull", 1.0)
	v.SetDefault("risk.regime_adjustments.sideways", 0.75)
	v.SetDefault("risk.regime_adjustments.bear", 0.5)
	v.SetDefault("risk.regime_adjustments.high_vol", 0.3)
	v.SetDefault("risk.drawdown.warn", 0.03)
	v.SetDefault("risk.drawdown.reduce", 0.05)
	v.SetDefault("risk.drawdown.halt", 0.08)
	v.SetDefault("risk.drawdown.close_half", 0.10)
	v.SetDefault("risk.drawdown.close_all", 0.12)
	v.SetDefault("risk.circuit_breaker.daily_loss", 0.02)
	v.SetDefault("risk.circuit_breaker.consec_losses", 5)
	v.SetDefault("risk.circuit_breaker.error_spike", 3)
	v.SetDefault("risk.circuit_breaker.market_vol", 0.05)

	v.SetDefault("api.retry.max_attempts", 3)
	v.SetDefault("api.retry.base_delay", 500*time.Millisecond)
	v.SetDefault("api.retry.max_delay", 8*time.Second)
	v.SetDefault("api.timeout", 5*time.Second)

	v.SetDefault("paths.data_root", "data")

	v.SetDefault("screener.threshold", 60.0)
	v.SetDefault("screener.max_watchlist", 100)
	v.SetDefault("screener.min_success_rate", 0.9)

	v.SetDefault("engine.max_holding_days", 20)
	v.SetDefault("engine.slippage_warn_pct", 0.5)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8099)

	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.retention", 14)

	v.SetDefault("notify.enabled", true)

	v.SetDefault("scheduler.timezone", "Asia/Seoul")

	v.SetDefault("strategies.optimizer", "mean_variance")
	v.SetDefault("strategies.regime", "trend_vol")
}

// Load reads the YAML file at path (empty path = defaults only), applies
// defaults for missing keys, and rejects unknown keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Artifact root is always absolute so recovery sees the same paths
	// regardless of the working directory it started from.
	abs, err := filepath.Abs(cfg.Paths.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	cfg.Paths.DataRoot = abs

	return &cfg, nil
}

// Validate checks value ranges. Returns the first violation with its key path.
func (c *Config) Validate() error {
	if c.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate_limit.per_second must be > 0")
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate_limit.per_minute must be > 0")
	}
	if c.RateLimit.PerHour <= 0 {
		return fmt.Errorf("rate_limit.per_hour must be > 0")
	}
	if c.Concurrency.BrokerageMaxInflight <= 0 {
		return fmt.Errorf("concurrency.brokerage_max_inflight must be > 0")
	}
	if c.Phase2.Batches <= 0 {
		return fmt.Errorf("phase2.batches must be > 0")
	}
	if c.Phase2.SectorCap <= 0 {
		return fmt.Errorf("phase2.sector_cap must be > 0")
	}
	if c.Phase2.BatchIntervalMinutes <= 0 {
		return fmt.Errorf("phase2.batch_interval_minutes must be > 0")
	}
	if _, err := time.Parse("15:04", c.Phase2.StartTime); err != nil {
		return fmt.Errorf("phase2.start_time must be HH:MM: %w", err)
	}
	if w := c.Phase2.PriorityCalculation; w.TechnicalW+w.VolumeW+w.VolatilityW <= 0 {
		return fmt.Errorf("phase2.priority_calculation weights must sum > 0")
	}
	if c.Risk.Kelly.MinPos <= 0 || c.Risk.Kelly.MaxPos <= c.Risk.Kelly.MinPos {
		return fmt.Errorf("risk.kelly.min_pos/max_pos must satisfy 0 < min < max")
	}
	if c.Risk.Kelly.Fraction < c.Risk.Kelly.MinPos || c.Risk.Kelly.Fraction > c.Risk.Kelly.MaxPos {
		return fmt.Errorf("risk.kelly.fraction must lie within [min_pos, max_pos]")
	}
	if c.Risk.Kelly.MinTrades < 0 {
		return fmt.Errorf("risk.kelly.min_trades must be >= 0")
	}
	d := c.Risk.Drawdown
	if !(d.Warn < d.Reduce && d.Reduce < d.Halt && d.Halt < d.CloseHalf && d.CloseHalf < d.CloseAll) {
		return fmt.Errorf("risk.drawdown thresholds must be strictly increasing")
	}
	if c.Risk.CircuitBreaker.DailyLoss <= 0 {
		return fmt.Errorf("risk.circuit_breaker.daily_loss must be > 0")
	}
	if c.API.Retry.MaxAttempts < 1 {
		return fmt.Errorf("api.retry.max_attempts must be >= 1")
	}
	if c.API.Retry.BaseDelay <= 0 || c.API.Retry.MaxDelay < c.API.Retry.BaseDelay {
		return fmt.Errorf("api.retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	if c.Screener.MaxWatchlist <= 0 {
		return fmt.Errorf("screener.max_watchlist must be > 0")
	}
	if c.Screener.MinSuccessRate < 0 || c.Screener.MinSuccessRate > 1 {
		return fmt.Errorf("screener.min_success_rate must be in [0, 1]")
	}
	if c.Engine.MaxHoldingDays <= 0 {
		return fmt.Errorf("engine.max_holding_days must be > 0")
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup.bucket is required when backup.enabled")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	return nil
}

// Location returns the scheduler timezone, already validated at load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
