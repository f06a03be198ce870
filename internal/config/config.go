// Package config defines the top-level configuration for the kalshi bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by KALSHIBOT_* environment
// variables.
type Config struct {
	Trading     TradingConfig     `toml:"trading"`
	Scanning    ScanningConfig    `toml:"scanning"`
	Execution   ExecutionConfig   `toml:"execution"`
	Implication ImplicationConfig `toml:"implication"`
	Kalshi      KalshiConfig      `toml:"kalshi"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	LLM         LLMConfig         `toml:"llm"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// TradingConfig holds the risk governor's limits. Money amounts are cents.
type TradingConfig struct {
	DryRun                bool    `toml:"dry_run"`
	MaxRiskPerTradePct    float64 `toml:"max_risk_per_trade_pct"`
	MaxDailyLossCents     int64   `toml:"max_daily_loss_cents"`
	MaxOpenPositions      int     `toml:"max_open_positions"`
	MaxContractsPerTrade  int64   `toml:"max_contracts_per_trade"`
	MaxContractsPerMarket int64   `toml:"max_contracts_per_market"`
	KillSwitch            bool    `toml:"kill_switch"`
}

// ScanningConfig holds detection thresholds and cadences.
type ScanningConfig struct {
	MinScoreThreshold       float64 `toml:"min_score_threshold"`
	FeeSafetyMultiplier     float64 `toml:"fee_safety_multiplier"`
	PartitionEpsilonCents   int64   `toml:"partition_epsilon_cents"`
	OpportunityTTLSeconds   int     `toml:"opportunity_ttl_seconds"`
	FullScanIntervalSeconds int     `toml:"full_scan_interval_seconds"`
	OpportunityRecheckSecs  int     `toml:"opportunity_recheck_seconds"`
	RelationshipRescanHours int     `toml:"relationship_rescan_hours"`
	ConfidenceFloor         float64 `toml:"confidence_floor"`
}

// ExecutionConfig holds order handling parameters.
type ExecutionConfig struct {
	OrderDeadlineSeconds int   `toml:"order_deadline_seconds"`
	HedgeWidenCents      int64 `toml:"hedge_widen_cents"`
	MaxUnwindLossCents   int64 `toml:"max_unwind_loss_cents"`
	Workers              int   `toml:"workers"`
	QueueCapacity        int   `toml:"queue_capacity"`
	ZeroFillIsFailure    bool  `toml:"zero_fill_is_failure"`
}

// ImplicationConfig gates soft IMPLICATION trading.
type ImplicationConfig struct {
	KappaFloor               float64 `toml:"kappa_floor"`
	SoftThresholdCents       int64   `toml:"soft_threshold_cents"`
	RequireHuman             bool    `toml:"require_human"`
}

// KalshiConfig holds Kalshi exchange API credentials and endpoints.
type KalshiConfig struct {
	ApiKeyID          string `toml:"api_key_id"`
	RsaPrivateKeyPath string `toml:"rsa_private_key_path"`
	BaseURL           string `toml:"base_url"`
	WsURL             string `toml:"ws_url"`
	RateLimitPerSec   int    `toml:"rate_limit_per_sec"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"pool_max_conns"`
	MinConns      int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object-storage parameters for snapshot archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Enabled        bool   `toml:"enabled"`
}

// LLMConfig holds the relationship discovery/validation model settings.
type LLMConfig struct {
	APIKey         string  `toml:"api_key"`
	BaseURL        string  `toml:"base_url"`
	ScanModel      string  `toml:"scan_model"`
	ValidateModel  string  `toml:"validate_model"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	MaxBatch       int     `toml:"max_batch"`
	Temperature    float32 `toml:"temperature"`
}

// NotifyConfig holds alerting parameters.
type NotifyConfig struct {
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns the built-in configuration used when a field is absent
// from the TOML file.
func Defaults() Config {
	return Config{
		Trading: TradingConfig{
			DryRun:                true,
			MaxRiskPerTradePct:    0.02,
			MaxDailyLossCents:     5000,
			MaxOpenPositions:      10,
			MaxContractsPerTrade:  50,
			MaxContractsPerMarket: 200,
		},
		Scanning: ScanningConfig{
			MinScoreThreshold:       0.05,
			FeeSafetyMultiplier:     2.0,
			PartitionEpsilonCents:   2,
			OpportunityTTLSeconds:   15,
			FullScanIntervalSeconds: 60,
			OpportunityRecheckSecs:  15,
			RelationshipRescanHours: 24,
			ConfidenceFloor:         0.7,
		},
		Execution: ExecutionConfig{
			OrderDeadlineSeconds: 30,
			HedgeWidenCents:      3,
			MaxUnwindLossCents:   500,
			Workers:              4,
			QueueCapacity:        100,
			ZeroFillIsFailure:    false,
		},
		Implication: ImplicationConfig{
			KappaFloor:         0.9,
			SoftThresholdCents: 8,
			RequireHuman:       true,
		},
		Kalshi: KalshiConfig{
			BaseURL:         "https://api.elections.kalshi.com/trade-api/v2",
			WsURL:           "wss://api.elections.kalshi.com/trade-api/ws/v2",
			RateLimitPerSec: 10,
		},
		Postgres: PostgresConfig{
			MaxConns:      8,
			MinConns:      2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 8,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			ScanModel:      "gpt-4o-mini",
			ValidateModel:  "gpt-4o",
			TimeoutSeconds: 30,
			MaxBatch:       40,
		},
		Mode:     "scan",
		LogLevel: "info",
	}
}

// Validate checks cross-field consistency. It returns the first problem
// found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "trade", "scan", "discover":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}
	if c.Trading.MaxRiskPerTradePct <= 0 || c.Trading.MaxRiskPerTradePct > 1 {
		return fmt.Errorf("config: max_risk_per_trade_pct must be in (0,1], got %v", c.Trading.MaxRiskPerTradePct)
	}
	if c.Trading.MaxDailyLossCents <= 0 {
		return fmt.Errorf("config: max_daily_loss_cents must be positive")
	}
	if c.Trading.MaxContractsPerTrade <= 0 || c.Trading.MaxContractsPerMarket <= 0 {
		return fmt.Errorf("config: contract caps must be positive")
	}
	if c.Scanning.FeeSafetyMultiplier < 1 {
		return fmt.Errorf("config: fee_safety_multiplier must be >= 1, got %v", c.Scanning.FeeSafetyMultiplier)
	}
	if c.Implication.KappaFloor < 0 || c.Implication.KappaFloor > 1 {
		return fmt.Errorf("config: kappa_floor must be in [0,1]")
	}
	if c.Execution.Workers <= 0 {
		return fmt.Errorf("config: execution workers must be positive")
	}
	if !c.Trading.DryRun && c.Kalshi.ApiKeyID == "" {
		return fmt.Errorf("config: kalshi api_key_id is required for live trading")
	}
	if !c.Trading.DryRun && c.Kalshi.RsaPrivateKeyPath == "" {
		return fmt.Errorf("config: kalshi rsa_private_key_path is required for live trading")
	}
	return nil
}
