package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies KALSHIBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known KALSHIBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "KALSHIBOT_MODE")
	setStr(&cfg.LogLevel, "KALSHIBOT_LOG_LEVEL")

	setBool(&cfg.Trading.DryRun, "KALSHIBOT_TRADING_DRY_RUN")
	setBool(&cfg.Trading.KillSwitch, "KALSHIBOT_TRADING_KILL_SWITCH")
	setFloat64(&cfg.Trading.MaxRiskPerTradePct, "KALSHIBOT_TRADING_MAX_RISK_PER_TRADE_PCT")
	setInt64(&cfg.Trading.MaxDailyLossCents, "KALSHIBOT_TRADING_MAX_DAILY_LOSS_CENTS")
	setInt(&cfg.Trading.MaxOpenPositions, "KALSHIBOT_TRADING_MAX_OPEN_POSITIONS")
	setInt64(&cfg.Trading.MaxContractsPerTrade, "KALSHIBOT_TRADING_MAX_CONTRACTS_PER_TRADE")
	setInt64(&cfg.Trading.MaxContractsPerMarket, "KALSHIBOT_TRADING_MAX_CONTRACTS_PER_MARKET")

	setStr(&cfg.Kalshi.ApiKeyID, "KALSHIBOT_KALSHI_API_KEY_ID")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "KALSHIBOT_KALSHI_RSA_PRIVATE_KEY_PATH")
	setStr(&cfg.Kalshi.BaseURL, "KALSHIBOT_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.WsURL, "KALSHIBOT_KALSHI_WS_URL")

	setStr(&cfg.Postgres.DSN, "KALSHIBOT_POSTGRES_DSN")
	setBool(&cfg.Postgres.RunMigrations, "KALSHIBOT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "KALSHIBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KALSHIBOT_REDIS_PASSWORD")

	setStr(&cfg.S3.Endpoint, "KALSHIBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KALSHIBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "KALSHIBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KALSHIBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KALSHIBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.Enabled, "KALSHIBOT_S3_ENABLED")

	setStr(&cfg.LLM.APIKey, "KALSHIBOT_LLM_API_KEY")
	setStr(&cfg.LLM.BaseURL, "KALSHIBOT_LLM_BASE_URL")
	setStr(&cfg.LLM.ScanModel, "KALSHIBOT_LLM_SCAN_MODEL")
	setStr(&cfg.LLM.ValidateModel, "KALSHIBOT_LLM_VALIDATE_MODEL")

	setStr(&cfg.Notify.DiscordWebhookURL, "KALSHIBOT_NOTIFY_DISCORD_WEBHOOK_URL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
