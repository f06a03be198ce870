package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.Trading.DryRun, "default configuration must be paper trading")
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "yolo" }},
		{"risk pct zero", func(c *Config) { c.Trading.MaxRiskPerTradePct = 0 }},
		{"risk pct over one", func(c *Config) { c.Trading.MaxRiskPerTradePct = 1.5 }},
		{"daily loss zero", func(c *Config) { c.Trading.MaxDailyLossCents = 0 }},
		{"contract cap zero", func(c *Config) { c.Trading.MaxContractsPerTrade = 0 }},
		{"fee multiplier under one", func(c *Config) { c.Scanning.FeeSafetyMultiplier = 0.5 }},
		{"kappa floor out of range", func(c *Config) { c.Implication.KappaFloor = 1.2 }},
		{"no workers", func(c *Config) { c.Execution.Workers = 0 }},
		{"live without api key", func(c *Config) { c.Trading.DryRun = false }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "trade"
log_level = "debug"

[trading]
dry_run = true
max_daily_loss_cents = 12345

[scanning]
min_score_threshold = 0.25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, int64(12345), cfg.Trading.MaxDailyLossCents)
	assert.Equal(t, 0.25, cfg.Scanning.MinScoreThreshold)
	// Untouched fields keep their defaults.
	assert.Equal(t, 30, cfg.Execution.OrderDeadlineSeconds)
	assert.Equal(t, 0.9, cfg.Implication.KappaFloor)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KALSHIBOT_TRADING_MAX_OPEN_POSITIONS", "3")
	t.Setenv("KALSHIBOT_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("KALSHIBOT_TRADING_KILL_SWITCH", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Trading.MaxOpenPositions)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Trading.KillSwitch)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Scanning.OpportunityTTLSeconds, cfg.Scanning.OpportunityTTLSeconds)
}
