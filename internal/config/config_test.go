package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RateLimit.PerSecond)
	assert.Equal(t, 80, cfg.RateLimit.PerMinute)
	assert.Equal(t, 1200, cfg.RateLimit.PerHour)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTLs.Price)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTLs.OHLCV)
	assert.Equal(t, 6*time.Hour, cfg.Cache.TTLs.Financial)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTLs.Universe)
	assert.Equal(t, 10, cfg.Concurrency.BrokerageMaxInflight)
	assert.Equal(t, 18, cfg.Phase2.Batches)
	assert.Equal(t, 3, cfg.Phase2.SectorCap)
	assert.Equal(t, 12, cfg.Phase2.TargetCounts.Bullish)
	assert.Equal(t, 8, cfg.Phase2.TargetCounts.Neutral)
	assert.Equal(t, 5, cfg.Phase2.TargetCounts.Bearish)
	assert.Equal(t, 30, cfg.Risk.Kelly.MinTrades)
	assert.Equal(t, 0.02, cfg.Risk.Kelly.MinPos)
	assert.Equal(t, 0.25, cfg.Risk.Kelly.MaxPos)
	assert.Equal(t, 0.3, cfg.Risk.RegimeAdjustments.HighVol)
	assert.Equal(t, 3, cfg.API.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, 20, cfg.Engine.MaxHoldingDays)
	assert.Equal(t, "Asia/Seoul", cfg.Scheduler.Timezone)
	assert.True(t, filepath.IsAbs(cfg.Paths.DataRoot))
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  per_minute: 100
  per_hour: 1500
phase2:
  batches: 12
risk:
  kelly:
    fraction: 0.04
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.RateLimit.PerMinute)
	assert.Equal(t, 1500, cfg.RateLimit.PerHour)
	assert.Equal(t, 12, cfg.Phase2.Batches)
	assert.Equal(t, 0.04, cfg.Risk.Kelly.Fraction)
	// Untouched keys keep defaults.
	assert.Equal(t, 5, cfg.RateLimit.PerSecond)
	assert.Equal(t, 3, cfg.Phase2.SectorCap)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
rate_limit:
  per_minute: 100
  per_minuet: 90
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per_minuet")
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_ValidationFailures(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{"Zero rate cap", "rate_limit:\n  per_second: 0\n"},
		{"Drawdown ladder out of order", "risk:\n  drawdown:\n    warn: 0.06\n    reduce: 0.05\n"},
		{"Kelly fraction outside clamp", "risk:\n  kelly:\n    fraction: 0.5\n"},
		{"Bad start time", "phase2:\n  start_time: \"7am\"\n"},
		{"Bad timezone", "scheduler:\n  timezone: \"Mars/Olympus\"\n"},
		{"Backup without bucket", "backup:\n  enabled: true\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestEnv_Validate(t *testing.T) {
	valid := &Env{
		AppKey:      "PSkey",
		AppSecret:   "secret",
		AccountNo:   "12345678",
		Environment: EnvVirtual,
	}
	assert.NoError(t, valid.Validate())

	testCases := []struct {
		name   string
		mutate func(*Env)
	}{
		{"Missing app key", func(e *Env) { e.AppKey = "" }},
		{"Missing secret", func(e *Env) { e.AppSecret = "" }},
		{"Short account", func(e *Env) { e.AccountNo = "1234567" }},
		{"Alpha account", func(e *Env) { e.AccountNo = "1234567A" }},
		{"Bad environment", func(e *Env) { e.Environment = "paper" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := *valid
			tc.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestEnv_NotifierConfigured(t *testing.T) {
	e := &Env{}
	assert.False(t, e.NotifierConfigured())
	e.TelegramBotToken = "123:AAA"
	assert.False(t, e.NotifierConfigured())
	e.TelegramChatID = "42"
	assert.True(t, e.NotifierConfigured())
}

func TestEnv_SecretsCoversEveryCredential(t *testing.T) {
	e := &Env{
		AppKey:           "PSkey-value",
		AppSecret:        "app-secret-value",
		TelegramBotToken: "123:AAA",
		BackupSecretKey:  "backup-secret",
		ResetKey:         "reset-key-value",
	}
	secrets := e.Secrets()
	for _, want := range []string{e.AppKey, e.AppSecret, e.TelegramBotToken, e.BackupSecretKey, e.ResetKey} {
		assert.Contains(t, secrets, want)
	}
}
