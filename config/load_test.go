package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleConfig = `
env: dev
scheduler:
  max_pending: 2m
  retry_backoff: 500ms
  max_retry_backoff: 5s
  default_retries: 2
  tick_interval: 50ms
dispatcher:
  queue_size: 64
  workers: 2
venue:
  kind: paper
  paper:
    latency: 5ms
    auto_accept: true
store:
  path: /tmp/orderdeps
api:
  addr: ":8090"
  allowed_origins: ["http://localhost:3000"]
symbols:
  BTCUSDT:
    tick_size: 0.1
    step_size: 0.001
    min_qty: 0.001
    max_qty: 10
    min_notional: 5
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.MaxPending)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.RetryBackoff)
	assert.Equal(t, 2, cfg.Scheduler.DefaultRetries)
	assert.Equal(t, 64, cfg.Dispatcher.QueueSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Venue.Paper.Latency)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.API.AllowedOrigins)

	// 未出现在 YAML 中的字段保留默认值
	assert.Equal(t, time.Hour, cfg.Scheduler.RetainTerminal)
	assert.Equal(t, 30*time.Second, cfg.Venue.Reconcile.Interval)
	assert.Equal(t, "orderdeps", cfg.Monitor.Namespace)
}

func TestConstraints(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	c, ok := cfg.Constraints()["BTCUSDT"]
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.1").Equal(c.TickSize))
	assert.True(t, decimal.RequireFromString("0.001").Equal(c.StepSize))
	assert.True(t, decimal.NewFromInt(10).Equal(c.MaxQty))
	assert.True(t, decimal.NewFromInt(5).Equal(c.MinNotional))
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv(EnvEnv, "prod")
	t.Setenv(EnvVenueKind, VenueWS)
	t.Setenv(EnvVenueURL, "ws://venue.test/orders")
	t.Setenv(EnvMaxPending, "30s")
	t.Setenv(EnvDefaultRetries, "5")

	cfg, err := LoadWithEnvOverrides(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, VenueWS, cfg.Venue.Kind)
	assert.Equal(t, "ws://venue.test/orders", cfg.Venue.WS.URL)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.MaxPending)
	assert.Equal(t, 5, cfg.Scheduler.DefaultRetries)
}

func TestLoadWithEnvFile(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("OD_API_ADDR=127.0.0.1:9999\n"), 0o644))
	// godotenv 不覆盖已存在的变量；t.Setenv 负责测试结束后清理
	t.Setenv(EnvAPIAddr, "")
	require.NoError(t, os.Unsetenv(EnvAPIAddr))

	cfg, err := LoadWithEnvOverrides(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Addr)
}

func TestLoadWithEnvOverridesBadValue(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv(EnvMaxPending, "soon")
	_, err := LoadWithEnvOverrides(path, filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMaxPending)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"missing env", func(c *AppConfig) { c.Env = "" }},
		{"zero tick", func(c *AppConfig) { c.Scheduler.TickInterval = 0 }},
		{"negative retries", func(c *AppConfig) { c.Scheduler.DefaultRetries = -1 }},
		{"negative queue", func(c *AppConfig) { c.Dispatcher.QueueSize = -1 }},
		{"unknown venue", func(c *AppConfig) { c.Venue.Kind = "fix" }},
		{"ws without url", func(c *AppConfig) { c.Venue.Kind = VenueWS }},
		{"paper rates", func(c *AppConfig) { c.Venue.Paper.TransientRate = 0.7; c.Venue.Paper.RejectRate = 0.5 }},
		{"qty bounds", func(c *AppConfig) {
			c.Symbols = map[string]SymbolConfig{"X": {MinQty: 2, MaxQty: 1}}
		}},
	}
	require.NoError(t, Validate(Default()))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
