package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, time.Second, cfg.Channel.ReconnectMin)
	require.Equal(t, 30*time.Second, cfg.Channel.ReconnectMax)
	require.Equal(t, 500*time.Millisecond, cfg.Payments.PollInterval)
	require.Equal(t, "@hourly", cfg.Maintenance.ExpireSchedule)
	require.True(t, cfg.Monitoring.Prometheus.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := []byte(`
server:
  port: 9100
  log_level: debug
auth:
  jwt:
    secret: test-secret
    access_token_ttl: 30m
payments:
  currency: EUR
  success_delay: 2s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "test-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, 30*time.Minute, cfg.Auth.JWT.TTL)
	require.Equal(t, "EUR", cfg.Payments.Currency)
	require.Equal(t, 2*time.Second, cfg.Payments.SuccessDelay)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	// No secret configured.
	require.Error(t, cfg.Validate())

	cfg.Auth.JWT.Secret = "s3cret"
	require.NoError(t, cfg.Validate())

	cfg.Channel.ReconnectMax = cfg.Channel.ReconnectMin / 2
	require.Error(t, cfg.Validate())
}
