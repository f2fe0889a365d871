package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SIGNALS_AUTH_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7*24*time.Hour, cfg.Signals.DistributionTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Signals.OrganicTTL)
	assert.Equal(t, "ref", cfg.Signals.DistributionParam)
	assert.Equal(t, "postgres", cfg.Signals.EventLogBackend)
	assert.Equal(t, 30, cfg.Signals.DefaultWindowDays)
	assert.Equal(t, 3, cfg.Database.ConnectRetries)
	assert.Equal(t, 100, cfg.Redis.PoolSize)
	assert.Equal(t, time.Hour, cfg.Geo.CacheTTL)
	assert.Empty(t, cfg.Server.TrustedProxies)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_RequiresMasterKeyWhenAuthEnabled(t *testing.T) {
	t.Setenv("SIGNALS_AUTH_ENABLED", "true")
	t.Setenv("SIGNALS_API_KEY_MASTER", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SIGNALS_AUTH_ENABLED", "false")
	t.Setenv("SIGNALS_DISTRIBUTION_TTL", "48h")
	t.Setenv("SIGNALS_METRICS_BACKEND", "redis")
	t.Setenv("SIGNALS_CLICKHOUSE_ADDRS", "ch1:9000, ch2:9000")
	t.Setenv("SIGNALS_TRUSTED_PROXIES", "10.0.0.0/8, 172.16.0.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.Signals.DistributionTTL)
	assert.Equal(t, "redis", cfg.Signals.MetricsBackend)
	assert.Equal(t, []string{"ch1:9000", "ch2:9000"}, cfg.ClickHouse.Addrs)
	assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.1"}, cfg.Server.TrustedProxies)
}

func TestValidate_UnknownBackend(t *testing.T) {
	t.Setenv("SIGNALS_AUTH_ENABLED", "false")
	t.Setenv("SIGNALS_EVENT_LOG_BACKEND", "mongo")

	_, err := Load()
	assert.ErrorContains(t, err, "event log backend")
}
