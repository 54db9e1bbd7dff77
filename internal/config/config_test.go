package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	setDefaults()
	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := loadDefaults(t)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 300, cfg.Concurrency.LeaseSeconds)
	require.Equal(t, 30, cfg.Concurrency.RenewIntervalSeconds)
	require.Equal(t, 30, cfg.Concurrency.CleanupGraceSeconds)
	require.Equal(t, 1, cfg.Session.StickyTTLHours)
	require.Equal(t, 60, cfg.RateLimit.DefaultWindowSeconds)
	require.Equal(t, "localhost:6379", cfg.Redis.Address())
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = loadDefaults(t)
	cfg.System.TimezoneOffset = 20
	require.Error(t, cfg.Validate())

	cfg = loadDefaults(t)
	cfg.Concurrency.RenewIntervalSeconds = cfg.Concurrency.LeaseSeconds
	require.Error(t, cfg.Validate())
}

func TestNormalizeStringSlice(t *testing.T) {
	got := normalizeStringSlice([]string{" a ", "", "b", "a"})
	require.Equal(t, []string{"a", "b"}, got)
}
