package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL": "postgres://localhost/checkout",
		"REDIS_URL":    "redis://localhost:6379/0",
		"JWT_SECRET":   "secret",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "Asia/Kolkata", cfg.StoreTimezone.String())
	require.Equal(t, 30*time.Second, cfg.Settings.CacheTTL)
	require.Equal(t, 2*time.Second, cfg.Settings.FetchTimeout)
	require.Equal(t, 3, cfg.Payment.MaxAttempts)
	require.Equal(t, 5*time.Second, cfg.Payment.Timeout)
	require.Equal(t, "60-M", cfg.RateLimit.Quote)
	require.Equal(t, "@every 1h", cfg.Coins.SweepCron)
	require.Equal(t, "*/15 * * * *", cfg.Coins.ReconcileCron)
	require.Equal(t, 72*time.Hour, cfg.Coins.ReconcileWindow)
	require.Equal(t, 0.1, cfg.Obs.SampleRate)
	require.False(t, cfg.MigrateOnStart)
	require.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PORT"] = ":9090"
	env["SETTINGS_CACHE_TTL"] = "5m"
	env["PAYMENT_MAX_ATTEMPTS"] = "-2"
	env["STORE_TIMEZONE"] = "UTC"
	env["MIGRATE_ON_START"] = "true"
	env["OBS_TRACE_SAMPLE_RATE"] = "0.5"
	env["CORS_ALLOWED_ORIGINS"] = "https://a.example, ,https://b.example"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, 5*time.Minute, cfg.Settings.CacheTTL)
	require.Equal(t, 3, cfg.Payment.MaxAttempts)
	require.Equal(t, time.UTC, cfg.StoreTimezone)
	require.True(t, cfg.MigrateOnStart)
	require.Equal(t, 0.5, cfg.Obs.SampleRate)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.Origins)
}

func TestLoadBlankKeepsDefault(t *testing.T) {
	env := baseEnv()
	env["OBS_LOG_LEVEL"] = "   "
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Obs.LogLevel)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	env := baseEnv()
	env["PAYMENT_TIMEOUT"] = "soon"
	_, err := LoadForTests(env)
	require.Error(t, err)
}

func TestLoadRequiredValues(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "JWT_SECRET"} {
		t.Run(key, func(t *testing.T) {
			env := baseEnv()
			env[key] = ""
			_, err := LoadForTests(env)
			require.ErrorContains(t, err, key)
		})
	}

	env := baseEnv()
	env["APP_ENV"] = "production"
	_, err := LoadForTests(env)
	require.ErrorContains(t, err, "PAYMENT_WEBHOOK_SECRET")
}

func TestLoadRejectsUnknownTimezone(t *testing.T) {
	env := baseEnv()
	env["STORE_TIMEZONE"] = "Mars/Olympus"
	_, err := LoadForTests(env)
	require.Error(t, err)
}
