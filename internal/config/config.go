package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config is the process configuration. Every field comes from an
// environment variable listed in envKeys, with defaults from defaults.
type Config struct {
	AppEnv         string        `koanf:"app_env"`
	DatabaseURL    string        `koanf:"database_url"`
	RedisURL       string        `koanf:"redis_url"`
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`
	MigrateOnStart bool          `koanf:"migrate_on_start"`
	Timezone       string        `koanf:"timezone"`

	// StoreTimezone anchors date-only discount windows and coin expiry days.
	StoreTimezone *time.Location `koanf:"-"`

	HTTP      HTTPConfig      `koanf:"http"`
	Auth      AuthConfig      `koanf:"auth"`
	Settings  SettingsConfig  `koanf:"settings"`
	Payment   PaymentConfig   `koanf:"payment"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Coins     CoinsConfig     `koanf:"coins"`
	Obs       ObsConfig       `koanf:"obs"`
}

type HTTPConfig struct {
	Port        string   `koanf:"port"`
	CORSOrigins string   `koanf:"cors_origins"`
	Origins     []string `koanf:"-"`
}

type AuthConfig struct {
	Secret   string        `koanf:"secret"`
	Issuer   string        `koanf:"issuer"`
	Audience string        `koanf:"audience"`
	Skew     time.Duration `koanf:"skew"`
}

type SettingsConfig struct {
	CacheTTL     time.Duration `koanf:"cache_ttl"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
}

type PaymentConfig struct {
	Provider      string        `koanf:"provider"`
	BaseURL       string        `koanf:"base_url"`
	KeyID         string        `koanf:"key_id"`
	KeySecret     string        `koanf:"key_secret"`
	WebhookSecret string        `koanf:"webhook_secret"`
	ReturnURL     string        `koanf:"return_url"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxAttempts   int           `koanf:"max_attempts"`
}

// RateLimitConfig holds limiter rates in ulule format, e.g. "60-M".
type RateLimitConfig struct {
	Quote string `koanf:"quote"`
	Order string `koanf:"order"`
}

type CoinsConfig struct {
	SweepCron string        `koanf:"sweep_cron"`
	LockTTL   time.Duration `koanf:"lock_ttl"`

	// ReconcileCron schedules the pass that awards confirmed orders missing their coins.
	ReconcileCron   string        `koanf:"reconcile_cron"`
	ReconcileWindow time.Duration `koanf:"reconcile_window"`
}

type ObsConfig struct {
	LogFormat  string  `koanf:"log_format"`
	LogLevel   string  `koanf:"log_level"`
	LogFile    string  `koanf:"log_file"`
	MetricsNS  string  `koanf:"metrics_namespace"`
	OTLPURL    string  `koanf:"otlp_endpoint"`
	SampleRate float64 `koanf:"trace_sample_rate"`
}

var envKeys = map[string]string{
	"APP_ENV":                "app_env",
	"DATABASE_URL":           "database_url",
	"REDIS_URL":              "redis_url",
	"IDEMPOTENCY_TTL":        "idempotency_ttl",
	"MIGRATE_ON_START":       "migrate_on_start",
	"STORE_TIMEZONE":         "timezone",
	"PORT":                   "http.port",
	"CORS_ALLOWED_ORIGINS":   "http.cors_origins",
	"JWT_SECRET":             "auth.secret",
	"JWT_ISSUER":             "auth.issuer",
	"JWT_AUDIENCE":           "auth.audience",
	"JWT_CLOCK_SKEW":         "auth.skew",
	"SETTINGS_CACHE_TTL":     "settings.cache_ttl",
	"SETTINGS_FETCH_TIMEOUT": "settings.fetch_timeout",
	"PAYMENT_PROVIDER":       "payment.provider",
	"PAYMENT_BASE_URL":       "payment.base_url",
	"PAYMENT_KEY_ID":         "payment.key_id",
	"PAYMENT_KEY_SECRET":     "payment.key_secret",
	"PAYMENT_WEBHOOK_SECRET": "payment.webhook_secret",
	"PAYMENT_RETURN_URL":     "payment.return_url",
	"PAYMENT_TIMEOUT":        "payment.timeout",
	"PAYMENT_MAX_ATTEMPTS":   "payment.max_attempts",
	"RATE_LIMIT_QUOTE":       "ratelimit.quote",
	"RATE_LIMIT_ORDER":       "ratelimit.order",
	"COIN_SWEEP_CRON":        "coins.sweep_cron",
	"LOCK_TTL":               "coins.lock_ttl",
	"COIN_RECONCILE_CRON":    "coins.reconcile_cron",
	"COIN_RECONCILE_WINDOW":  "coins.reconcile_window",
	"OBS_LOG_FORMAT":         "obs.log_format",
	"OBS_LOG_LEVEL":          "obs.log_level",
	"OBS_LOG_FILE":           "obs.log_file",
	"OBS_METRICS_NAMESPACE":  "obs.metrics_namespace",
	"OBS_OTLP_ENDPOINT":      "obs.otlp_endpoint",
	"OBS_TRACE_SAMPLE_RATE":  "obs.trace_sample_rate",
}

var defaults = map[string]any{
	"app_env":                "development",
	"idempotency_ttl":        "24h",
	"timezone":               "Asia/Kolkata",
	"http.port":              "8080",
	"auth.skew":              "30s",
	"settings.cache_ttl":     "30s",
	"settings.fetch_timeout": "2s",
	"payment.provider":       "hosted",
	"payment.return_url":     "http://localhost:3000/checkout/complete",
	"payment.timeout":        "5s",
	"payment.max_attempts":   3,
	"ratelimit.quote":        "60-M",
	"ratelimit.order":        "10-M",
	"coins.sweep_cron":       "@every 1h",
	"coins.lock_ttl":         "5m",
	"coins.reconcile_cron":   "*/15 * * * *",
	"coins.reconcile_window": "72h",
	"obs.log_format":         "json",
	"obs.log_level":          "info",
	"obs.metrics_namespace":  "checkout",
	"obs.trace_sample_rate":  0.1,
}

// Load reads .env when present, then the process environment. Blank
// variables keep their default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, fmt.Errorf("config default %s: %w", key, err)
		}
	}
	provider := env.ProviderWithValue("", ".", func(name, value string) (string, interface{}) {
		key, ok := envKeys[name]
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			return "", nil
		}
		return key, value
	})
	if err := k.Load(provider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finish derives computed fields and checks required ones.
func (c *Config) finish() error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("STORE_TIMEZONE: %w", err)
	}
	c.StoreTimezone = loc
	for _, o := range strings.Split(c.HTTP.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.HTTP.Origins = append(c.HTTP.Origins, o)
		}
	}
	if c.Payment.MaxAttempts <= 0 {
		c.Payment.MaxAttempts = 3
	}
	if c.Obs.SampleRate < 0 || c.Obs.SampleRate > 1 {
		c.Obs.SampleRate = 0.1
	}

	switch {
	case c.DatabaseURL == "":
		return errors.New("DATABASE_URL is required")
	case c.RedisURL == "":
		return errors.New("REDIS_URL is required")
	case c.Auth.Secret == "":
		return errors.New("JWT_SECRET is required")
	case c.IsProduction() && c.Payment.WebhookSecret == "":
		return errors.New("PAYMENT_WEBHOOK_SECRET is required in production")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// HTTPAddr returns the listen address for the API.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// LoadForTests sets env for the duration of Load and restores it after.
// An empty value unsets the variable.
func LoadForTests(vars map[string]string) (*Config, error) {
	saved := make(map[string]*string, len(vars))
	for key, v := range vars {
		if old, ok := os.LookupEnv(key); ok {
			saved[key] = &old
		} else {
			saved[key] = nil
		}
		if v == "" {
			_ = os.Unsetenv(key)
		} else {
			_ = os.Setenv(key, v)
		}
	}
	defer func() {
		for key, old := range saved {
			if old == nil {
				_ = os.Unsetenv(key)
			} else {
				_ = os.Setenv(key, *old)
			}
		}
	}()
	return Load()
}
