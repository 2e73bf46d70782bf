// Package app assembles the services shared by the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/checkout-settlement/internal/auth"
	"github.com/noah-isme/checkout-settlement/internal/checkout"
	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/config"
	"github.com/noah-isme/checkout-settlement/internal/discount"
	"github.com/noah-isme/checkout-settlement/internal/events"
	"github.com/noah-isme/checkout-settlement/internal/lock"
	"github.com/noah-isme/checkout-settlement/internal/obs"
	"github.com/noah-isme/checkout-settlement/internal/payment"
	"github.com/noah-isme/checkout-settlement/internal/resilience"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// Dependencies enumerates the services shared across modules.
type Dependencies struct {
	Config    *config.Config
	Logger    zerolog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Tasks     *asynq.Client
	Settings  *settings.Service
	Discounts *discount.Service
	Coins     *coins.Service
	Bus       *events.Bus
	Checkout  *checkout.Service
	Providers map[string]payment.Provider
	Verifier  *auth.Verifier
	Locker    lock.Locker
}

// Build connects to Postgres and Redis and wires the domain services.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, appName string) (*Dependencies, error) {
	pool, err := NewPool(ctx, cfg.DatabaseURL, appName, logger)
	if err != nil {
		return nil, err
	}
	rdb, err := NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("parse task queue redis url: %w", err)
	}

	d := &Dependencies{
		Config: cfg,
		Logger: logger,
		DB:     pool,
		Redis:  rdb,
		Tasks:  asynq.NewClient(connOpt),
		Locker: lock.Locker{R: rdb},
	}
	d.Settings = &settings.Service{
		Store:        settings.PGStore{Pool: pool},
		Cache:        settings.NewCache(rdb, cfg.Settings.CacheTTL),
		Logger:       logger.With().Str("component", "settings").Logger(),
		FetchTimeout: cfg.Settings.FetchTimeout,
	}
	d.Discounts = &discount.Service{Store: discount.PGStore{DB: pool, Location: cfg.StoreTimezone}}
	d.Coins = &coins.Service{Store: coins.PGStore{DB: pool}}
	d.Bus = &events.Bus{
		Store:     events.PGStore{DB: pool},
		Notifiers: []events.Notifier{checkout.AwardOnConfirm{Queue: d.Tasks}},
	}
	d.Providers = PaymentProviders(cfg, logger)
	provider, ok := d.Providers[cfg.Payment.Provider]
	if !ok {
		d.Close()
		return nil, fmt.Errorf("unknown PAYMENT_PROVIDER %q", cfg.Payment.Provider)
	}
	orders := checkout.PGStore{DB: pool}
	d.Checkout = &checkout.Service{
		Settings:  d.Settings,
		Catalog:   orders,
		Orders:    orders,
		Tx:        checkout.PGTransactor{Pool: pool, Location: cfg.StoreTimezone},
		Discounts: d.Discounts,
		Coins:     d.Coins,
		Payments:  payment.Gateway{Provider: provider, Currency: "INR", ReturnURL: cfg.Payment.ReturnURL},
		Events:    d.Bus,
		Logger:    logger.With().Str("component", "checkout").Logger(),
	}
	d.Verifier = auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.Skew)
	return d, nil
}

// Close releases the connections opened by Build.
func (d *Dependencies) Close() {
	if d.Tasks != nil {
		if err := d.Tasks.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close task client")
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

const slowQuery = 250 * time.Millisecond

// NewPool opens a traced pgx pool and checks connectivity.
func NewPool(ctx context.Context, databaseURL, appName string, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{SlowQuery: slowQuery, Logger: logger}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis opens an instrumented Redis client and checks connectivity.
func NewRedis(ctx context.Context, redisURL string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// PaymentProviders returns the providers keyed by the name used in webhook URLs.
func PaymentProviders(cfg *config.Config, logger zerolog.Logger) map[string]payment.Provider {
	breaker := resilience.NewBreaker(10, 0.5, 30*time.Second).
		WithTarget("payment-provider").
		WithLogger(logger)
	hosted := payment.Hosted{
		KeyID:         cfg.Payment.KeyID,
		KeySecret:     cfg.Payment.KeySecret,
		WebhookSecret: cfg.Payment.WebhookSecret,
		BaseURL:       cfg.Payment.BaseURL,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     breaker,
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: cfg.Payment.MaxAttempts,
			Jitter:      0.2,
			Timeout:     cfg.Payment.Timeout,
		},
	}
	return map[string]payment.Provider{hosted.Name(): hosted}
}

// ReadinessChecker probes the shared connections for /health/ready.
type ReadinessChecker struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

func (c ReadinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.DB == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.DB.Ping(ctx)
}

func (c ReadinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.Redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Redis.Ping(ctx).Err()
}
