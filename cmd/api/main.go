package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/checkout-settlement/internal/app"
	"github.com/noah-isme/checkout-settlement/internal/auth"
	"github.com/noah-isme/checkout-settlement/internal/checkout"
	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/config"
	"github.com/noah-isme/checkout-settlement/internal/db"
	"github.com/noah-isme/checkout-settlement/internal/discount"
	"github.com/noah-isme/checkout-settlement/internal/health"
	"github.com/noah-isme/checkout-settlement/internal/obs"
	"github.com/noah-isme/checkout-settlement/internal/payment"
	"github.com/noah-isme/checkout-settlement/internal/ratelimit"
	"github.com/noah-isme/checkout-settlement/internal/security"
	"github.com/noah-isme/checkout-settlement/internal/settings"
	"github.com/noah-isme/checkout-settlement/internal/shipping"
)

const maxBodyBytes = 256 << 10

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel, obs.LogFile{Path: cfg.Obs.LogFile}).
		With().Str("env", cfg.AppEnv).Str("component", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNS, prometheus.DefaultRegisterer)
	httpMetrics := obs.NewHTTPMetrics(cfg.Obs.MetricsNS, nil, prometheus.DefaultRegisterer)

	tracingEnabled := cfg.Obs.OTLPURL != ""
	if tracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "checkout-api",
			Endpoint:      cfg.Obs.OTLPURL,
			SamplingRatio: cfg.Obs.SampleRate,
			Environment:   cfg.AppEnv,
			Logger:        logger,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	deps, err := app.Build(ctx, cfg, logger, "checkout-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	limiterStore, err := ratelimit.NewRedisStore(deps.Redis, "ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter store")
	}
	quoteLimit := mustLimiter(limiterStore, "quote", cfg.RateLimit.Quote, logger)
	orderLimit := mustLimiter(limiterStore, "order", cfg.RateLimit.Order, logger)

	authMW := auth.Middleware{Verifier: deps.Verifier}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}

	checkoutHandler := &checkout.Handler{Svc: deps.Checkout}
	shippingHandler := &shipping.Handler{Settings: deps.Settings, Logger: logger}
	grants := coins.PGGrantTx(deps.DB)
	coinsHandler := &coins.Handler{Svc: deps.Coins, Grants: grants}
	discountHandler := &discount.Handler{
		Store:    discount.PGStore{DB: deps.DB, Location: cfg.StoreTimezone},
		Svc:      deps.Discounts,
		Settings: deps.Settings,
		Location: cfg.StoreTimezone,
	}
	settingsHandler := &settings.Handler{Svc: deps.Settings, Events: deps.Bus, Logger: logger}
	webhook := payment.Webhook{
		Providers: deps.Providers,
		Orders:    deps.Checkout,
		Replay:    deps.Redis,
		ReplayTTL: 72 * time.Hour,
		Logger:    logger.With().Str("component", "payment-webhook").Logger(),
	}
	healthHandler := health.Handler{
		Checker:  app.ReadinessChecker{DB: deps.DB, Redis: deps.Redis},
		Settings: deps.Settings,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(obs.HTTP{Metrics: httpMetrics, Logger: logger, Tracing: tracingEnabled}.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers{EnableHSTS: cfg.IsProduction()}.Middleware)
	r.Use(security.BodyLimit{Max: maxBodyBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", checkout.IdempotencyHeader},
		ExposedHeaders:   []string{"X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Get("/shipping/display-metrics", shippingHandler.DisplayMetrics)
		v.Post("/shipping/quote", shippingHandler.Quote)

		v.Group(func(c chi.Router) {
			c.Use(authMW.Authenticate)
			c.With(ratelimit.Handler{Limiter: quoteLimit, Scope: "quote", OnError: limiterError(logger)}.Middleware).
				Post("/checkout/quote", checkoutHandler.Quote)
		})

		v.Group(func(c chi.Router) {
			c.Use(authMW.RequireAuth)
			c.With(ratelimit.Handler{Limiter: orderLimit, Scope: "order", OnError: limiterError(logger)}.Middleware).
				Post("/checkout/orders", checkoutHandler.PlaceOrder)
			c.Get("/checkout/orders/{orderId}", checkoutHandler.GetOrder)
			c.Get("/coins/balance", coinsHandler.Balance)
		})

		v.Post("/webhooks/payment/{provider}", webhook.Handle)

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMW.RequireAdmin)
			admin.Get("/coupons", discountHandler.ListCoupons)
			admin.Post("/coupons/preview", discountHandler.Preview)
			admin.Put("/settings/{key}", settingsHandler.Update)
			admin.Group(func(g chi.Router) {
				g.Use(idem.Middleware)
				g.Post("/coupons", discountHandler.CreateCoupon)
				g.Put("/coupons/{code}", discountHandler.UpdateCoupon)
				g.Post("/referrals", discountHandler.CreateReferral)
				g.Post("/coins/grant", coinsHandler.Grant)
			})
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func mustLimiter(store limiter.Store, name, rate string, logger zerolog.Logger) *limiter.Limiter {
	lim, err := ratelimit.New(store, rate)
	if err != nil {
		logger.Fatal().Err(err).Str("limiter", name).Str("rate", rate).Msg("parse rate limit")
	}
	return lim
}

func limiterError(logger zerolog.Logger) func(error) {
	return func(err error) {
		logger.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.HTTP.Origins) == 0 {
		return []string{"*"}
	}
	return cfg.HTTP.Origins
}
