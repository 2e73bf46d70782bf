package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-settlement/internal/app"
	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/config"
	"github.com/noah-isme/checkout-settlement/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel, obs.LogFile{Path: cfg.Obs.LogFile}).
		With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNS, prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx, cfg, logger, "checkout-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse task queue redis url")
	}

	worker := &coins.Worker{
		Service:    deps.Coins,
		Settings:   deps.Settings,
		Grants:     coins.PGGrantTx(deps.DB),
		Sweeper:    coins.PGStore{DB: deps.DB},
		Locker:     deps.Locker,
		LockTTL:    cfg.Coins.LockTTL,
		SweepBatch: 500,
		Logger:     logger,
		Backlog:    coins.PGStore{DB: deps.DB},
		Window:     cfg.Coins.ReconcileWindow,
	}
	mux := asynq.NewServeMux()
	worker.Register(mux)

	srv := asynq.NewServer(connOpt, asynq.Config{
		Concurrency: 10,
		Logger:      taskLogger{logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error().Err(err).Str("task", task.Type()).Msg("task failed")
		}),
	})
	scheduler := asynq.NewScheduler(connOpt, &asynq.SchedulerOpts{
		Location: cfg.StoreTimezone,
		Logger:   taskLogger{logger},
	})
	if _, err := scheduler.Register(cfg.Coins.SweepCron, coins.NewExpireTask()); err != nil {
		logger.Fatal().Err(err).Str("cron", cfg.Coins.SweepCron).Msg("schedule coin expiry sweep")
	}
	if _, err := scheduler.Register(cfg.Coins.ReconcileCron, coins.NewReconcileTask()); err != nil {
		logger.Fatal().Err(err).Str("cron", cfg.Coins.ReconcileCron).Msg("schedule coin award reconcile")
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	logger.Info().Str("sweep_cron", cfg.Coins.SweepCron).Str("reconcile_cron", cfg.Coins.ReconcileCron).Msg("worker started")

	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// taskLogger routes asynq's internal logging through zerolog.
type taskLogger struct {
	l zerolog.Logger
}

func (t taskLogger) Debug(args ...any) { t.l.Debug().Msg(fmt.Sprint(args...)) }
func (t taskLogger) Info(args ...any)  { t.l.Info().Msg(fmt.Sprint(args...)) }
func (t taskLogger) Warn(args ...any)  { t.l.Warn().Msg(fmt.Sprint(args...)) }
func (t taskLogger) Error(args ...any) { t.l.Error().Msg(fmt.Sprint(args...)) }
func (t taskLogger) Fatal(args ...any) { t.l.Fatal().Msg(fmt.Sprint(args...)) }
