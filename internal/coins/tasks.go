package coins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/db"
	"github.com/noah-isme/checkout-settlement/internal/obs"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// Task types handled by the worker.
const (
	TypeAward     = "coins:award"
	TypeExpire    = "coins:expire"
	TypeReconcile = "coins:reconcile"
)

const (
	sweepLockKey     = "coins:expire"
	reconcileLockKey = "coins:reconcile"
)

// AwardPayload asks the worker to credit the coins earned by a confirmed order.
type AwardPayload struct {
	OrderID string          `json:"orderId"`
	UserID  string          `json:"userId"`
	Paid    decimal.Decimal `json:"paid"`
}

// NewAwardTask builds the award task. The task id is derived from the order
// so the queue drops a second enqueue for the same order.
func NewAwardTask(p AwardPayload) (*asynq.Task, error) {
	if p.OrderID == "" || p.UserID == "" {
		return nil, errors.New("award task needs order and user")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAward, body, asynq.TaskID(TypeAward+":"+p.OrderID), asynq.MaxRetry(10)), nil
}

// NewExpireTask builds the periodic expiry sweep task.
func NewExpireTask() *asynq.Task {
	return asynq.NewTask(TypeExpire, nil, asynq.MaxRetry(1))
}

// NewReconcileTask builds the periodic task that awards confirmed orders
// whose award task was never queued.
func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TypeReconcile, nil, asynq.MaxRetry(1))
}

// Backlog finds confirmed orders that have not earned their coins yet.
type Backlog interface {
	UnawardedOrders(ctx context.Context, since time.Time, limit int) ([]AwardPayload, error)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnqueueAward schedules the award for a confirmed order. A task already
// queued for the order is not an error.
func EnqueueAward(ctx context.Context, q Enqueuer, p AwardPayload) error {
	if q == nil {
		return nil
	}
	task, err := NewAwardTask(p)
	if err != nil {
		return err
	}
	if _, err := q.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("enqueue coin award: %w", err)
	}
	return nil
}

// Locker lets one worker replica run the sweep. Exclusive reports false
// without calling fn when another replica holds the lease.
type Locker interface {
	Exclusive(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// GrantTx runs fn with a GrantStore bound to one transaction.
type GrantTx func(ctx context.Context, fn func(GrantStore) error) error

// PGGrantTx opens a Postgres transaction per call.
func PGGrantTx(b db.TxBeginner) GrantTx {
	return func(ctx context.Context, fn func(GrantStore) error) error {
		return db.WithTx(ctx, b, pgx.TxOptions{}, func(tx pgx.Tx) error {
			return fn(PGStore{DB: tx})
		})
	}
}

// Worker handles coin tasks.
type Worker struct {
	Service    *Service
	Settings   settings.Provider
	Grants     GrantTx
	Sweeper    Sweeper
	Locker     Locker
	LockTTL    time.Duration
	SweepBatch int
	Logger     zerolog.Logger

	Backlog Backlog
	Window  time.Duration // reconcile look-back, 72h when zero
}

// Register binds the task handlers to mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeAward, w.HandleAward)
	mux.HandleFunc(TypeExpire, w.HandleExpire)
	mux.HandleFunc(TypeReconcile, w.HandleReconcile)
}

// HandleAward credits the coins for one order.
func (w *Worker) HandleAward(ctx context.Context, t *asynq.Task) error {
	var p AwardPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode award payload: %v: %w", err, asynq.SkipRetry)
	}
	snap, err := w.Settings.Snapshot(ctx)
	if err != nil {
		return err
	}
	_, err = w.award(ctx, p, snap.Coins)
	return err
}

func (w *Worker) award(ctx context.Context, p AwardPayload, cfg settings.Coins) (bool, error) {
	var (
		lot     Lot
		created bool
	)
	err := w.Grants(ctx, func(store GrantStore) error {
		var err error
		lot, created, err = w.Service.Award(ctx, store, p.UserID, p.OrderID, p.Paid, cfg)
		return err
	})
	if err != nil {
		return false, err
	}
	w.Logger.Info().
		Str("order_id", p.OrderID).
		Str("user_id", p.UserID).
		Int64("coins", lot.Granted).
		Bool("created", created).
		Msg("coins awarded")
	return created, nil
}

// HandleReconcile awards every recently confirmed order that still has no
// earned lot. Award is idempotent per order, so racing the award task is safe.
func (w *Worker) HandleReconcile(ctx context.Context, _ *asynq.Task) error {
	if w.Backlog == nil {
		return nil
	}
	run := func(ctx context.Context) error {
		snap, err := w.Settings.Snapshot(ctx)
		if err != nil {
			return err
		}
		if !snap.Coins.Enabled {
			return nil
		}
		window := w.Window
		if window <= 0 {
			window = 72 * time.Hour
		}
		batch := w.SweepBatch
		if batch <= 0 {
			batch = 500
		}
		pending, err := w.Backlog.UnawardedOrders(ctx, w.Service.now().Add(-window), batch)
		if err != nil {
			return err
		}
		var (
			awarded int
			errs    []error
		)
		for _, p := range pending {
			created, err := w.award(ctx, p, snap.Coins)
			if err != nil {
				errs = append(errs, fmt.Errorf("order %s: %w", p.OrderID, err))
				continue
			}
			if created {
				awarded++
			}
		}
		if len(pending) > 0 {
			w.Logger.Warn().Int("pending", len(pending)).Int("awarded", awarded).Msg("reconciled missing coin awards")
		}
		return errors.Join(errs...)
	}
	if w.Locker == nil {
		return run(ctx)
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ran, err := w.Locker.Exclusive(ctx, reconcileLockKey, ttl, run)
	if err != nil {
		return err
	}
	if !ran {
		w.Logger.Info().Msg("coin reconcile skipped: held by another worker")
	}
	return nil
}

// HandleExpire runs one expiry sweep under the distributed lock.
func (w *Worker) HandleExpire(ctx context.Context, _ *asynq.Task) error {
	run := func(ctx context.Context) error {
		res, err := w.Service.Sweep(ctx, w.Sweeper, w.SweepBatch)
		if err != nil {
			return err
		}
		obs.CoinsExpiredTotal.Add(float64(res.Coins))
		w.Logger.Info().Int("lots", res.Lots).Int64("coins", res.Coins).Msg("coin lots expired")
		return nil
	}
	if w.Locker == nil {
		return run(ctx)
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ran, err := w.Locker.Exclusive(ctx, sweepLockKey, ttl, run)
	if err != nil {
		return err
	}
	if !ran {
		w.Logger.Info().Msg("coin sweep skipped: held by another worker")
	}
	return nil
}
