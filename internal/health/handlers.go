package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

var draining atomic.Bool

// SetReady toggles readiness. Shutdown turns it off so load balancers stop
// routing new checkouts to the instance before connections close.
func SetReady(ready bool) {
	draining.Store(!ready)
}

// Checker pings the stores the API cannot serve without.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler serves /health/live and /health/ready. When Settings is set it
// must yield a snapshot, since settlement refuses to run without one.
type Handler struct {
	Checker      Checker
	Settings     settings.Provider
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Report is the readiness body.
type Report struct {
	Status          string            `json:"status"`
	Checks          map[string]string `json:"checks"`
	SettingsVersion string            `json:"settingsVersion,omitempty"`
}

// Live always answers 200 while the process runs.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Ready probes every dependency concurrently and answers 503 if any fails
// or the instance is draining.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "draining", Checks: map[string]string{}})
		return
	}
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "unavailable", Checks: map[string]string{}})
		return
	}

	rep := Report{Status: "ok", Checks: map[string]string{}}
	var mu sync.Mutex
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			rep.Checks[name] = err.Error()
			rep.Status = "degraded"
			return
		}
		rep.Checks[name] = "ok"
	}

	// Probe failures are recorded, never returned, so every probe completes.
	var g errgroup.Group
	g.Go(func() error {
		record("db", h.Checker.PingDB(r.Context(), orDefault(h.DBTimeout, 500*time.Millisecond)))
		return nil
	})
	g.Go(func() error {
		record("redis", h.Checker.PingRedis(r.Context(), orDefault(h.RedisTimeout, 300*time.Millisecond)))
		return nil
	})
	if h.Settings != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), orDefault(h.DBTimeout, 500*time.Millisecond))
			defer cancel()
			snap, err := h.Settings.Snapshot(ctx)
			record("settings", err)
			if err == nil {
				mu.Lock()
				rep.SettingsVersion = snap.Version
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, rep)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
