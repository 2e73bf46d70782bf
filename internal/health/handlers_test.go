package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-settlement/internal/health"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

type stubChecker struct {
	dbErr    error
	redisErr error
}

func (s stubChecker) PingDB(context.Context, time.Duration) error    { return s.dbErr }
func (s stubChecker) PingRedis(context.Context, time.Duration) error { return s.redisErr }

type failingSettings struct{}

func (failingSettings) Snapshot(context.Context) (settings.Snapshot, error) {
	return settings.Snapshot{}, errors.New("settings unavailable")
}

func ready(t *testing.T, h health.Handler) (int, health.Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	var rep health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	return rec.Code, rep
}

func TestLive(t *testing.T) {
	rec := httptest.NewRecorder()
	health.Handler{}.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestReadyReportsEveryDependency(t *testing.T) {
	snap := settings.Defaults()
	snap.Version = "v-test"

	code, rep := ready(t, health.Handler{Checker: stubChecker{}, Settings: settings.Static(snap)})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", rep.Status)
	require.Equal(t, map[string]string{"db": "ok", "redis": "ok", "settings": "ok"}, rep.Checks)
	require.Equal(t, "v-test", rep.SettingsVersion)
}

func TestReadyFailures(t *testing.T) {
	cases := map[string]health.Handler{
		"db":       {Checker: stubChecker{dbErr: errors.New("db down")}},
		"redis":    {Checker: stubChecker{redisErr: errors.New("redis down")}},
		"settings": {Checker: stubChecker{}, Settings: failingSettings{}},
	}
	for failing, h := range cases {
		t.Run(failing, func(t *testing.T) {
			code, rep := ready(t, h)
			require.Equal(t, http.StatusServiceUnavailable, code)
			require.Equal(t, "degraded", rep.Status)
			require.NotEqual(t, "ok", rep.Checks[failing])
		})
	}
}

func TestReadyWhileDraining(t *testing.T) {
	t.Cleanup(func() { health.SetReady(true) })
	h := health.Handler{Checker: stubChecker{}}

	code, _ := ready(t, h)
	require.Equal(t, http.StatusOK, code)

	health.SetReady(false)
	code, rep := ready(t, h)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "draining", rep.Status)
}
