package settings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-settlement/internal/events"
)

type capturePublisher struct {
	topics []string
}

func (p *capturePublisher) Emit(_ context.Context, topic, aggregateID string, _ any) (events.Event, error) {
	p.topics = append(p.topics, topic)
	return events.Event{Topic: topic, AggregateID: aggregateID}, nil
}

func TestHandlerUpdate(t *testing.T) {
	store := &stubStore{}
	pub := &capturePublisher{}
	h := &Handler{
		Svc:    &Service{Store: store, Cache: NewCache(newRedis(t), time.Minute), Logger: zerolog.Nop()},
		Events: pub,
		Logger: zerolog.Nop(),
	}
	r := chi.NewRouter()
	r.Put("/admin/settings/{key}", h.Update)

	put := func(key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/admin/settings/"+key, strings.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := put(KeyTax, `{"enabled":true,"rate":"18"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, KeyTax, out["data"]["key"])
	require.NotEmpty(t, out["data"]["version"])
	require.Contains(t, string(store.upserts[KeyTax]), `"enabled":true`)
	require.Equal(t, []string{events.TopicSettingsUpdated}, pub.topics)

	require.Equal(t, http.StatusNotFound, put("bannerSettings", `{}`).Code)
	require.Equal(t, http.StatusBadRequest, put(KeyOrder, `[1,2]`).Code)
	require.Equal(t, http.StatusBadRequest, put(KeyOrder, `{not json`).Code)
	require.Len(t, pub.topics, 1)
}
