package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/checkout-settlement/internal/common"
)

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	lim, err := New(memory.NewStore(), "1-M")
	require.NoError(t, err)

	handler := Handler{Limiter: lim, Scope: "quote"}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/checkout/quote", nil)
		req.RemoteAddr = remote
		if user != "" {
			req = req.WithContext(common.WithUserID(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("10.0.0.1:1234", "")
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := send("10.0.0.1:5678", "")
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.NotEmpty(t, second.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, send("10.0.0.2:1234", "").Code)
	require.Equal(t, http.StatusOK, send("10.0.0.1:1234", "u1").Code)
}

func TestNewRejectsMalformedRate(t *testing.T) {
	_, err := New(memory.NewStore(), "sixty per minute")
	require.Error(t, err)
}

func TestUserOrIPIgnoresUnresolvedForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	require.Equal(t, "ip:10.0.0.1", UserOrIP(req))

	req = req.WithContext(common.WithUserID(req.Context(), "u9"))
	require.Equal(t, "u:u9", UserOrIP(req))
}
