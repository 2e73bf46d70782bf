package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-settlement/internal/resilience"
)

func TestHostedSandboxIntent(t *testing.T) {
	h := Hosted{}
	resp, err := h.CreateIntent(context.Background(), IntentRequest{OrderID: "a1b2-c3", Amount: decimal.RequireFromString("549.20")})
	require.NoError(t, err)
	require.Equal(t, "hosted", resp.Provider)
	require.Equal(t, "plink_a1b2c3", resp.Reference)
	require.Equal(t, "https://pay.sandbox.local/l/plink_a1b2c3", resp.RedirectURL)

	_, err = h.CreateIntent(context.Background(), IntentRequest{OrderID: "o1", Amount: decimal.Zero})
	require.Error(t, err)
}

func TestHostedCreatesPaymentLink(t *testing.T) {
	var got linkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "key", user)
		require.Equal(t, "secret", pass)
		require.Equal(t, "/v1/payment_links", r.URL.Path)
		require.Equal(t, "o1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"plink_1","short_url":"https://pay.example/l/1"}`))
	}))
	defer srv.Close()

	h := Hosted{KeyID: "key", KeySecret: "secret", BaseURL: srv.URL, HTTP: resilience.HTTPClient{Client: srv.Client()}}
	resp, err := h.CreateIntent(context.Background(), IntentRequest{OrderID: "o1", Amount: decimal.RequireFromString("549.20"), ReturnURL: "https://shop/done"})
	require.NoError(t, err)
	require.Equal(t, "plink_1", resp.Reference)
	require.Equal(t, "https://pay.example/l/1", resp.RedirectURL)
	require.Equal(t, int64(54920), got.Amount)
	require.Equal(t, "INR", got.Currency)
	require.Equal(t, "o1", got.ReferenceID)
}

func TestHostedProviderErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := Hosted{BaseURL: srv.URL, HTTP: resilience.HTTPClient{Client: srv.Client()}}
	_, err := h.CreateIntent(context.Background(), IntentRequest{OrderID: "o1", Amount: decimal.NewFromInt(10)})
	require.ErrorContains(t, err, "400")
}

func TestHostedVerifyWebhook(t *testing.T) {
	h := Hosted{WebhookSecret: "whsec"}
	body := []byte(`{"orderId":"o1","reference":"plink_1","amount":"549.20","status":"captured"}`)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(SignatureHeader, h.Sign(body))
	res, err := h.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, "o1", res.OrderID)
	require.Equal(t, StatusPaid, res.Status)
	require.Equal(t, "549.2", res.Amount.String())

	req.Header.Set(SignatureHeader, Hosted{WebhookSecret: "other"}.Sign(body))
	res, err = h.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.False(t, res.Valid)

	res, err = Hosted{}.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.False(t, res.Valid)
}
