package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/resilience"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Signature"

// Hosted talks to a hosted payment-link provider: the shopper is redirected
// to the provider's page and the outcome arrives by signed webhook. Without a
// BaseURL it runs in sandbox mode and synthesises links locally.
type Hosted struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	HTTP          resilience.HTTPClient
}

// Name implements Provider.
func (Hosted) Name() string { return "hosted" }

type linkRequest struct {
	ReferenceID string `json:"reference_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	CustomerID  string `json:"customer_id,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type linkResponse struct {
	ID       string `json:"id"`
	ShortURL string `json:"short_url"`
}

// CreateIntent opens a payment link for the order amount in minor units.
func (h Hosted) CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return IntentResponse{}, errors.New("order id is required")
	}
	if !req.Amount.IsPositive() {
		return IntentResponse{}, errors.New("amount must be positive")
	}
	base := strings.TrimRight(strings.TrimSpace(h.BaseURL), "/")
	if base == "" {
		ref := "plink_" + strings.ReplaceAll(req.OrderID, "-", "")
		return IntentResponse{
			Provider:    h.Name(),
			Reference:   ref,
			RedirectURL: "https://pay.sandbox.local/l/" + ref,
		}, nil
	}
	currency := req.Currency
	if currency == "" {
		currency = "INR"
	}
	body, err := json.Marshal(linkRequest{
		ReferenceID: req.OrderID,
		Amount:      money.Paise(req.Amount),
		Currency:    currency,
		CustomerID:  req.CustomerID,
		CallbackURL: req.ReturnURL,
	})
	if err != nil {
		return IntentResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/payment_links", bytes.NewReader(body))
	if err != nil {
		return IntentResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.OrderID)
	httpReq.SetBasicAuth(h.KeyID, h.KeySecret)

	resp, err := h.HTTP.Do(ctx, httpReq)
	if err != nil {
		return IntentResponse{}, fmt.Errorf("create payment link: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return IntentResponse{}, err
	}
	if resp.StatusCode >= 300 {
		return IntentResponse{}, fmt.Errorf("create payment link: provider returned %d", resp.StatusCode)
	}
	var link linkResponse
	if err := json.Unmarshal(raw, &link); err != nil {
		return IntentResponse{}, fmt.Errorf("decode payment link: %w", err)
	}
	if link.ID == "" || link.ShortURL == "" {
		return IntentResponse{}, errors.New("payment link response is incomplete")
	}
	return IntentResponse{Provider: h.Name(), Reference: link.ID, RedirectURL: link.ShortURL}, nil
}

type webhookPayload struct {
	OrderID   string          `json:"orderId"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
}

// VerifyWebhook checks the body signature and normalises the payload.
func (h Hosted) VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error) {
	expected := h.Sign(body)
	provided := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return WebhookResult{Valid: false, Err: errors.New("invalid signature")}, nil
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookResult{Valid: false, Err: err}, nil
	}
	if strings.TrimSpace(payload.OrderID) == "" {
		return WebhookResult{Valid: false, Err: errors.New("missing order id")}, nil
	}
	return WebhookResult{
		Valid:     true,
		OrderID:   strings.TrimSpace(payload.OrderID),
		Reference: payload.Reference,
		Amount:    payload.Amount,
		Status:    NormaliseStatus(payload.Status),
		Payload:   body,
	}, nil
}

// Sign returns the signature the provider attaches to body. Empty when no secret is configured.
func (h Hosted) Sign(body []byte) string {
	key := strings.TrimSpace(h.WebhookSecret)
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
