package payment

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// Normalised payment statuses reported by providers.
const (
	StatusPaid    = "PAID"
	StatusPending = "PENDING"
	StatusFailed  = "FAILED"
	StatusExpired = "EXPIRED"
)

// IntentRequest captures the information required to open a payment with a provider.
type IntentRequest struct {
	OrderID    string
	CustomerID string
	Amount     decimal.Decimal
	Currency   string
	ReturnURL  string
}

// IntentResponse is what the provider handed back for a new payment.
type IntentResponse struct {
	Provider    string
	Reference   string
	RedirectURL string
}

// WebhookResult contains the normalised data extracted from a webhook after signature verification.
type WebhookResult struct {
	Valid     bool
	OrderID   string
	Reference string
	Amount    decimal.Decimal
	Status    string
	Payload   []byte
	Err       error
}

// Provider abstracts the operations required from an upstream payment provider.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (IntentResponse, error)
	VerifyWebhook(r *http.Request, body []byte) (WebhookResult, error)
}

// NormaliseStatus maps provider status words onto the statuses above.
func NormaliseStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid", "captured", "success", "settled":
		return StatusPaid
	case "failed", "cancelled", "canceled", "deny":
		return StatusFailed
	case "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}
