package checkout

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/pricing"
	"github.com/noah-isme/checkout-settlement/internal/shipping"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusConfirmed      Status = "CONFIRMED"
	StatusConflict       Status = "SETTLEMENT_CONFLICT"
	StatusCancelled      Status = "CANCELLED"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotPending     = errors.New("order is not awaiting payment")
	ErrFirstOrderUsed = errors.New("first-order discount already used")
)

// PaymentIntent is what the gateway handed back for an order.
type PaymentIntent struct {
	Provider    string `json:"provider"`
	Reference   string `json:"reference"`
	RedirectURL string `json:"redirectUrl"`
}

// Order is a persisted settlement waiting for, or past, payment.
type Order struct {
	ID             string
	UserID         string
	Status         Status
	IdempotencyKey string
	Items          []pricing.Item
	Destination    shipping.Destination
	CouponCode     string
	ReferralCode   string
	Settlement     pricing.Settlement
	FinalTotal     decimal.Decimal
	ConfigVersion  string
	Fingerprint    string
	Payment        *PaymentIntent
	ConflictReason string
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
}

func orderView(o Order) map[string]any {
	view := map[string]any{
		"id":         o.ID,
		"status":     o.Status,
		"finalTotal": money.Format(o.FinalTotal),
		"settlement": pricing.View(o.Settlement),
		"createdAt":  o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if o.Payment != nil {
		view["payment"] = o.Payment
	}
	if o.ConflictReason != "" {
		view["conflictReason"] = o.ConflictReason
	}
	if o.ConfirmedAt != nil {
		view["confirmedAt"] = o.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return view
}
