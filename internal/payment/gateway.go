package payment

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/checkout-settlement/internal/checkout"
	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/obs"
)

// Gateway opens payments for checkout orders through a Provider.
type Gateway struct {
	Provider  Provider
	Currency  string
	ReturnURL string
}

// Open implements checkout.PaymentGateway.
func (g Gateway) Open(ctx context.Context, o checkout.Order) (checkout.PaymentIntent, error) {
	if g.Provider == nil {
		return checkout.PaymentIntent{}, errors.New("payment provider not configured")
	}
	ctx, span := otel.Tracer("payment.Gateway").Start(ctx, "PaymentGateway.Open")
	defer span.End()

	start := time.Now()
	providerName := g.Provider.Name()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerName),
			attribute.Int64("payment.intent.duration_ms", time.Since(start).Milliseconds()),
			attribute.String("payment.intent.result", result),
		)
		obs.PaymentIntentTotal.WithLabelValues(providerName, result).Inc()
	}()
	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.String("order.final_total", money.Format(o.FinalTotal)),
	)

	resp, err := g.Provider.CreateIntent(ctx, IntentRequest{
		OrderID:    o.ID,
		CustomerID: o.UserID,
		Amount:     o.FinalTotal,
		Currency:   g.Currency,
		ReturnURL:  g.ReturnURL,
	})
	if err != nil {
		span.RecordError(err)
		return checkout.PaymentIntent{}, err
	}
	result = "created"
	return checkout.PaymentIntent{Provider: resp.Provider, Reference: resp.Reference, RedirectURL: resp.RedirectURL}, nil
}
