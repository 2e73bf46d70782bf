package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/checkout-settlement/internal/checkout"
	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/obs"
)

const maxWebhookBody = 1 << 20

// Orders is the slice of the checkout service the webhook drives.
type Orders interface {
	Confirm(ctx context.Context, orderID string, paid *decimal.Decimal) (checkout.Order, error)
	Cancel(ctx context.Context, orderID string) (checkout.Order, error)
}

// Webhook handles payment provider callbacks: signature check, replay guard,
// then confirmation or cancellation of the order.
type Webhook struct {
	Providers map[string]Provider
	Orders    Orders
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// Handle processes a callback for the provider named in the URL.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	ctx, span := otel.Tracer("payment.Webhook").Start(r.Context(), "PaymentWebhook.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("payment.provider", providerKey))

	result := "error"
	defer func() {
		obs.PaymentWebhookTotal.WithLabelValues(providerKey, result).Inc()
	}()

	provider, ok := h.Providers[providerKey]
	if !ok {
		result = "unknown_provider"
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "unable to read payload", nil)
		return
	}
	verified, err := provider.VerifyWebhook(r, body)
	if err != nil {
		span.RecordError(err)
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid webhook payload", nil)
		return
	}
	if !verified.Valid {
		result = "invalid_signature"
		h.Logger.Warn().Err(verified.Err).Str("provider", providerKey).Msg("payment webhook rejected")
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "signature verification failed", nil)
		return
	}
	span.SetAttributes(attribute.String("order.id", verified.OrderID), attribute.String("payment.status", verified.Status))

	replayKey := fmt.Sprintf("wh:%s:%s", providerKey, common.Digest(body))
	if h.Replay != nil && h.ReplayTTL > 0 {
		fresh, err := h.Replay.SetNX(ctx, replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			span.RecordError(err)
			common.JSONError(w, http.StatusServiceUnavailable, common.CodeInternal, "replay store unavailable", nil)
			return
		}
		if !fresh {
			result = "duplicate"
			common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"orderId": verified.OrderID, "duplicate": true}})
			return
		}
	}

	var (
		order checkout.Order
		acted bool
	)
	switch verified.Status {
	case StatusPaid:
		order, err = h.Orders.Confirm(ctx, verified.OrderID, &verified.Amount)
		acted = true
	case StatusFailed, StatusExpired:
		order, err = h.Orders.Cancel(ctx, verified.OrderID)
		acted = true
	}
	if err != nil {
		span.RecordError(err)
		h.fail(ctx, w, replayKey, verified, err)
		result = "rejected"
		var appErr *common.AppError
		if !errors.As(err, &appErr) || appErr.HTTPStatus >= 500 {
			result = "error"
		}
		return
	}
	if !acted {
		result = "ignored"
		common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"orderId": verified.OrderID, "status": verified.Status}})
		return
	}
	result = strings.ToLower(verified.Status)
	h.Logger.Info().
		Str("provider", providerKey).
		Str("order_id", order.ID).
		Str("payment_status", verified.Status).
		Str("order_status", string(order.Status)).
		Msg("payment webhook processed")
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"orderId": order.ID, "status": order.Status}})
}

// fail reports err. The replay key is released for server-side failures so
// the provider's retry is processed again.
func (h Webhook) fail(ctx context.Context, w http.ResponseWriter, replayKey string, verified WebhookResult, err error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus > 0 && appErr.HTTPStatus < 500 {
		h.Logger.Warn().Err(err).Str("order_id", verified.OrderID).Str("code", appErr.Code).Msg("payment webhook not applied")
		common.WriteError(w, appErr)
		return
	}
	if h.Replay != nil {
		if delErr := h.Replay.Del(context.WithoutCancel(ctx), replayKey).Err(); delErr != nil {
			h.Logger.Error().Err(delErr).Msg("release webhook replay key")
		}
	}
	h.Logger.Error().Err(err).Str("order_id", verified.OrderID).Msg("payment webhook failed")
	common.WriteError(w, err)
}
