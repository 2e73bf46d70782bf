package checkout

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/pricing"
)

// IdempotencyHeader names the header that keys order creation.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the quote and order endpoints.
type Handler struct {
	Svc *Service
}

// Quote prices a cart. Anonymous callers get no membership, first-order or coin benefits.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid JSON body", nil)
		return
	}
	userID, _ := common.UserID(r.Context())
	s, err := h.Svc.Quote(r.Context(), userID, req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": pricing.View(s)})
}

// PlaceOrder creates a pending order and returns its payment redirect.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "authentication required", nil)
		return
	}
	var req PlaceOrderRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid JSON body", nil)
		return
	}
	o, created, err := h.Svc.PlaceOrder(r.Context(), userID, r.Header.Get(IdempotencyHeader), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	common.JSON(w, status, map[string]any{"data": orderView(o)})
}

// GetOrder returns one of the caller's orders.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := common.UserID(r.Context())
	o, err := h.Svc.GetOrder(r.Context(), userID, chi.URLParam(r, "orderId"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": orderView(o)})
}
