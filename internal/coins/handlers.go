package coins

import (
	"context"
	"net/http"
	"strings"

	"github.com/noah-isme/checkout-settlement/internal/common"
)

// Handler exposes the coin balance and the admin grant endpoint.
type Handler struct {
	Svc    *Service
	Grants GrantTx
}

type grantRequest struct {
	UserID     string `json:"userId" validate:"required,max=64"`
	Coins      int64  `json:"coins" validate:"required,gt=0,lte=1000000"`
	ExpiryDays int    `json:"expiryDays" validate:"gte=0,lte=3650"`
	Reference  string `json:"reference" validate:"max=100"`
}

// Balance returns the caller's usable coins.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	bal, err := h.Svc.Balance(r.Context(), userID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed to load coin balance", nil)
		return
	}
	if bal.Lots == nil {
		bal.Lots = []Lot{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": bal})
}

// Grant credits coins to a user. A repeated reference returns the existing lot.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := common.ValidateStruct(req); err != nil {
		common.WriteError(w, err)
		return
	}
	var (
		lot     Lot
		created bool
	)
	err := h.Grants(r.Context(), func(store GrantStore) error {
		var err error
		lot, created, err = h.Svc.Grant(r.Context(), store, strings.TrimSpace(req.UserID), req.Coins, req.ExpiryDays, SourceAdmin, strings.TrimSpace(req.Reference))
		return err
	})
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed to grant coins", nil)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	common.JSON(w, status, map[string]any{"data": lot})
}

// StaticGrants runs fn against a single store without a transaction. Tests use it.
func StaticGrants(store GrantStore) GrantTx {
	return func(_ context.Context, fn func(GrantStore) error) error {
		return fn(store)
	}
}
