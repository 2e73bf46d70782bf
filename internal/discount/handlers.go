package discount

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/db"
	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// AdminStore captures the admin writes on codes.
type AdminStore interface {
	CreateRule(ctx context.Context, r Rule) (Rule, error)
	UpdateRule(ctx context.Context, r Rule) (Rule, error)
	ListRules(ctx context.Context, source Source, limit, offset int) ([]Rule, int, error)
}

// Handler exposes administrative coupon and referral endpoints.
type Handler struct {
	Store    AdminStore
	Svc      *Service
	Settings settings.Provider
	Location *time.Location
}

type codePayload struct {
	Code              string  `json:"code" validate:"required,min=3,max=40"`
	Description       string  `json:"description" validate:"max=200"`
	Kind              string  `json:"kind" validate:"required"`
	Value             string  `json:"value" validate:"required"`
	MaxDiscountAmount *string `json:"maxDiscountAmount"`
	MinOrderAmount    string  `json:"minOrderAmount"`
	ValidFrom         *string `json:"validFrom"`
	ValidTo           *string `json:"validTo"`
	UsageLimit        *int    `json:"usageLimit" validate:"omitempty,min=0"`
	PerUserLimit      int     `json:"perUserLimit" validate:"min=0"`
	OwnerID           string  `json:"ownerId" validate:"max=64"`
	Active            *bool   `json:"active"`
}

type previewRequest struct {
	Code     string `json:"code" validate:"required"`
	Subtotal string `json:"subtotal" validate:"required"`
	UserID   string `json:"userId"`
}

// CreateCoupon inserts a new coupon.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, SourceCoupon)
}

// CreateReferral inserts a new referral code.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, SourceReferral)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, source Source) {
	var payload codePayload
	if err := common.DecodeJSON(r.Body, &payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	rule, err := h.buildRule(source, payload)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	created, err := h.Store.CreateRule(r.Context(), rule)
	if err != nil {
		if db.IsUniqueViolation(err) {
			common.JSONError(w, http.StatusConflict, "CONFLICT", "code already exists", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed to create code", nil)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": ruleView(created)})
}

// UpdateCoupon replaces the mutable fields of a coupon identified by code.
func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	var payload codePayload
	if err := common.DecodeJSON(r.Body, &payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	payload.Code = code
	rule, err := h.buildRule(SourceCoupon, payload)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	updated, err := h.Store.UpdateRule(r.Context(), rule)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "coupon not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed to update coupon", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": ruleView(updated)})
}

// ListCoupons pages through coupons.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	page := common.ParsePage(r, 20, 100)
	rules, total, err := h.Store.ListRules(r.Context(), SourceCoupon, page.Size, page.Offset())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed to list coupons", nil)
		return
	}
	views := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView(rule))
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       views,
		"pagination": page.Info(total),
	})
}

// Preview returns the simulated discount for a coupon without persisting state.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payload", nil)
		return
	}
	if err := common.ValidateStruct(req); err != nil {
		common.WriteError(w, err)
		return
	}
	subtotal, err := money.Parse(req.Subtotal)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "subtotal must be a non-negative amount", nil)
		return
	}
	snap, err := h.Settings.Snapshot(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, common.CodeConfigUnavailable, "checkout configuration is unavailable", nil)
		return
	}
	result, err := h.Svc.Preview(r.Context(), req.Code, req.UserID, subtotal, snap.Discount)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed to preview coupon", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": resultView(result)})
}

func (h *Handler) buildRule(source Source, p codePayload) (Rule, error) {
	if err := common.ValidateStruct(p); err != nil {
		return Rule{}, err
	}
	bad := func(msg string) error {
		return common.NewAppError(common.CodeValidation, msg, http.StatusBadRequest, nil)
	}
	if !codePattern.MatchString(p.Code) {
		return Rule{}, bad("code may only contain letters, digits, dash and underscore")
	}
	kind, err := ParseKind(p.Kind)
	if err != nil {
		return Rule{}, bad("kind must be PERCENT or FLAT")
	}
	value, err := money.Parse(p.Value)
	if err != nil {
		return Rule{}, bad("value must be a non-negative amount")
	}
	maxAmount := decimal.NullDecimal{}
	if p.MaxDiscountAmount != nil && strings.TrimSpace(*p.MaxDiscountAmount) != "" {
		amt, err := money.Parse(*p.MaxDiscountAmount)
		if err != nil {
			return Rule{}, bad("maxDiscountAmount must be a non-negative amount")
		}
		maxAmount = decimal.NullDecimal{Decimal: amt, Valid: true}
	}
	benefit, err := NewBenefit(kind, value, maxAmount)
	if err != nil {
		return Rule{}, bad(err.Error())
	}
	minOrder := decimal.Zero
	if strings.TrimSpace(p.MinOrderAmount) != "" {
		if minOrder, err = money.Parse(p.MinOrderAmount); err != nil {
			return Rule{}, bad("minOrderAmount must be a non-negative amount")
		}
	}

	rule := Rule{
		Source:       source,
		Code:         strings.ToUpper(p.Code),
		Description:  strings.TrimSpace(p.Description),
		Benefit:      benefit,
		MinOrder:     minOrder,
		UsageLimit:   p.UsageLimit,
		PerUserLimit: p.PerUserLimit,
		OwnerID:      strings.TrimSpace(p.OwnerID),
		Active:       p.Active == nil || *p.Active,
	}
	loc := h.location()
	if p.ValidFrom != nil && strings.TrimSpace(*p.ValidFrom) != "" {
		from, err := ParseWindowStart(*p.ValidFrom, loc)
		if err != nil {
			return Rule{}, bad("validFrom must be YYYY-MM-DD or RFC3339")
		}
		rule.ValidFrom = &from
	}
	if p.ValidTo != nil && strings.TrimSpace(*p.ValidTo) != "" {
		to, err := ParseWindowEnd(*p.ValidTo, loc)
		if err != nil {
			return Rule{}, bad("validTo must be YYYY-MM-DD or RFC3339")
		}
		rule.ValidTo = &to
	}
	if rule.ValidFrom != nil && rule.ValidTo != nil && rule.ValidTo.Before(*rule.ValidFrom) {
		return Rule{}, bad("validTo must not be before validFrom")
	}
	if source == SourceReferral && rule.OwnerID == "" {
		return Rule{}, bad("ownerId is required for referral codes")
	}
	return rule, nil
}

func (h *Handler) location() *time.Location {
	if h.Location != nil {
		return h.Location
	}
	return time.UTC
}

func ruleView(r Rule) map[string]any {
	kind, value, maxAmount := Parts(r.Benefit)
	view := map[string]any{
		"id":           r.ID,
		"source":       r.Source,
		"code":         r.Code,
		"description":  r.Description,
		"kind":         kind,
		"value":        value.String(),
		"minOrder":     money.Format(r.MinOrder),
		"usageCount":   r.UsageCount,
		"perUserLimit": r.PerUserLimit,
		"active":       r.Active,
	}
	if maxAmount.Valid {
		view["maxDiscountAmount"] = money.Format(maxAmount.Decimal)
	}
	if r.UsageLimit != nil {
		view["usageLimit"] = *r.UsageLimit
	}
	if r.ValidFrom != nil {
		view["validFrom"] = r.ValidFrom.Format(time.RFC3339Nano)
	}
	if r.ValidTo != nil {
		view["validTo"] = r.ValidTo.Format(time.RFC3339Nano)
	}
	if r.OwnerID != "" {
		view["ownerId"] = r.OwnerID
	}
	return view
}

func resultView(res Result) map[string]any {
	lines := make([]map[string]any, 0, len(res.Lines))
	for _, l := range res.Lines {
		lines = append(lines, map[string]any{"source": l.Source, "code": l.Code, "kind": l.Kind, "amount": money.Format(l.Amount)})
	}
	return map[string]any{
		"lines":      lines,
		"rejections": res.Rejections,
		"discount":   money.Format(res.Total),
		"capped":     res.Capped,
	}
}
