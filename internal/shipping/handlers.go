package shipping

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// Handler exposes read-only shipping endpoints that need no cart.
type Handler struct {
	Settings settings.Provider
	Logger   zerolog.Logger
}

type quoteRequest struct {
	Pincode     string `json:"pincode" validate:"omitempty,len=6,numeric"`
	Zone        string `json:"zone" validate:"omitempty,max=40"`
	Slab        string `json:"slab" validate:"omitempty,max=40"`
	Subtotal    string `json:"subtotal" validate:"required"`
	WeightGrams int    `json:"weightGrams" validate:"min=0,max=1000000"`
}

// DisplayMetrics serves the strikethrough shipping figures for banners and product pages.
func (h *Handler) DisplayMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Settings.Snapshot(r.Context())
	if err != nil {
		h.configUnavailable(w, err)
		return
	}
	chart := ResolveRateChart(snap.Shipping.RateChart)
	m := DisplayMetrics(chart, snap.Shipping.MarkupPercent)
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"maxLocalDisplayCharge": money.Format(m.MaxLocalDisplayCharge),
			"maxIndiaDisplayCharge": money.Format(m.MaxIndiaDisplayCharge),
			"maxLocalBase":          money.Format(m.MaxLocalBase),
			"maxIndiaBase":          money.Format(m.MaxIndiaBase),
			"markupPercent":         m.MarkupPercent.String(),
			"fallbackChart":         m.Fallback,
		},
	})
}

// Quote prices a shipment for a destination and cart value without a cart.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := common.DecodeJSON(r.Body, &req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid JSON body", nil)
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
	if req.Pincode != "" && !ValidPincode(req.Pincode) {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid pincode", nil)
		return
	}

	snap, err := h.Settings.Snapshot(r.Context())
	if err != nil {
		h.configUnavailable(w, err)
		return
	}
	chart := ResolveRateChart(snap.Shipping.RateChart)
	q := Calculate(Request{
		Chart:       chart,
		Settings:    snap.Shipping,
		Destination: Destination{Pincode: req.Pincode, Zone: strings.TrimSpace(req.Zone), Slab: strings.TrimSpace(req.Slab)},
		Subtotal:    subtotal,
		WeightGrams: req.WeightGrams,
	})
	display := DisplayMetrics(chart, snap.Shipping.MarkupPercent)
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"zone":                  q.Zone,
			"slab":                  q.Slab,
			"weightGrams":           q.WeightGrams,
			"estimatedWeight":       q.EstimatedWeight,
			"shippingCharge":        money.Format(q.Charge),
			"shippingBase":          money.Format(q.Base),
			"freeShipping":          q.FreeShipping,
			"displayShippingCharge": money.Format(display.MaxIndiaDisplayCharge),
			"configVersion":         snap.Version,
		},
	})
}

func (h *Handler) configUnavailable(w http.ResponseWriter, err error) {
	h.Logger.Error().Err(err).Msg("settings snapshot unavailable")
	status := http.StatusServiceUnavailable
	if !errors.Is(err, settings.ErrUnavailable) {
		status = http.StatusInternalServerError
	}
	common.JSONError(w, status, common.CodeConfigUnavailable, "checkout configuration is unavailable", nil)
}
