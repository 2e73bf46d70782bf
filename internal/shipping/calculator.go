package shipping

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// SlabGrams is the weight covered by one slab step.
const SlabGrams = 500

// Request is everything needed to price one shipment.
type Request struct {
	Chart       RateChart
	Settings    settings.Shipping
	Destination Destination
	Subtotal    decimal.Decimal
	// WeightGrams of zero means unknown and triggers an estimate from Subtotal.
	WeightGrams int
}

// Quote is a priced shipment. Base is the slab price before any free-shipping waiver.
type Quote struct {
	Zone            string          `json:"zone"`
	Slab            string          `json:"slab,omitempty"`
	WeightGrams     int             `json:"weightGrams"`
	EstimatedWeight bool            `json:"estimatedWeight"`
	Steps           int             `json:"steps"`
	Base            decimal.Decimal `json:"base"`
	Charge          decimal.Decimal `json:"charge"`
	FreeShipping    bool            `json:"freeShipping"`
}

// Calculate prices a shipment as base + add × max(0, ceil(grams/500) − 1),
// waived to zero once the subtotal reaches an enabled free-shipping threshold.
func Calculate(req Request) Quote {
	rate, zone := resolveZone(req.Chart, req.Destination)
	slab, slabName := rate.SlabFor(req.Destination.Slab)

	q := Quote{Zone: zone, Slab: slabName, WeightGrams: req.WeightGrams}
	if q.WeightGrams <= 0 {
		q.WeightGrams = EstimateWeight(req.Subtotal)
		q.EstimatedWeight = true
	}

	steps := (q.WeightGrams + SlabGrams - 1) / SlabGrams
	if steps < 1 {
		steps = 1
	}
	q.Steps = steps
	extra := decimal.NewFromInt(int64(steps - 1))
	q.Base = money.Round2(money.ClampZero(slab.Base500.Add(slab.Add500.Mul(extra))))
	q.Charge = q.Base

	if req.Settings.FreeShippingEnabled && req.Subtotal.GreaterThanOrEqual(req.Settings.FreeShippingThreshold) {
		q.Charge = decimal.Zero
		q.FreeShipping = true
	}
	return q
}

// EstimateWeight guesses a parcel weight from the cart value when products
// carry no weight: 500 g up to ₹500, then 500 g per started ₹500.
func EstimateWeight(subtotal decimal.Decimal) int {
	if subtotal.LessThanOrEqual(decimal.NewFromInt(SlabGrams)) {
		return SlabGrams
	}
	steps := subtotal.Div(decimal.NewFromInt(SlabGrams)).Ceil().IntPart()
	return int(steps) * SlabGrams
}
