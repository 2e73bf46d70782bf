// Package tax computes GST on a cart subtotal.
package tax

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// Mode describes how tax relates to listed prices.
type Mode string

const (
	ModeDisabled  Mode = "disabled"
	ModeInclusive Mode = "inclusive"
	ModeExclusive Mode = "exclusive"
)

// Result separates tax added to the payable amount from tax already inside prices.
type Result struct {
	Mode Mode            `json:"mode"`
	Rate decimal.Decimal `json:"rate"`
	// Amount is added on top of the subtotal.
	Amount decimal.Decimal `json:"amount"`
	// Included is the informational share of the subtotal that is tax.
	Included decimal.Decimal `json:"included"`
}

// Compute returns round2(subtotal × rate/100) when tax is charged on top of
// prices, and an informational split when prices already include it.
func Compute(subtotal decimal.Decimal, cfg settings.Tax) Result {
	rate := money.ClampZero(cfg.Rate)
	if !cfg.Enabled || rate.IsZero() {
		return Result{Mode: ModeDisabled, Rate: rate}
	}
	if cfg.IncludedPrice {
		return Result{Mode: ModeInclusive, Rate: rate, Included: SplitInclusive(subtotal, rate)}
	}
	return Result{Mode: ModeExclusive, Rate: rate, Amount: money.Round2(money.Percent(money.ClampZero(subtotal), rate))}
}

// SplitInclusive returns the tax share of a tax-inclusive amount, computed in
// whole paise so base + tax always adds back to the amount.
func SplitInclusive(amount, rate decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 || rate.Sign() <= 0 {
		return decimal.Zero
	}
	total := money.Paise(amount)
	divisor := decimal.NewFromInt(1).Add(rate.Div(decimal.NewFromInt(100)))
	base := decimal.NewFromInt(total).Div(divisor).Round(0).IntPart()
	return money.FromPaise(total - base)
}
