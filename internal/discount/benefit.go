// Package discount validates and stacks coupon, referral, membership and
// first-order discounts under a single global cap.
package discount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
)

// Kind names a benefit variant as stored and exchanged over the API.
type Kind string

const (
	KindPercent Kind = "PERCENT"
	KindFlat    Kind = "FLAT"
)

// ErrInvalidBenefit is returned when a benefit cannot be parsed.
var ErrInvalidBenefit = errors.New("discount: invalid benefit")

// Benefit is the closed set of discount shapes. Only Percent and Flat implement it.
type Benefit interface {
	Kind() Kind
	// Amount is the discount on subtotal before the global cap, rounded to paise.
	Amount(subtotal decimal.Decimal) decimal.Decimal
	sealed()
}

// Percent takes Rate percent of the subtotal, limited by Cap when Cap is set.
// A set Cap of zero grants nothing.
type Percent struct {
	Rate decimal.Decimal
	Cap  decimal.NullDecimal
}

func (Percent) Kind() Kind { return KindPercent }
func (Percent) sealed()    {}

func (p Percent) Amount(subtotal decimal.Decimal) decimal.Decimal {
	amt := money.Round2(money.Percent(money.ClampZero(subtotal), money.ClampZero(p.Rate)))
	if p.Cap.Valid && amt.GreaterThan(p.Cap.Decimal) {
		amt = money.Round2(money.ClampZero(p.Cap.Decimal))
	}
	return amt
}

// Flat takes a fixed amount, never more than the subtotal.
type Flat struct {
	Value decimal.Decimal
}

func (Flat) Kind() Kind { return KindFlat }
func (Flat) sealed()    {}

func (f Flat) Amount(subtotal decimal.Decimal) decimal.Decimal {
	return money.Round2(money.Min(money.ClampZero(f.Value), money.ClampZero(subtotal)))
}

// ParseKind accepts the canonical kinds and the legacy spellings admins use.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "percent", "percentage":
		return KindPercent, nil
	case "flat", "fixed", "fixed_amount", "amount":
		return KindFlat, nil
	}
	return "", fmt.Errorf("%w: kind %q", ErrInvalidBenefit, s)
}

// NewBenefit builds a benefit from its stored parts. maxAmount only applies to percentages.
func NewBenefit(kind Kind, value decimal.Decimal, maxAmount decimal.NullDecimal) (Benefit, error) {
	if value.IsNegative() {
		return nil, fmt.Errorf("%w: negative value", ErrInvalidBenefit)
	}
	switch kind {
	case KindPercent:
		if value.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("%w: percentage above 100", ErrInvalidBenefit)
		}
		if maxAmount.Valid && maxAmount.Decimal.IsNegative() {
			return nil, fmt.Errorf("%w: negative cap", ErrInvalidBenefit)
		}
		return Percent{Rate: value, Cap: maxAmount}, nil
	case KindFlat:
		return Flat{Value: value}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrInvalidBenefit, kind)
}

// Parts splits a benefit back into its stored columns.
func Parts(b Benefit) (Kind, decimal.Decimal, decimal.NullDecimal) {
	switch v := b.(type) {
	case Percent:
		return KindPercent, v.Rate, v.Cap
	case Flat:
		return KindFlat, v.Value, decimal.NullDecimal{}
	}
	return "", decimal.Zero, decimal.NullDecimal{}
}
