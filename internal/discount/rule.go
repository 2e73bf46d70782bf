package discount

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/common"
)

var (
	// ErrInvalidCode is returned when a code does not exist or is switched off.
	ErrInvalidCode = errors.New("discount code invalid")
	// ErrNotActive is returned before the code's window opens.
	ErrNotActive = errors.New("discount code not yet active")
	// ErrExpired is returned after the code's window closes.
	ErrExpired = errors.New("discount code expired")
	// ErrMinOrderNotMet indicates the subtotal is below the code's minimum.
	ErrMinOrderNotMet = errors.New("discount minimum order not met")
	// ErrUsageExceeded indicates the global or per-user allowance is used up.
	ErrUsageExceeded = errors.New("discount usage limit exceeded")
	// ErrNotStackable is returned for a referral code when coupons may not stack.
	ErrNotStackable = errors.New("discount cannot be combined")
)

// Source identifies which instrument a discount came from.
type Source string

const (
	SourceCoupon     Source = "coupon"
	SourceReferral   Source = "referral"
	SourceMembership Source = "membership"
	SourceFirstOrder Source = "first_order"
)

// Rule is a coupon or referral code as the engine sees it.
type Rule struct {
	ID          string
	Source      Source
	Code        string
	Description string
	Benefit     Benefit
	MinOrder    decimal.Decimal
	ValidFrom   *time.Time
	ValidTo     *time.Time
	// UsageLimit of nil means unlimited.
	UsageLimit   *int
	UsageCount   int
	PerUserLimit int
	PerUserUsed  int
	OwnerID      string
	Active       bool
}

// Validate checks the code at now against subtotal in the order: switched on,
// date window, minimum order, usage.
func (r Rule) Validate(now time.Time, subtotal decimal.Decimal) error {
	if !r.Active || r.Benefit == nil {
		return ErrInvalidCode
	}
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return ErrNotActive
	}
	if r.ValidTo != nil && now.After(*r.ValidTo) {
		return ErrExpired
	}
	if subtotal.LessThan(r.MinOrder) {
		return ErrMinOrderNotMet
	}
	if r.UsageLimit != nil && r.UsageCount >= *r.UsageLimit {
		return ErrUsageExceeded
	}
	if r.PerUserLimit > 0 && r.PerUserUsed >= r.PerUserLimit {
		return ErrUsageExceeded
	}
	return nil
}

// Reason maps a validation error to its API code.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return common.CodeInvalidDiscountCode
	case errors.Is(err, ErrNotActive):
		return common.CodeDiscountNotActive
	case errors.Is(err, ErrExpired):
		return common.CodeDiscountExpired
	case errors.Is(err, ErrMinOrderNotMet):
		return common.CodeMinOrderNotMet
	case errors.Is(err, ErrUsageExceeded):
		return common.CodeUsageExceeded
	case errors.Is(err, ErrNotStackable):
		return common.CodeNotStackable
	}
	return common.CodeInvalidDiscountCode
}
