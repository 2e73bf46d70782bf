package discount

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// Membership is a user's plan as of the computation.
type Membership struct {
	PlanID          string          `json:"planId"`
	PlanName        string          `json:"planName"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	FreeShipping    bool            `json:"freeShipping"`
	Status          string          `json:"status"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	PlanActive      bool            `json:"planActive"`
}

// ActiveAt reports whether the membership grants its discount at now.
func (m Membership) ActiveAt(now time.Time) bool {
	if !m.PlanActive || !strings.EqualFold(m.Status, "active") {
		return false
	}
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

// Requested is a code the shopper typed. Rule is nil when no such code exists.
type Requested struct {
	Code string
	Rule *Rule
}

// Input is everything Evaluate needs. It performs no lookups.
type Input struct {
	Subtotal   decimal.Decimal
	Now        time.Time
	Coupon     *Requested
	Referral   *Requested
	Membership *Membership
	FirstOrder bool
	Settings   settings.Discount
}

// Line is one applied discount before the global cap.
type Line struct {
	Source Source          `json:"source"`
	Code   string          `json:"code,omitempty"`
	RuleID string          `json:"ruleId,omitempty"`
	Kind   Kind            `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// Rejection explains why a requested instrument contributed nothing.
type Rejection struct {
	Source  Source `json:"source"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Result is the stacked discount. Total never exceeds Cap or the subtotal.
type Result struct {
	Lines      []Line          `json:"lines"`
	Rejections []Rejection     `json:"rejections"`
	Raw        decimal.Decimal `json:"raw"`
	Cap        decimal.Decimal `json:"cap"`
	Capped     bool            `json:"capped"`
	Total      decimal.Decimal `json:"total"`
}

// Evaluate validates each instrument independently, sums the survivors in a
// fixed order (coupon, referral, membership, first order) and applies the
// global percentage cap last. Rejected instruments never fail the call.
func Evaluate(in Input) Result {
	subtotal := money.ClampZero(in.Subtotal)
	res := Result{Lines: []Line{}, Rejections: []Rejection{}}

	couponApplied := false
	if in.Coupon != nil {
		if line, rej := evaluateCode(SourceCoupon, *in.Coupon, in.Now, subtotal); rej != nil {
			res.Rejections = append(res.Rejections, *rej)
		} else {
			res.Lines = append(res.Lines, line)
			couponApplied = true
		}
	}
	if in.Referral != nil {
		if couponApplied && !in.Settings.StackableCoupons {
			res.Rejections = append(res.Rejections, reject(SourceReferral, in.Referral.Code, ErrNotStackable))
		} else if line, rej := evaluateCode(SourceReferral, *in.Referral, in.Now, subtotal); rej != nil {
			res.Rejections = append(res.Rejections, *rej)
		} else {
			res.Lines = append(res.Lines, line)
		}
	}
	if m := in.Membership; m != nil && m.ActiveAt(in.Now) && m.DiscountPercent.IsPositive() {
		b := Percent{Rate: m.DiscountPercent}
		res.Lines = append(res.Lines, Line{Source: SourceMembership, Code: m.PlanName, RuleID: m.PlanID, Kind: b.Kind(), Amount: b.Amount(subtotal)})
	}
	if fo := in.Settings.FirstOrder; in.FirstOrder && fo.Enabled && fo.Percentage.IsPositive() {
		b := Percent{Rate: fo.Percentage, Cap: decimal.NullDecimal{Decimal: fo.MaxDiscount, Valid: fo.MaxDiscount.IsPositive()}}
		res.Lines = append(res.Lines, Line{Source: SourceFirstOrder, Kind: b.Kind(), Amount: b.Amount(subtotal)})
	}

	for _, l := range res.Lines {
		res.Raw = res.Raw.Add(l.Amount)
	}
	res.Cap = subtotal
	if pct := in.Settings.MaxDiscountPercentage; pct.IsPositive() {
		res.Cap = money.Min(subtotal, money.Round2(money.Percent(subtotal, pct)))
	}
	res.Total = res.Raw
	if res.Raw.GreaterThan(res.Cap) {
		res.Total = res.Cap
		res.Capped = true
	}
	return res
}

func evaluateCode(source Source, req Requested, now time.Time, subtotal decimal.Decimal) (Line, *Rejection) {
	if req.Rule == nil {
		rej := reject(source, req.Code, ErrInvalidCode)
		return Line{}, &rej
	}
	r := *req.Rule
	if err := r.Validate(now, subtotal); err != nil {
		rej := reject(source, r.Code, err)
		return Line{}, &rej
	}
	return Line{Source: source, Code: r.Code, RuleID: r.ID, Kind: r.Benefit.Kind(), Amount: r.Benefit.Amount(subtotal)}, nil
}

func reject(source Source, code string, err error) Rejection {
	return Rejection{Source: source, Code: code, Reason: Reason(err), Message: err.Error()}
}
