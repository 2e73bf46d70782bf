package discount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-settlement/internal/settings"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func capAt(s string) decimal.NullDecimal { return decimal.NullDecimal{Decimal: dec(s), Valid: true} }

var evalNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func coupon(code string, b Benefit) *Rule {
	return &Rule{ID: "rule-" + code, Source: SourceCoupon, Code: code, Benefit: b, Active: true}
}

func discountSettings(maxPct string) settings.Discount {
	return settings.Discount{MaxDiscountPercentage: dec(maxPct), StackableCoupons: true}
}

func TestEvaluateCapsCombinedDiscount(t *testing.T) {
	res := Evaluate(Input{
		Subtotal:   dec("1000"),
		Now:        evalNow,
		Coupon:     &Requested{Code: "SAVE10", Rule: coupon("SAVE10", Percent{Rate: dec("10")})},
		Membership: &Membership{PlanName: "Gold", DiscountPercent: dec("15"), Status: "active", PlanActive: true},
		Settings:   discountSettings("20"),
	})
	require.Len(t, res.Lines, 2)
	require.Equal(t, SourceCoupon, res.Lines[0].Source)
	require.Equal(t, "100.00", res.Lines[0].Amount.StringFixed(2))
	require.Equal(t, SourceMembership, res.Lines[1].Source)
	require.Equal(t, "150.00", res.Lines[1].Amount.StringFixed(2))
	require.Equal(t, "250.00", res.Raw.StringFixed(2))
	require.Equal(t, "200.00", res.Total.StringFixed(2))
	require.True(t, res.Capped)
	require.Empty(t, res.Rejections)
}

func TestEvaluateNeverExceedsCap(t *testing.T) {
	for _, maxPct := range []string{"0", "5", "20", "50", "100", "150"} {
		for _, subtotal := range []string{"0", "1", "99.99", "1000", "12345.67"} {
			res := Evaluate(Input{
				Subtotal:   dec(subtotal),
				Now:        evalNow,
				Coupon:     &Requested{Code: "BIG", Rule: coupon("BIG", Flat{Value: dec("5000")})},
				Referral:   &Requested{Code: "REF", Rule: &Rule{ID: "r", Source: SourceReferral, Code: "REF", Benefit: Percent{Rate: dec("50")}, Active: true}},
				Membership: &Membership{DiscountPercent: dec("40"), Status: "active", PlanActive: true},
				FirstOrder: true,
				Settings: settings.Discount{
					MaxDiscountPercentage: dec(maxPct),
					StackableCoupons:      true,
					FirstOrder:            settings.FirstOrder{Enabled: true, Percentage: dec("10"), MaxDiscount: dec("100")},
				},
			})
			require.False(t, res.Total.GreaterThan(dec(subtotal)), "%s/%s", maxPct, subtotal)
			if dec(maxPct).IsPositive() {
				limit := dec(subtotal).Mul(dec(maxPct)).Div(dec("100")).Round(2)
				require.False(t, res.Total.GreaterThan(limit), "%s/%s", maxPct, subtotal)
			}
			require.False(t, res.Total.IsNegative())
		}
	}
}

func TestEvaluateRejectionsAreNonFatal(t *testing.T) {
	expiredAt := evalNow.Add(-time.Hour)
	startsAt := evalNow.Add(time.Hour)
	limit := 5
	cases := []struct {
		name   string
		rule   *Rule
		reason string
	}{
		{"unknown", nil, "INVALID_DISCOUNT_CODE"},
		{"inactive", &Rule{Code: "OFF", Benefit: Flat{Value: dec("10")}}, "INVALID_DISCOUNT_CODE"},
		{"expired", &Rule{Code: "OLD", Benefit: Flat{Value: dec("10")}, Active: true, ValidTo: &expiredAt}, "DISCOUNT_EXPIRED"},
		{"early", &Rule{Code: "SOON", Benefit: Flat{Value: dec("10")}, Active: true, ValidFrom: &startsAt}, "DISCOUNT_NOT_ACTIVE"},
		{"minimum", &Rule{Code: "MIN", Benefit: Flat{Value: dec("10")}, Active: true, MinOrder: dec("1000.01")}, "DISCOUNT_MIN_ORDER_NOT_MET"},
		{"used up", &Rule{Code: "USED", Benefit: Flat{Value: dec("10")}, Active: true, UsageLimit: &limit, UsageCount: 5}, "DISCOUNT_USAGE_EXCEEDED"},
		{"per user", &Rule{Code: "ONCE", Benefit: Flat{Value: dec("10")}, Active: true, PerUserLimit: 1, PerUserUsed: 1}, "DISCOUNT_USAGE_EXCEEDED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Evaluate(Input{
				Subtotal:   dec("1000"),
				Now:        evalNow,
				Coupon:     &Requested{Code: "TYPED", Rule: tc.rule},
				Membership: &Membership{DiscountPercent: dec("5"), Status: "active", PlanActive: true},
				Settings:   discountSettings("50"),
			})
			require.Len(t, res.Rejections, 1)
			require.Equal(t, tc.reason, res.Rejections[0].Reason)
			require.Equal(t, SourceCoupon, res.Rejections[0].Source)
			require.Len(t, res.Lines, 1)
			require.Equal(t, "50.00", res.Total.StringFixed(2))
		})
	}
}

func TestEvaluateReferralNotStackable(t *testing.T) {
	in := Input{
		Subtotal: dec("1000"),
		Now:      evalNow,
		Coupon:   &Requested{Code: "C", Rule: coupon("C", Flat{Value: dec("50")})},
		Referral: &Requested{Code: "R", Rule: &Rule{ID: "r", Source: SourceReferral, Code: "R", Benefit: Flat{Value: dec("30")}, Active: true}},
		Settings: settings.Discount{MaxDiscountPercentage: dec("50"), StackableCoupons: false},
	}
	res := Evaluate(in)
	require.Len(t, res.Lines, 1)
	require.Equal(t, "DISCOUNT_NOT_STACKABLE", res.Rejections[0].Reason)
	require.Equal(t, "50.00", res.Total.StringFixed(2))

	in.Settings.StackableCoupons = true
	res = Evaluate(in)
	require.Len(t, res.Lines, 2)
	require.Equal(t, "80.00", res.Total.StringFixed(2))

	in.Settings.StackableCoupons = false
	in.Coupon = &Requested{Code: "NOPE"}
	res = Evaluate(in)
	require.Len(t, res.Lines, 1)
	require.Equal(t, SourceReferral, res.Lines[0].Source)
}

func TestEvaluateMembershipAndFirstOrder(t *testing.T) {
	past := evalNow.Add(-time.Minute)
	cfg := settings.Discount{
		MaxDiscountPercentage: dec("50"),
		FirstOrder:            settings.FirstOrder{Enabled: true, Percentage: dec("10"), MaxDiscount: dec("100")},
	}
	res := Evaluate(Input{
		Subtotal:   dec("2000"),
		Now:        evalNow,
		Membership: &Membership{DiscountPercent: dec("15"), Status: "active", PlanActive: true, ExpiresAt: &past},
		FirstOrder: true,
		Settings:   cfg,
	})
	require.Len(t, res.Lines, 1)
	require.Equal(t, SourceFirstOrder, res.Lines[0].Source)
	require.Equal(t, "100.00", res.Lines[0].Amount.StringFixed(2))

	res = Evaluate(Input{
		Subtotal:   dec("2000"),
		Now:        evalNow,
		Membership: &Membership{DiscountPercent: dec("15"), Status: "active", PlanActive: false},
		Settings:   cfg,
	})
	require.Empty(t, res.Lines)
	require.True(t, res.Total.IsZero())
}

func TestBenefitAmounts(t *testing.T) {
	require.Equal(t, "100.00", Percent{Rate: dec("10")}.Amount(dec("1000")).StringFixed(2))
	require.Equal(t, "75.00", Percent{Rate: dec("10"), Cap: capAt("75")}.Amount(dec("1000")).StringFixed(2))
	require.Equal(t, "0.13", Percent{Rate: dec("12.5")}.Amount(dec("1")).StringFixed(2))
	require.Equal(t, "40.00", Flat{Value: dec("50")}.Amount(dec("40")).StringFixed(2))
	require.Equal(t, "50.00", Flat{Value: dec("50")}.Amount(dec("400")).StringFixed(2))
}

func TestNewBenefitValidation(t *testing.T) {
	_, err := NewBenefit(KindPercent, dec("101"), decimal.NullDecimal{})
	require.ErrorIs(t, err, ErrInvalidBenefit)
	_, err = NewBenefit(KindFlat, dec("-1"), decimal.NullDecimal{})
	require.ErrorIs(t, err, ErrInvalidBenefit)
	_, err = NewBenefit(Kind("BOGO"), dec("1"), decimal.NullDecimal{})
	require.ErrorIs(t, err, ErrInvalidBenefit)

	b, err := NewBenefit(KindPercent, dec("10"), capAt("75"))
	require.NoError(t, err)
	kind, value, limit := Parts(b)
	require.Equal(t, KindPercent, kind)
	require.True(t, value.Equal(dec("10")))
	require.True(t, limit.Valid)

	zero, err := NewBenefit(KindPercent, dec("10"), capAt("0"))
	require.NoError(t, err)
	require.True(t, zero.Amount(dec("1000")).IsZero())
	_, _, limit = Parts(zero)
	require.True(t, limit.Valid)
	require.True(t, limit.Decimal.IsZero())

	uncapped, err := NewBenefit(KindPercent, dec("10"), decimal.NullDecimal{})
	require.NoError(t, err)
	_, _, limit = Parts(uncapped)
	require.False(t, limit.Valid)

	_, err = NewBenefit(KindPercent, dec("10"), capAt("-1"))
	require.ErrorIs(t, err, ErrInvalidBenefit)

	k, err := ParseKind("fixed_amount")
	require.NoError(t, err)
	require.Equal(t, KindFlat, k)
}
