package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/discount"
	"github.com/noah-isme/checkout-settlement/internal/settings"
	"github.com/noah-isme/checkout-settlement/internal/shipping"
)

var now = time.Date(2025, 1, 31, 18, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshot(t *testing.T) settings.Snapshot {
	t.Helper()
	snap := settings.Defaults()
	snap.Version = "test-v1"
	snap.Shipping.RateChart = json.RawMessage(`{
		"A": {"base500": 24, "add500": 14},
		"B": {"base500": 42, "add500": 26},
		"C": {"base500": 80, "add500": 30}
	}`)
	snap.Discount.FirstOrder.Enabled = false
	return snap
}

func cart(price string, weight int) []Item {
	return []Item{{ProductID: "p1", Quantity: 1, UnitPrice: dec(price), WeightGrams: weight}}
}

func TestComputeShippingScenario(t *testing.T) {
	s, err := Compute(Input{
		Items:       cart("1200", 900),
		Destination: shipping.Destination{Zone: "A"},
		Snapshot:    snapshot(t),
		Now:         now,
	})
	require.NoError(t, err)
	require.Equal(t, "A", s.Zone)
	require.Equal(t, 900, s.WeightGrams)
	require.Equal(t, "38.00", s.ShippingBase.StringFixed(2))
	require.True(t, s.ShippingCharge.IsZero())
	require.True(t, s.FreeShipping)
	require.Equal(t, "104.00", s.DisplayShippingCharge.StringFixed(2))
	require.Equal(t, "1200.00", s.FinalTotal.StringFixed(2))
}

func TestComputeChargesShippingBelowThreshold(t *testing.T) {
	s, err := Compute(Input{
		Items:       cart("450", 900),
		Destination: shipping.Destination{Zone: "A"},
		Snapshot:    snapshot(t),
		Now:         now,
	})
	require.NoError(t, err)
	require.Equal(t, "38.00", s.ShippingCharge.StringFixed(2))
	require.Equal(t, "488.00", s.FinalTotal.StringFixed(2))
}

func TestComputeDiscountScenario(t *testing.T) {
	snap := snapshot(t)
	snap.Discount.MaxDiscountPercentage = dec("20")
	save10 := &discount.Rule{
		ID:       "c1",
		Source:   discount.SourceCoupon,
		Code:     "SAVE10",
		Benefit:  discount.Percent{Rate: dec("10")},
		MinOrder: dec("500"),
		Active:   true,
	}
	member := &discount.Membership{PlanID: "gold", PlanName: "Gold", DiscountPercent: dec("15"), Status: "active", PlanActive: true}

	s, err := Compute(Input{
		Items:       cart("1000", 400),
		Destination: shipping.Destination{Zone: "B"},
		Coupon:      &discount.Requested{Code: "SAVE10", Rule: save10},
		Membership:  member,
		Snapshot:    snap,
		Now:         now,
	})
	require.NoError(t, err)
	require.Len(t, s.Discounts, 2)
	require.True(t, s.DiscountCapped)
	require.Equal(t, "200.00", s.DiscountAmount.StringFixed(2))
	require.Equal(t, "800.00", s.FinalTotal.StringFixed(2))
}

func TestComputeReportsRejectedInstrumentsAndContinues(t *testing.T) {
	yesterday := now.Add(-24 * time.Hour)
	expired := &discount.Rule{ID: "c2", Source: discount.SourceCoupon, Code: "OLD", Benefit: discount.Flat{Value: dec("50")}, ValidTo: &yesterday, Active: true}

	s, err := Compute(Input{
		Items:    cart("600", 0),
		Coupon:   &discount.Requested{Code: "OLD", Rule: expired},
		Referral: &discount.Requested{Code: "NOPE"},
		Snapshot: snapshot(t),
		Now:      now,
	})
	require.NoError(t, err)
	require.True(t, s.DiscountAmount.IsZero())
	require.Len(t, s.Notices, 2)
	require.Equal(t, common.CodeDiscountExpired, s.Notices[0].Reason)
	require.Equal(t, common.CodeInvalidDiscountCode, s.Notices[1].Reason)
	require.True(t, s.EstimatedWeight)
	require.Equal(t, "B", s.Zone)
}

func TestComputeRedeemsCoinsNearestExpiryFirst(t *testing.T) {
	soon := now.Add(24 * time.Hour)
	later := now.Add(90 * 24 * time.Hour)
	lots := []coins.Lot{
		{ID: "later", Remaining: 100, ExpiresAt: &later},
		{ID: "soon", Remaining: 5, ExpiresAt: &soon},
	}
	s, err := Compute(Input{
		Items:    cart("1000", 500),
		Coins:    coins.Request{Coins: 8},
		Lots:     lots,
		Snapshot: snapshot(t),
		Now:      now,
	})
	require.NoError(t, err)
	require.Equal(t, int64(8), s.CoinsRedeemed)
	require.Equal(t, []coins.Allocation{{LotID: "soon", Coins: 5}, {LotID: "later", Coins: 3}}, s.CoinAllocations)
	require.Equal(t, "0.80", s.CoinRedeemedValue.StringFixed(2))
	require.Equal(t, "999.20", s.FinalTotal.StringFixed(2))
}

func TestComputeClampsOversizedCoinRequest(t *testing.T) {
	lots := []coins.Lot{{ID: "l1", Remaining: 30}}
	s, err := Compute(Input{
		Items:    cart("1000", 500),
		Coins:    coins.Request{Coins: 5000},
		Lots:     lots,
		Snapshot: snapshot(t),
		Now:      now,
	})
	require.NoError(t, err)
	require.Equal(t, int64(30), s.CoinsRedeemed)
	require.Len(t, s.Notices, 1)
	require.Equal(t, ReasonInsufficientCoins, s.Notices[0].Reason)
}

func TestComputeCoinsDisabled(t *testing.T) {
	snap := snapshot(t)
	snap.Coins.Enabled = false
	s, err := Compute(Input{
		Items:    cart("1000", 500),
		Coins:    coins.Request{UseMax: true},
		Lots:     []coins.Lot{{ID: "l1", Remaining: 30}},
		Snapshot: snap,
		Now:      now,
	})
	require.NoError(t, err)
	require.Zero(t, s.CoinsRedeemed)
	require.Equal(t, ReasonCoinsDisabled, s.Notices[0].Reason)
}

func TestComputeExclusiveTax(t *testing.T) {
	snap := snapshot(t)
	snap.Tax = settings.Tax{Enabled: true, Rate: dec("18"), IncludedPrice: false}
	s, err := Compute(Input{Items: cart("1000", 500), Destination: shipping.Destination{Zone: "A"}, Snapshot: snap, Now: now})
	require.NoError(t, err)
	require.Equal(t, "180.00", s.TaxAmount.StringFixed(2))
	require.Equal(t, "1180.00", s.FinalTotal.StringFixed(2))

	snap.Tax.IncludedPrice = true
	s, err = Compute(Input{Items: cart("1180", 500), Destination: shipping.Destination{Zone: "A"}, Snapshot: snap, Now: now})
	require.NoError(t, err)
	require.True(t, s.TaxAmount.IsZero())
	require.Equal(t, "180.00", s.InclusiveTax.StringFixed(2))
	require.Equal(t, "1180.00", s.FinalTotal.StringFixed(2))
}

func TestComputeMembershipFreeShipping(t *testing.T) {
	member := &discount.Membership{PlanID: "p", PlanName: "Plus", FreeShipping: true, Status: "active", PlanActive: true}
	s, err := Compute(Input{Items: cart("200", 500), Destination: shipping.Destination{Zone: "C"}, Membership: member, Snapshot: snapshot(t), Now: now})
	require.NoError(t, err)
	require.Equal(t, "80.00", s.ShippingBase.StringFixed(2))
	require.True(t, s.ShippingCharge.IsZero())
	require.Equal(t, "200.00", s.FinalTotal.StringFixed(2))
}

func TestComputeIsIdempotent(t *testing.T) {
	soon := now.Add(time.Hour)
	in := Input{
		Items: []Item{
			{ProductID: "p1", Quantity: 2, UnitPrice: dec("199.99"), WeightGrams: 350},
			{ProductID: "p2", Quantity: 1, UnitPrice: dec("49.50"), WeightGrams: 120},
		},
		Destination: shipping.Destination{Pincode: "302017"},
		Coupon:      &discount.Requested{Code: "FLAT40", Rule: &discount.Rule{ID: "c3", Source: discount.SourceCoupon, Code: "FLAT40", Benefit: discount.Flat{Value: dec("40")}, Active: true}},
		FirstOrder:  true,
		Coins:       coins.Request{UseMax: true},
		Lots:        []coins.Lot{{ID: "l1", Remaining: 77, ExpiresAt: &soon}},
		Snapshot:    settings.Defaults(),
		Now:         now,
	}
	first, err := Compute(in)
	require.NoError(t, err)
	second, err := Compute(in)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, first.Fingerprint, second.Fingerprint)
	require.Len(t, first.Fingerprint, 32)
}

func TestComputeFingerprintTracksChargedAmounts(t *testing.T) {
	in := Input{Items: cart("800", 500), Snapshot: snapshot(t), Now: now}
	base, err := Compute(in)
	require.NoError(t, err)

	in.Items = cart("801", 500)
	changed, err := Compute(in)
	require.NoError(t, err)
	require.NotEqual(t, base.Fingerprint, changed.Fingerprint)
}

func TestComputeFinalTotalNeverNegative(t *testing.T) {
	snap := snapshot(t)
	snap.Discount.MaxDiscountPercentage = decimal.Zero
	snap.Coins.MaxRedeemPercentage = dec("100")
	snap.Coins.RedeemRate = dec("1")
	lots := []coins.Lot{{ID: "big", Remaining: 1_000_000}}

	for _, price := range []string{"0.01", "1", "99.99", "500", "4999.99"} {
		for _, flat := range []string{"0", "10", "1000000"} {
			t.Run(fmt.Sprintf("%s/%s", price, flat), func(t *testing.T) {
				rule := &discount.Rule{ID: "f", Source: discount.SourceCoupon, Code: "BIG", Benefit: discount.Flat{Value: dec(flat)}, Active: true}
				s, err := Compute(Input{
					Items:    cart(price, 0),
					Coupon:   &discount.Requested{Code: "BIG", Rule: rule},
					Coins:    coins.Request{Coins: 10_000_000},
					Lots:     lots,
					Snapshot: snap,
					Now:      now,
				})
				require.NoError(t, err)
				require.False(t, s.FinalTotal.IsNegative())
				require.True(t, s.DiscountAmount.LessThanOrEqual(s.Subtotal))
				sum := s.Subtotal.Add(s.ShippingCharge).Add(s.TaxAmount).Sub(s.DiscountAmount).Sub(s.CoinRedeemedValue)
				require.True(t, s.FinalTotal.Equal(decimal.Max(decimal.Zero, sum.Round(2))))
			})
		}
	}
}

func TestComputeFatalErrors(t *testing.T) {
	snap := snapshot(t)
	snap.Order.MinimumOrderValue = dec("100")
	snap.Order.MaximumOrderValue = dec("5000")
	snap.Order.MaxItemsPerOrder = 3

	_, err := Compute(Input{Snapshot: snap, Now: now})
	require.ErrorIs(t, err, ErrEmptyCart)

	_, err = Compute(Input{Items: cart("99.99", 0), Snapshot: snap, Now: now})
	require.ErrorIs(t, err, ErrOrderOutOfBounds)
	var bounds *BoundsError
	require.True(t, errors.As(err, &bounds))
	require.Equal(t, "100.00", bounds.Minimum.StringFixed(2))

	_, err = Compute(Input{Items: cart("5000.01", 0), Snapshot: snap, Now: now})
	require.ErrorIs(t, err, ErrOrderOutOfBounds)

	_, err = Compute(Input{Items: []Item{{ProductID: "p", Quantity: 4, UnitPrice: dec("10")}}, Snapshot: snap, Now: now})
	require.ErrorIs(t, err, ErrItemLimitExceeded)

	_, err = Compute(Input{Items: []Item{{ProductID: "p", Quantity: 0, UnitPrice: dec("10")}}, Snapshot: snap, Now: now})
	require.ErrorIs(t, err, ErrInvalidItem)

	snap.Order.MaximumOrderValue = decimal.Zero
	_, err = Compute(Input{Items: cart("90000", 0), Snapshot: snap, Now: now})
	require.NoError(t, err)
}
