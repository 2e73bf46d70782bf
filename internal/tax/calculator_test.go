package tax

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-settlement/internal/settings"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComputeDisabled(t *testing.T) {
	r := Compute(dec("1000"), settings.Tax{Enabled: false, Rate: dec("18")})
	require.Equal(t, ModeDisabled, r.Mode)
	require.True(t, r.Amount.IsZero())
	require.True(t, r.Included.IsZero())

	zeroRate := Compute(dec("1000"), settings.Tax{Enabled: true, Rate: decimal.Zero})
	require.Equal(t, ModeDisabled, zeroRate.Mode)
}

func TestComputeExclusiveRoundsHalfUp(t *testing.T) {
	r := Compute(dec("333.30"), settings.Tax{Enabled: true, Rate: dec("5")})
	require.Equal(t, ModeExclusive, r.Mode)
	require.Equal(t, "16.67", r.Amount.StringFixed(2))

	r = Compute(dec("1000"), settings.Tax{Enabled: true, Rate: dec("18")})
	require.Equal(t, "180.00", r.Amount.StringFixed(2))
}

func TestComputeInclusiveAddsNothing(t *testing.T) {
	r := Compute(dec("1050"), settings.Tax{Enabled: true, Rate: dec("5"), IncludedPrice: true})
	require.Equal(t, ModeInclusive, r.Mode)
	require.True(t, r.Amount.IsZero())
	require.Equal(t, "50.00", r.Included.StringFixed(2))
}

func TestSplitInclusiveAddsBack(t *testing.T) {
	for _, amount := range []string{"0.01", "99.99", "1234.56", "500"} {
		included := SplitInclusive(dec(amount), dec("18"))
		base := dec(amount).Sub(included)
		require.True(t, base.Add(included).Equal(dec(amount)))
		require.False(t, included.IsNegative())
	}
	require.True(t, SplitInclusive(dec("-1"), dec("5")).IsZero())
}
