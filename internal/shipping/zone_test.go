package shipping

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/checkout-settlement/internal/settings"
)

func TestValidPincode(t *testing.T) {
	for _, p := range []string{"302017", "012345", "000000"} {
		require.True(t, ValidPincode(p), p)
	}
	for _, p := range []string{"", "12345", "1234567", "30201x", " 30201"} {
		require.False(t, ValidPincode(p), p)
	}
}

func TestDestinationForDetectsZoneFromPincode(t *testing.T) {
	require.Equal(t, Destination{Pincode: "190001", Zone: "C"}, DestinationFor(" 190001 ", settings.Shipping{}))
	require.Equal(t, Destination{Zone: DefaultZone}, DestinationFor("", settings.Shipping{}))
	require.Equal(t, Destination{Pincode: "12ab56", Zone: DefaultZone}, DestinationFor("12ab56", settings.Shipping{}))
}

func TestDestinationForPicksLongestSlabPrefix(t *testing.T) {
	cfg := settings.Shipping{SlabPincodes: map[string]string{
		"302":    "local",
		"302017": "ultraLocal",
		"":       "ignored",
	}}
	require.Equal(t, "ultraLocal", DestinationFor("302017", cfg).Slab)
	require.Equal(t, "local", DestinationFor("302001", cfg).Slab)
	require.Empty(t, DestinationFor("190001", cfg).Slab)
}

func TestCalculateUsesConfiguredSlabForPincode(t *testing.T) {
	chart := ResolveRateChart([]byte(`{"A":{"base500":24,"add500":14,"nestedSlabs":{"ultraLocal":{"base500":10,"add500":5}}}}`))
	cfg := settings.Shipping{SlabPincodes: map[string]string{"302017": "ultraLocal"}}

	q := Calculate(Request{Chart: chart, Settings: cfg, Destination: DestinationFor("302017", cfg), Subtotal: dec("100"), WeightGrams: 900})
	require.Equal(t, "A", q.Zone)
	require.Equal(t, "ultraLocal", q.Slab)
	require.True(t, q.Charge.Equal(dec("15")), q.Charge.String())

	q = Calculate(Request{Chart: chart, Settings: cfg, Destination: DestinationFor("302001", cfg), Subtotal: dec("100"), WeightGrams: 900})
	require.Empty(t, q.Slab)
	require.True(t, q.Charge.Equal(dec("38")), q.Charge.String())
}
