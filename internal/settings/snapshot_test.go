package settings

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDecodeEmptyUsesDefaults(t *testing.T) {
	snap, err := Decode(nil)
	require.NoError(t, err)
	def := Defaults()
	require.True(t, snap.Shipping.FreeShippingThreshold.Equal(def.Shipping.FreeShippingThreshold))
	require.True(t, snap.Shipping.MarkupPercent.Equal(decimal.NewFromInt(30)))
	require.Nil(t, snap.Shipping.RateChart)
	require.False(t, snap.Tax.Enabled)
	require.True(t, snap.Discount.MaxDiscountPercentage.Equal(decimal.NewFromInt(50)))
	require.NotEmpty(t, snap.Version)
}

func TestDecodeOverridesAndChartKey(t *testing.T) {
	raw := map[string]json.RawMessage{
		KeyShipping: json.RawMessage(`{"distanceRateChart": {"A": {"base500": 24, "add500": 14}}, "freeShippingThreshold": "999", "markupPercent": 25}`),
		KeyTax:      json.RawMessage(`{"enabled": true, "taxRate": 18, "taxIncludedInPrice": false}`),
		KeyDiscount: json.RawMessage(`{"maxDiscountPercentage": 20, "firstOrderDiscount": {"enabled": false}}`),
		KeyOrder:    json.RawMessage(`{"minimumOrderValue": 99, "maximumOrderValue": 0, "maxItemsPerOrder": 10}`),
	}
	snap, err := Decode(raw)
	require.NoError(t, err)
	require.JSONEq(t, `{"A":{"base500":24,"add500":14}}`, string(snap.Shipping.RateChart))
	require.True(t, snap.Shipping.FreeShippingThreshold.Equal(decimal.NewFromInt(999)))
	require.True(t, snap.Shipping.MarkupPercent.Equal(decimal.NewFromInt(25)))
	require.True(t, snap.Tax.Enabled)
	require.False(t, snap.Tax.IncludedPrice)
	require.True(t, snap.Discount.MaxDiscountPercentage.Equal(decimal.NewFromInt(20)))
	require.False(t, snap.Discount.FirstOrder.Enabled)
	require.True(t, snap.Discount.FirstOrder.Percentage.Equal(decimal.NewFromInt(10)))
	require.True(t, snap.Order.MaximumOrderValue.IsZero())
	require.Equal(t, 10, snap.Order.MaxItemsPerOrder)
	require.Empty(t, snap.Warnings)
}

func TestDecodeMalformedFieldsFallBack(t *testing.T) {
	raw := map[string]json.RawMessage{
		KeyShipping: json.RawMessage(`{"rates": [1,2], "markupPercent": -5, "freeShippingEnabled": "yes"}`),
		KeyCoins:    json.RawMessage(`{"expiryDays": 1.5}`),
	}
	snap, err := Decode(raw)
	require.NoError(t, err)
	require.Nil(t, snap.Shipping.RateChart)
	require.True(t, snap.Shipping.MarkupPercent.Equal(decimal.NewFromInt(30)))
	require.True(t, snap.Shipping.FreeShippingEnabled)
	require.Equal(t, 365, snap.Coins.ExpiryDays)
	require.Equal(t, []string{"coinSettings.expiryDays", "shippingSettings.freeShippingEnabled", "shippingSettings.markupPercent"}, snap.Warnings)
}

func TestDecodeSlabPincodes(t *testing.T) {
	snap, err := Decode(map[string]json.RawMessage{
		KeyShipping: json.RawMessage(`{"slabPincodes": {" 302017 ": "ultraLocal", "302": "local"}}`),
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"302017": "ultraLocal", "302": "local"}, snap.Shipping.SlabPincodes)
	require.Empty(t, snap.Warnings)

	snap, err = Decode(map[string]json.RawMessage{
		KeyShipping: json.RawMessage(`{"slabPincodes": {"30x": "local"}}`),
	})
	require.NoError(t, err)
	require.Nil(t, snap.Shipping.SlabPincodes)
	require.Equal(t, []string{"shippingSettings.slabPincodes"}, snap.Warnings)
}

func TestDecodeRejectsNonObject(t *testing.T) {
	_, err := Decode(map[string]json.RawMessage{KeyTax: json.RawMessage(`"on"`)})
	require.Error(t, err)
}

func TestDecodeVersionIsStable(t *testing.T) {
	raw := map[string]json.RawMessage{
		KeyShipping: json.RawMessage(`{"zoneRates": {"B": {"base500": 42, "add500": 26}}}`),
	}
	a, err := Decode(raw)
	require.NoError(t, err)
	b, err := Decode(map[string]json.RawMessage{
		KeyShipping: json.RawMessage("{ \"zoneRates\" : { \"B\": {\"base500\":42,  \"add500\":26} } }"),
	})
	require.NoError(t, err)
	require.Equal(t, a.Version, b.Version)

	c, err := Decode(nil)
	require.NoError(t, err)
	require.NotEqual(t, a.Version, c.Version)
}
