// Package settings turns admin-owned configuration rows into an immutable
// Snapshot that every settlement computation receives explicitly.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/money"
)

// Setting keys as stored in the settings table.
const (
	KeyShipping = "shippingSettings"
	KeyTax      = "taxSettings"
	KeyDiscount = "discountSettings"
	KeyOrder    = "orderSettings"
	KeyCoins    = "coinSettings"
)

// Keys lists every key a snapshot is built from.
var Keys = []string{KeyShipping, KeyTax, KeyDiscount, KeyOrder, KeyCoins}

// Snapshot is the configuration in force for one computation. Treat it as read-only.
type Snapshot struct {
	Version  string   `json:"-"`
	Shipping Shipping `json:"shipping"`
	Tax      Tax      `json:"tax"`
	Discount Discount `json:"discount"`
	Order    Order    `json:"order"`
	Coins    Coins    `json:"coins"`
	// Warnings lists fields that were malformed and replaced by defaults.
	Warnings []string `json:"-"`
}

type Shipping struct {
	// RateChart is the raw admin chart. The shipping package normalises it.
	RateChart             json.RawMessage `json:"rateChart,omitempty"`
	FreeShippingThreshold decimal.Decimal `json:"freeShippingThreshold"`
	FreeShippingEnabled   bool            `json:"freeShippingEnabled"`
	MarkupPercent         decimal.Decimal `json:"markupPercent"`

	// SlabPincodes maps a pincode prefix to a nested slab name such as ultraLocal.
	SlabPincodes map[string]string `json:"slabPincodes,omitempty"`
}

type Tax struct {
	Enabled       bool            `json:"enabled"`
	Rate          decimal.Decimal `json:"taxRate"`
	IncludedPrice bool            `json:"taxIncludedInPrice"`
}

type FirstOrder struct {
	Enabled     bool            `json:"enabled"`
	Percentage  decimal.Decimal `json:"percentage"`
	MaxDiscount decimal.Decimal `json:"maxDiscount"`
}

type Discount struct {
	MaxDiscountPercentage decimal.Decimal `json:"maxDiscountPercentage"`
	StackableCoupons      bool            `json:"stackableCoupons"`
	FirstOrder            FirstOrder      `json:"firstOrderDiscount"`
}

type Order struct {
	MinimumOrderValue decimal.Decimal `json:"minimumOrderValue"`
	// MaximumOrderValue of zero means no upper bound.
	MaximumOrderValue decimal.Decimal `json:"maximumOrderValue"`
	// MaxItemsPerOrder of zero means no limit.
	MaxItemsPerOrder int `json:"maxItemsPerOrder"`
}

type Coins struct {
	Enabled             bool            `json:"enabled"`
	CoinsPerRupee       decimal.Decimal `json:"coinsPerRupee"`
	RedeemRate          decimal.Decimal `json:"redeemRate"`
	MaxRedeemPercentage decimal.Decimal `json:"maxRedeemPercentage"`
	ExpiryDays          int             `json:"expiryDays"`
}

// Defaults returns the built-in configuration used for any key an admin never saved.
func Defaults() Snapshot {
	return Snapshot{
		Shipping: Shipping{
			FreeShippingThreshold: decimal.NewFromInt(500),
			FreeShippingEnabled:   true,
			MarkupPercent:         decimal.NewFromInt(30),
		},
		Tax: Tax{
			Enabled:       false,
			Rate:          decimal.NewFromInt(5),
			IncludedPrice: true,
		},
		Discount: Discount{
			MaxDiscountPercentage: decimal.NewFromInt(50),
			StackableCoupons:      true,
			FirstOrder: FirstOrder{
				Enabled:     true,
				Percentage:  decimal.NewFromInt(10),
				MaxDiscount: decimal.NewFromInt(100),
			},
		},
		Order: Order{
			MinimumOrderValue: decimal.Zero,
			MaximumOrderValue: decimal.NewFromInt(50000),
			MaxItemsPerOrder:  50,
		},
		Coins: Coins{
			Enabled:             true,
			CoinsPerRupee:       decimal.RequireFromString("0.05"),
			RedeemRate:          decimal.RequireFromString("0.1"),
			MaxRedeemPercentage: decimal.NewFromInt(20),
			ExpiryDays:          365,
		},
	}
}

// Decode builds a snapshot from raw JSON values keyed by setting name.
// Missing keys and malformed fields keep their defaults and are reported in
// Warnings. A value that is not a JSON object at all is an error.
func Decode(raw map[string]json.RawMessage) (Snapshot, error) {
	s := Defaults()
	d := decoder{snap: &s}

	if v, ok := raw[KeyShipping]; ok {
		obj, err := object(KeyShipping, v)
		if err != nil {
			return Snapshot{}, err
		}
		for _, key := range []string{"distanceRateChart", "distanceCharges", "shippingRateChart", "zoneRates", "rates"} {
			if chart, ok := obj[key]; ok && isObject(chart) {
				s.Shipping.RateChart = compact(chart)
				break
			}
		}
		d.amount(obj, KeyShipping, "freeShippingThreshold", &s.Shipping.FreeShippingThreshold)
		d.amount(obj, KeyShipping, "markupPercent", &s.Shipping.MarkupPercent)
		d.boolean(obj, KeyShipping, "freeShippingEnabled", &s.Shipping.FreeShippingEnabled)
		d.names(obj, KeyShipping, "slabPincodes", &s.Shipping.SlabPincodes)
	}
	if v, ok := raw[KeyTax]; ok {
		obj, err := object(KeyTax, v)
		if err != nil {
			return Snapshot{}, err
		}
		d.boolean(obj, KeyTax, "enabled", &s.Tax.Enabled)
		d.amount(obj, KeyTax, "taxRate", &s.Tax.Rate)
		d.boolean(obj, KeyTax, "taxIncludedInPrice", &s.Tax.IncludedPrice)
	}
	if v, ok := raw[KeyDiscount]; ok {
		obj, err := object(KeyDiscount, v)
		if err != nil {
			return Snapshot{}, err
		}
		d.amount(obj, KeyDiscount, "maxDiscountPercentage", &s.Discount.MaxDiscountPercentage)
		d.boolean(obj, KeyDiscount, "stackableCoupons", &s.Discount.StackableCoupons)
		if fo, ok := obj["firstOrderDiscount"]; ok {
			inner, err := object(KeyDiscount+".firstOrderDiscount", fo)
			if err != nil {
				d.warn(KeyDiscount + ".firstOrderDiscount")
			} else {
				section := KeyDiscount + ".firstOrderDiscount"
				d.boolean(inner, section, "enabled", &s.Discount.FirstOrder.Enabled)
				d.amount(inner, section, "percentage", &s.Discount.FirstOrder.Percentage)
				d.amount(inner, section, "maxDiscount", &s.Discount.FirstOrder.MaxDiscount)
			}
		}
	}
	if v, ok := raw[KeyOrder]; ok {
		obj, err := object(KeyOrder, v)
		if err != nil {
			return Snapshot{}, err
		}
		d.amount(obj, KeyOrder, "minimumOrderValue", &s.Order.MinimumOrderValue)
		d.amount(obj, KeyOrder, "maximumOrderValue", &s.Order.MaximumOrderValue)
		d.integer(obj, KeyOrder, "maxItemsPerOrder", &s.Order.MaxItemsPerOrder)
	}
	if v, ok := raw[KeyCoins]; ok {
		obj, err := object(KeyCoins, v)
		if err != nil {
			return Snapshot{}, err
		}
		d.boolean(obj, KeyCoins, "enabled", &s.Coins.Enabled)
		d.amount(obj, KeyCoins, "coinsPerRupee", &s.Coins.CoinsPerRupee)
		d.amount(obj, KeyCoins, "redeemRate", &s.Coins.RedeemRate)
		d.amount(obj, KeyCoins, "maxRedeemPercentage", &s.Coins.MaxRedeemPercentage)
		d.integer(obj, KeyCoins, "expiryDays", &s.Coins.ExpiryDays)
	}

	version, err := fingerprint(s)
	if err != nil {
		return Snapshot{}, err
	}
	s.Version = version
	return s, nil
}

func fingerprint(s Snapshot) (string, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("settings: fingerprint: %w", err)
	}
	return common.Digest(body)[:16], nil
}

type decoder struct {
	snap *Snapshot
}

func (d decoder) warn(field string) {
	d.snap.Warnings = append(d.snap.Warnings, field)
	sort.Strings(d.snap.Warnings)
}

func (d decoder) amount(obj map[string]json.RawMessage, section, field string, dst *decimal.Decimal) {
	v, ok := obj[field]
	if !ok || isNull(v) {
		return
	}
	amt, err := money.FromJSON(v)
	if err != nil {
		d.warn(section + "." + field)
		return
	}
	*dst = amt
}

func (d decoder) boolean(obj map[string]json.RawMessage, section, field string, dst *bool) {
	v, ok := obj[field]
	if !ok || isNull(v) {
		return
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		d.warn(section + "." + field)
		return
	}
	*dst = b
}

func (d decoder) integer(obj map[string]json.RawMessage, section, field string, dst *int) {
	v, ok := obj[field]
	if !ok || isNull(v) {
		return
	}
	amt, err := money.FromJSON(v)
	if err != nil || !amt.Equal(amt.Truncate(0)) {
		d.warn(section + "." + field)
		return
	}
	*dst = int(amt.IntPart())
}

// names decodes a map of non-empty digit prefixes to non-empty names.
func (d decoder) names(obj map[string]json.RawMessage, section, field string, dst *map[string]string) {
	v, ok := obj[field]
	if !ok || isNull(v) {
		return
	}
	var m map[string]string
	if err := json.Unmarshal(v, &m); err != nil {
		d.warn(section + "." + field)
		return
	}
	out := make(map[string]string, len(m))
	for k, name := range m {
		k, name = strings.TrimSpace(k), strings.TrimSpace(name)
		if k == "" || name == "" || strings.Trim(k, "0123456789") != "" {
			d.warn(section + "." + field)
			return
		}
		out[k] = name
	}
	*dst = out
}

func object(key string, v json.RawMessage) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(v, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: %s is not an object", ErrMalformed, key)
	}
	return obj, nil
}

func isObject(v json.RawMessage) bool {
	trimmed := bytes.TrimSpace(v)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}
