package pricing

import (
	"github.com/noah-isme/checkout-settlement/internal/money"
)

// View renders a settlement for API responses with every amount fixed to two decimals.
func View(s Settlement) map[string]any {
	lines := make([]map[string]any, 0, len(s.Discounts))
	for _, l := range s.Discounts {
		line := map[string]any{"source": l.Source, "kind": l.Kind, "amount": money.Format(l.Amount)}
		if l.Code != "" {
			line["code"] = l.Code
		}
		lines = append(lines, line)
	}
	return map[string]any{
		"subtotal":              money.Format(s.Subtotal),
		"itemCount":             s.ItemCount,
		"zone":                  s.Zone,
		"weightGrams":           s.WeightGrams,
		"estimatedWeight":       s.EstimatedWeight,
		"shippingCharge":        money.Format(s.ShippingCharge),
		"displayShippingCharge": money.Format(s.DisplayShippingCharge),
		"freeShipping":          s.FreeShipping,
		"taxMode":               s.TaxMode,
		"taxAmount":             money.Format(s.TaxAmount),
		"inclusiveTax":          money.Format(s.InclusiveTax),
		"discounts":             lines,
		"discountAmount":        money.Format(s.DiscountAmount),
		"discountCapped":        s.DiscountCapped,
		"coinsRedeemed":         s.CoinsRedeemed,
		"coinRedeemedValue":     money.Format(s.CoinRedeemedValue),
		"finalTotal":            money.Format(s.FinalTotal),
		"rejections":            s.Notices,
		"configVersion":         s.ConfigVersion,
		"fingerprint":           s.Fingerprint,
	}
}
