package shipping

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
)

// Metrics is the inflated shipping figure shown as a strikethrough price.
// It never feeds the payable amount.
type Metrics struct {
	MarkupPercent         decimal.Decimal `json:"markupPercent"`
	MaxLocalBase          decimal.Decimal `json:"maxLocalBase"`
	MaxIndiaBase          decimal.Decimal `json:"maxIndiaBase"`
	MaxLocalDisplayCharge decimal.Decimal `json:"maxLocalDisplayCharge"`
	MaxIndiaDisplayCharge decimal.Decimal `json:"maxIndiaDisplayCharge"`
	Fallback              bool            `json:"fallback"`
}

// IsLocalZone reports whether a zone code names the home region.
func IsLocalZone(code string) bool {
	c := strings.ToLower(code)
	return strings.Contains(c, "local") || strings.Contains(c, "intra") || strings.Contains(c, "rajasthan")
}

// DisplayMetrics computes round2(maxBase × (1 + markup/100)) for the local
// class and for the nationwide class. Local falls back to zone A when no zone
// is named as local.
func DisplayMetrics(chart RateChart, markupPercent decimal.Decimal) Metrics {
	markupPercent = money.ClampZero(markupPercent)
	m := Metrics{MarkupPercent: markupPercent, Fallback: chart.Fallback}

	localSeen := false
	for _, code := range chart.Codes() {
		rate := chart.Zones[code]
		top := maxBase(rate)
		if top.GreaterThan(m.MaxIndiaBase) {
			m.MaxIndiaBase = top
		}
		if IsLocalZone(code) {
			localSeen = true
			if top.GreaterThan(m.MaxLocalBase) {
				m.MaxLocalBase = top
			}
		}
		for name, s := range rate.Nested {
			if IsLocalZone(name) && s.Base500.GreaterThan(m.MaxLocalBase) {
				localSeen = true
				m.MaxLocalBase = s.Base500
			}
		}
	}
	if !localSeen {
		if rate, _, ok := chart.Zone("A"); ok {
			m.MaxLocalBase = maxBase(rate)
		}
	}

	factor := decimal.NewFromInt(1).Add(markupPercent.Div(decimal.NewFromInt(100)))
	m.MaxLocalDisplayCharge = money.Round2(m.MaxLocalBase.Mul(factor))
	m.MaxIndiaDisplayCharge = money.Round2(m.MaxIndiaBase.Mul(factor))
	return m
}

func maxBase(rate ZoneRate) decimal.Decimal {
	top := rate.Base500
	for _, s := range rate.Nested {
		if s.Base500.GreaterThan(top) {
			top = s.Base500
		}
	}
	return top
}
