// Package shipping resolves zone rate charts and prices a cart's shipment
// using 500 g slabs.
package shipping

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
)

// Slab prices the first 500 g (Base500) and each further 500 g (Add500).
type Slab struct {
	Base500 decimal.Decimal `json:"base500"`
	Add500  decimal.Decimal `json:"add500"`
}

// ZoneRate is a zone's generic slab plus optional named sub-slabs such as ultraLocal.
type ZoneRate struct {
	Slab
	Nested map[string]Slab `json:"nestedSlabs,omitempty"`
}

// RateChart maps zone codes to rates. Every zone carries a base and an increment.
type RateChart struct {
	Zones map[string]ZoneRate `json:"zones"`
	// Fallback reports that no usable admin chart existed and the default chart is in force.
	Fallback bool `json:"fallback"`
	// Repaired lists admin zones replaced by, or dropped in favour of, defaults.
	Repaired []string `json:"repaired,omitempty"`
}

// DefaultRateChart is the chart used when an admin never configured one.
func DefaultRateChart() RateChart {
	return RateChart{
		Zones: map[string]ZoneRate{
			"A": {Slab: Slab{Base500: decimal.NewFromInt(24), Add500: decimal.NewFromInt(14)}},
			"B": {Slab: Slab{Base500: decimal.NewFromInt(42), Add500: decimal.NewFromInt(26)}},
			"C": {Slab: Slab{Base500: decimal.NewFromInt(50), Add500: decimal.NewFromInt(30)}},
		},
		Fallback: true,
	}
}

// ResolveRateChart normalises an admin chart. Zones the admin left out or
// configured badly take the default chart's entry, so the result always
// prices zones A, B and C. It never fails.
func ResolveRateChart(raw json.RawMessage) RateChart {
	def := DefaultRateChart()
	var zones map[string]json.RawMessage
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &zones) != nil || len(zones) == 0 {
		return def
	}

	chart := RateChart{Zones: make(map[string]ZoneRate, len(zones)+len(def.Zones))}
	usable := 0
	for code, body := range zones {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		rate, ok := parseZone(body)
		if ok {
			chart.Zones[code] = rate
			usable++
			continue
		}
		chart.Repaired = append(chart.Repaired, code)
		if d, found := lookup(def.Zones, code); found {
			chart.Zones[code] = d
		}
	}
	for code, rate := range def.Zones {
		if _, found := lookup(chart.Zones, code); !found {
			chart.Zones[code] = rate
		}
	}
	sort.Strings(chart.Repaired)
	chart.Fallback = usable == 0
	return chart
}

// Zone looks a zone up case-insensitively and returns its canonical code.
func (c RateChart) Zone(code string) (ZoneRate, string, bool) {
	code = strings.TrimSpace(code)
	if rate, ok := c.Zones[code]; ok {
		return rate, code, true
	}
	for k, rate := range c.Zones {
		if strings.EqualFold(k, code) {
			return rate, k, true
		}
	}
	return ZoneRate{}, "", false
}

// Codes returns zone codes in a stable order.
func (c RateChart) Codes() []string {
	codes := make([]string, 0, len(c.Zones))
	for k := range c.Zones {
		codes = append(codes, k)
	}
	sort.Strings(codes)
	return codes
}

// SlabFor returns the named nested slab when present, else the zone's generic slab.
func (z ZoneRate) SlabFor(name string) (Slab, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return z.Slab, ""
	}
	for k, s := range z.Nested {
		if strings.EqualFold(k, name) {
			return s, k
		}
	}
	return z.Slab, ""
}

func lookup(zones map[string]ZoneRate, code string) (ZoneRate, bool) {
	for k, rate := range zones {
		if strings.EqualFold(k, code) {
			return rate, true
		}
	}
	return ZoneRate{}, false
}

func parseZone(body json.RawMessage) (ZoneRate, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return ZoneRate{}, false
	}
	base, err := money.FromJSON(fields["base500"])
	if err != nil {
		return ZoneRate{}, false
	}
	add, err := money.FromJSON(fields["add500"])
	if err != nil {
		return ZoneRate{}, false
	}
	rate := ZoneRate{Slab: Slab{Base500: base, Add500: add}}

	var nested map[string]json.RawMessage
	if raw, ok := fields["nestedSlabs"]; ok && json.Unmarshal(raw, &nested) == nil {
		for name, v := range nested {
			if s, ok := parseNested(v, add); ok {
				if rate.Nested == nil {
					rate.Nested = make(map[string]Slab, len(nested))
				}
				rate.Nested[name] = s
			}
		}
	}
	return rate, true
}

// parseNested accepts either {base500, add500?} or a bare base number. A
// missing increment inherits the parent zone's.
func parseNested(v json.RawMessage, parentAdd decimal.Decimal) (Slab, bool) {
	if base, err := money.FromJSON(v); err == nil {
		return Slab{Base500: base, Add500: parentAdd}, true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(v, &fields); err != nil || fields == nil {
		return Slab{}, false
	}
	base, err := money.FromJSON(fields["base500"])
	if err != nil {
		return Slab{}, false
	}
	add := parentAdd
	if raw, ok := fields["add500"]; ok {
		if add, err = money.FromJSON(raw); err != nil {
			return Slab{}, false
		}
	}
	return Slab{Base500: base, Add500: add}, true
}
