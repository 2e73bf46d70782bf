package shipping

import (
	"strings"

	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// DefaultZone prices destinations whose zone cannot be determined.
const DefaultZone = "B"

var remotePrefixes = []string{"19", "18", "79", "78", "77", "68", "67", "74", "93"}

// Destination identifies where a cart ships. Zone wins over Pincode when both
// are set. Checkout builds its destination with DestinationFor.
type Destination struct {
	Pincode string `json:"pincode,omitempty"`
	Zone    string `json:"zone,omitempty"`
	// Slab names a nested slab such as ultraLocal.
	Slab string `json:"slab,omitempty"`
}

// ValidPincode reports whether p is a six digit postal code.
func ValidPincode(p string) bool {
	if len(p) != 6 {
		return false
	}
	for i := 0; i < len(p); i++ {
		if p[i] < '0' || p[i] > '9' {
			return false
		}
	}
	return true
}

// DetectZone maps a pincode to a zone: the home city is A, the north-east,
// Jammu & Kashmir, Himachal and the islands are C, everything else B.
func DetectZone(pincode string) string {
	pincode = strings.TrimSpace(pincode)
	if !ValidPincode(pincode) {
		return DefaultZone
	}
	if strings.HasPrefix(pincode, "302") {
		return "A"
	}
	for _, prefix := range remotePrefixes {
		if strings.HasPrefix(pincode, prefix) {
			return "C"
		}
	}
	return DefaultZone
}

// DestinationFor builds a destination from the pincode alone. The zone is
// detected from the pincode and a nested slab is chosen only by the longest
// matching prefix in cfg.SlabPincodes.
func DestinationFor(pincode string, cfg settings.Shipping) Destination {
	pincode = strings.TrimSpace(pincode)
	dest := Destination{Pincode: pincode, Zone: DetectZone(pincode)}
	if !ValidPincode(pincode) {
		return dest
	}
	best := ""
	for prefix, slab := range cfg.SlabPincodes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" || !strings.HasPrefix(pincode, prefix) {
			continue
		}
		if len(prefix) > len(best) || (len(prefix) == len(best) && slab < dest.Slab) {
			best, dest.Slab = prefix, slab
		}
	}
	return dest
}

// resolveZone picks the zone a destination is priced against within chart.
func resolveZone(chart RateChart, dest Destination) (ZoneRate, string) {
	if dest.Zone != "" {
		if rate, code, ok := chart.Zone(dest.Zone); ok {
			return rate, code
		}
	}
	if dest.Pincode != "" {
		if rate, code, ok := chart.Zone(DetectZone(dest.Pincode)); ok {
			return rate, code
		}
	}
	if rate, code, ok := chart.Zone(DefaultZone); ok {
		return rate, code
	}
	return DefaultRateChart().Zones[DefaultZone], DefaultZone
}
