// Package coins keeps the loyalty-coin ledger: lots granted to a user, the
// usable balance at a point in time and the expiry-ordered redemption plan.
package coins

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// ErrInsufficientBalance reports that a lot no longer holds the coins planned for it.
var ErrInsufficientBalance = errors.New("insufficient coin balance")

// Lot sources.
const (
	SourceOrder      = "order"
	SourceMembership = "membership"
	SourceAdmin      = "admin"
	SourceSystem     = "system"
)

// Lot is one batch of coins. A nil ExpiresAt never expires.
type Lot struct {
	ID          string     `json:"id"`
	UserID      string     `json:"-"`
	Granted     int64      `json:"granted"`
	Remaining   int64      `json:"remaining"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Source      string     `json:"source"`
	ReferenceID string     `json:"referenceId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// UsableAt reports whether the lot still holds coins that have not expired at now.
func (l Lot) UsableAt(now time.Time) bool {
	if l.Remaining <= 0 {
		return false
	}
	return l.ExpiresAt == nil || l.ExpiresAt.After(now)
}

// UsableBalance sums the remaining coins of every usable lot.
func UsableBalance(lots []Lot, now time.Time) int64 {
	var total int64
	for _, l := range lots {
		if l.UsableAt(now) {
			total += l.Remaining
		}
	}
	return total
}

// ConsumptionOrder returns the usable lots in the order they are drained:
// nearest expiry first, never-expiring lots last, then oldest, then by id.
func ConsumptionOrder(lots []Lot, now time.Time) []Lot {
	out := make([]Lot, 0, len(lots))
	for _, l := range lots {
		if l.UsableAt(now) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Request is what the shopper asked to redeem: an exact count or everything usable.
type Request struct {
	Coins  int64 `json:"coins" validate:"gte=0"`
	UseMax bool  `json:"useMax"`
}

// Empty reports whether nothing was asked for.
func (r Request) Empty() bool { return !r.UseMax && r.Coins <= 0 }

// Policy is the redemption side of the coin settings.
type Policy struct {
	Enabled             bool
	RedeemRate          decimal.Decimal
	MaxRedeemPercentage decimal.Decimal
}

// PolicyFrom extracts the redemption policy from a settings snapshot.
func PolicyFrom(c settings.Coins) Policy {
	return Policy{Enabled: c.Enabled, RedeemRate: c.RedeemRate, MaxRedeemPercentage: c.MaxRedeemPercentage}
}

// Allocation is the number of coins planned out of one lot.
type Allocation struct {
	LotID string `json:"lotId"`
	Coins int64  `json:"coins"`
}

// Redemption is the outcome of Plan.
type Redemption struct {
	Requested   int64           `json:"requested"`
	Usable      int64           `json:"usable"`
	Coins       int64           `json:"coins"`
	Value       decimal.Decimal `json:"value"`
	Limit       decimal.Decimal `json:"limit"`
	Allocations []Allocation    `json:"allocations"`
	// Shortfall is set when an exact request asked for more than the usable balance.
	Shortfall bool `json:"shortfall"`
}

// Plan decides how many coins to redeem and from which lots. payable is what
// the order would cost before coins; subtotal bounds the percentage cap.
// Coins redeemed never exceed the request, the usable balance, or the number
// of whole coins whose value fits under the limit.
func Plan(req Request, lots []Lot, policy Policy, payable, subtotal decimal.Decimal, now time.Time) Redemption {
	ordered := ConsumptionOrder(lots, now)
	out := Redemption{Requested: req.Coins, Value: money.Zero, Limit: money.Zero, Allocations: []Allocation{}}
	for _, l := range ordered {
		out.Usable += l.Remaining
	}
	if req.UseMax {
		out.Requested = out.Usable
	}
	if out.Requested < 0 {
		out.Requested = 0
	}
	if !req.UseMax && out.Requested > out.Usable {
		out.Shortfall = true
	}
	if !policy.Enabled || !policy.RedeemRate.IsPositive() || out.Requested == 0 {
		return out
	}

	limit := money.ClampZero(money.Round2(payable))
	if policy.MaxRedeemPercentage.IsPositive() {
		limit = money.Min(limit, money.Percent(subtotal, policy.MaxRedeemPercentage))
	}
	out.Limit = limit

	affordable := limit.Div(policy.RedeemRate).Floor().IntPart()
	coins := out.Requested
	if out.Usable < coins {
		coins = out.Usable
	}
	if affordable < coins {
		coins = affordable
	}
	if coins <= 0 {
		return out
	}

	left := coins
	for _, l := range ordered {
		if left == 0 {
			break
		}
		take := l.Remaining
		if take > left {
			take = left
		}
		out.Allocations = append(out.Allocations, Allocation{LotID: l.ID, Coins: take})
		left -= take
	}
	out.Coins = coins
	out.Value = money.Round2(decimal.NewFromInt(coins).Mul(policy.RedeemRate))
	return out
}

// Earned converts a paid amount into whole coins at the earning rate.
func Earned(amount, coinsPerRupee decimal.Decimal) int64 {
	if !amount.IsPositive() || !coinsPerRupee.IsPositive() {
		return 0
	}
	return amount.Mul(coinsPerRupee).Floor().IntPart()
}

// ExpiryFor returns when a lot granted at now expires, nil when days is not positive.
func ExpiryFor(now time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, days)
	return &t
}
