// Package pricing composes shipping, tax, discounts and coins into the one
// settlement every checkout path charges and displays.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/discount"
	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/settings"
	"github.com/noah-isme/checkout-settlement/internal/shipping"
	"github.com/noah-isme/checkout-settlement/internal/tax"
)

// Fatal conditions. No settlement is produced when Compute returns one of these.
var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidItem       = errors.New("invalid cart item")
	ErrOrderOutOfBounds  = errors.New("order value out of bounds")
	ErrItemLimitExceeded = errors.New("order item limit exceeded")
	ErrInconsistent      = errors.New("settlement is inconsistent")
)

// Notice reasons that do not come from the discount engine.
const (
	ReasonInsufficientCoins = common.CodeInsufficientCoins
	ReasonCoinsDisabled     = "COIN_REDEMPTION_DISABLED"
)

// Item is one cart line with server-side price and per-unit weight.
type Item struct {
	ProductID   string          `json:"productId"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	WeightGrams int             `json:"weightGrams"`
}

// Input is everything a settlement depends on. Compute performs no I/O, so
// the same Input always yields the same Settlement.
type Input struct {
	Items       []Item
	Destination shipping.Destination
	Coupon      *discount.Requested
	Referral    *discount.Requested
	Membership  *discount.Membership
	FirstOrder  bool
	Coins       coins.Request
	Lots        []coins.Lot
	Snapshot    settings.Snapshot
	Now         time.Time
}

// Notice is a non-fatal problem with one requested instrument.
type Notice struct {
	Source  string `json:"source"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Settlement is the authoritative breakdown of one checkout attempt.
type Settlement struct {
	Subtotal              decimal.Decimal    `json:"subtotal"`
	ItemCount             int                `json:"itemCount"`
	Zone                  string             `json:"zone"`
	Slab                  string             `json:"slab,omitempty"`
	WeightGrams           int                `json:"weightGrams"`
	EstimatedWeight       bool               `json:"estimatedWeight"`
	ShippingBase          decimal.Decimal    `json:"shippingBase"`
	ShippingCharge        decimal.Decimal    `json:"shippingCharge"`
	FreeShipping          bool               `json:"freeShipping"`
	DisplayShippingCharge decimal.Decimal    `json:"displayShippingCharge"`
	TaxMode               tax.Mode           `json:"taxMode"`
	TaxRate               decimal.Decimal    `json:"taxRate"`
	TaxAmount             decimal.Decimal    `json:"taxAmount"`
	InclusiveTax          decimal.Decimal    `json:"inclusiveTax"`
	Discounts             []discount.Line    `json:"discounts"`
	DiscountCapped        bool               `json:"discountCapped"`
	DiscountAmount        decimal.Decimal    `json:"discountAmount"`
	CoinsRedeemed         int64              `json:"coinsRedeemed"`
	CoinRedeemedValue     decimal.Decimal    `json:"coinRedeemedValue"`
	CoinAllocations       []coins.Allocation `json:"coinAllocations"`
	FinalTotal            decimal.Decimal    `json:"finalTotal"`
	Notices               []Notice           `json:"notices"`
	ConfigVersion         string             `json:"configVersion"`
	Fingerprint           string             `json:"fingerprint"`
	ComputedAt            time.Time          `json:"computedAt"`
}

// BoundsError carries the limit an order broke.
type BoundsError struct {
	Subtotal decimal.Decimal
	Minimum  decimal.Decimal
	Maximum  decimal.Decimal
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("subtotal %s outside [%s, %s]", money.Format(e.Subtotal), money.Format(e.Minimum), money.Format(e.Maximum))
}

func (e *BoundsError) Unwrap() error { return ErrOrderOutOfBounds }

// Compute builds the settlement:
//
//	finalTotal = max(0, round2(subtotal + shipping + tax − discount − coinValue))
//
// Discount and coin problems come back as notices; cart and order-limit
// problems are returned as errors without a settlement.
func Compute(in Input) (Settlement, error) {
	snap := in.Snapshot
	subtotal, units, weight, err := sumItems(in.Items)
	if err != nil {
		return Settlement{}, err
	}
	if limit := snap.Order.MaxItemsPerOrder; limit > 0 && units > limit {
		return Settlement{}, fmt.Errorf("%d items, limit %d: %w", units, limit, ErrItemLimitExceeded)
	}
	if err := checkBounds(subtotal, snap.Order); err != nil {
		return Settlement{}, err
	}

	s := Settlement{
		Subtotal:        subtotal,
		ItemCount:       units,
		Notices:         []Notice{},
		CoinAllocations: []coins.Allocation{},
		ConfigVersion:   snap.Version,
		ComputedAt:      in.Now.UTC(),
	}

	chart := shipping.ResolveRateChart(snap.Shipping.RateChart)
	quote := shipping.Calculate(shipping.Request{
		Chart:       chart,
		Settings:    snap.Shipping,
		Destination: in.Destination,
		Subtotal:    subtotal,
		WeightGrams: weight,
	})
	s.Zone, s.Slab = quote.Zone, quote.Slab
	s.WeightGrams, s.EstimatedWeight = quote.WeightGrams, quote.EstimatedWeight
	s.ShippingBase, s.ShippingCharge, s.FreeShipping = quote.Base, quote.Charge, quote.FreeShipping
	if m := in.Membership; m != nil && m.FreeShipping && m.ActiveAt(in.Now) {
		s.ShippingCharge = decimal.Zero
		s.FreeShipping = true
	}
	s.DisplayShippingCharge = shipping.DisplayMetrics(chart, snap.Shipping.MarkupPercent).MaxIndiaDisplayCharge

	t := tax.Compute(subtotal, snap.Tax)
	s.TaxMode, s.TaxRate = t.Mode, t.Rate
	s.TaxAmount, s.InclusiveTax = money.Round2(t.Amount), t.Included

	disc := discount.Evaluate(discount.Input{
		Subtotal:   subtotal,
		Now:        in.Now,
		Coupon:     in.Coupon,
		Referral:   in.Referral,
		Membership: in.Membership,
		FirstOrder: in.FirstOrder,
		Settings:   snap.Discount,
	})
	s.Discounts = disc.Lines
	s.DiscountAmount = money.Round2(disc.Total)
	s.DiscountCapped = disc.Capped
	for _, r := range disc.Rejections {
		s.Notices = append(s.Notices, Notice{Source: string(r.Source), Code: r.Code, Reason: r.Reason, Message: r.Message})
	}

	payable := money.ClampZero(s.Subtotal.Add(s.ShippingCharge).Add(s.TaxAmount).Sub(s.DiscountAmount))
	if !in.Coins.Empty() {
		s.applyCoins(in, payable)
	}

	s.FinalTotal = money.ClampZero(money.Round2(payable.Sub(s.CoinRedeemedValue)))
	if err := s.check(); err != nil {
		return Settlement{}, err
	}
	s.Fingerprint = s.fingerprint()
	return s, nil
}

func (s *Settlement) applyCoins(in Input, payable decimal.Decimal) {
	policy := coins.PolicyFrom(in.Snapshot.Coins)
	if !policy.Enabled {
		s.Notices = append(s.Notices, Notice{Source: "coins", Reason: ReasonCoinsDisabled, Message: "coin redemption is disabled"})
		return
	}
	plan := coins.Plan(in.Coins, in.Lots, policy, payable, s.Subtotal, in.Now)
	if plan.Shortfall {
		s.Notices = append(s.Notices, Notice{
			Source:  "coins",
			Reason:  ReasonInsufficientCoins,
			Message: fmt.Sprintf("requested %d coins, %d available", plan.Requested, plan.Usable),
		})
	}
	s.CoinsRedeemed = plan.Coins
	s.CoinRedeemedValue = plan.Value
	s.CoinAllocations = plan.Allocations
}

func sumItems(items []Item) (subtotal decimal.Decimal, units, weight int, err error) {
	if len(items) == 0 {
		return decimal.Zero, 0, 0, ErrEmptyCart
	}
	subtotal = decimal.Zero
	for _, it := range items {
		if it.Quantity <= 0 || it.UnitPrice.IsNegative() || it.WeightGrams < 0 {
			return decimal.Zero, 0, 0, fmt.Errorf("product %s: %w", it.ProductID, ErrInvalidItem)
		}
		subtotal = subtotal.Add(money.Round2(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))))
		units += it.Quantity
		weight += it.WeightGrams * it.Quantity
	}
	return money.Round2(subtotal), units, weight, nil
}

func checkBounds(subtotal decimal.Decimal, o settings.Order) error {
	lo := money.ClampZero(o.MinimumOrderValue)
	hi := money.ClampZero(o.MaximumOrderValue)
	if subtotal.LessThan(lo) || (hi.IsPositive() && subtotal.GreaterThan(hi)) {
		return &BoundsError{Subtotal: subtotal, Minimum: lo, Maximum: hi}
	}
	return nil
}

func (s Settlement) check() error {
	for name, v := range map[string]decimal.Decimal{
		"subtotal":          s.Subtotal,
		"shippingCharge":    s.ShippingCharge,
		"taxAmount":         s.TaxAmount,
		"discountAmount":    s.DiscountAmount,
		"coinRedeemedValue": s.CoinRedeemedValue,
		"finalTotal":        s.FinalTotal,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s is negative: %w", name, ErrInconsistent)
		}
	}
	if s.DiscountAmount.GreaterThan(s.Subtotal) {
		return fmt.Errorf("discount exceeds subtotal: %w", ErrInconsistent)
	}
	return nil
}

type fingerprintFields struct {
	Version   string             `json:"v"`
	Subtotal  string             `json:"s"`
	Shipping  string             `json:"sh"`
	Tax       string             `json:"t"`
	Discount  string             `json:"d"`
	Lines     []discount.Line    `json:"l"`
	Coins     []coins.Allocation `json:"c"`
	CoinValue string             `json:"cv"`
	Total     string             `json:"f"`
}

// fingerprint identifies the charged amounts so an order can tell whether
// they drifted from the quote the shopper saw.
func (s Settlement) fingerprint() string {
	raw, _ := json.Marshal(fingerprintFields{
		Version:   s.ConfigVersion,
		Subtotal:  money.Format(s.Subtotal),
		Shipping:  money.Format(s.ShippingCharge),
		Tax:       money.Format(s.TaxAmount),
		Discount:  money.Format(s.DiscountAmount),
		Lines:     s.Discounts,
		Coins:     s.CoinAllocations,
		CoinValue: money.Format(s.CoinRedeemedValue),
		Total:     money.Format(s.FinalTotal),
	})
	return common.Digest(raw)[:32]
}
