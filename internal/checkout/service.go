package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/common"
	"github.com/noah-isme/checkout-settlement/internal/discount"
	"github.com/noah-isme/checkout-settlement/internal/events"
	"github.com/noah-isme/checkout-settlement/internal/money"
	"github.com/noah-isme/checkout-settlement/internal/obs"
	"github.com/noah-isme/checkout-settlement/internal/pricing"
	"github.com/noah-isme/checkout-settlement/internal/settings"
	"github.com/noah-isme/checkout-settlement/internal/shipping"
)

// PaymentGateway opens a payment for a pending order.
type PaymentGateway interface {
	Open(ctx context.Context, o Order) (PaymentIntent, error)
}

// Publisher records domain events.
type Publisher interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// CartLine is one product the shopper wants. Prices come from the catalog.
type CartLine struct {
	ProductID string `json:"productId" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=999"`
}

// QuoteRequest is the cart and instruments of one checkout attempt. Only the
// destination pincode is read; the zone and slab are derived server-side.
type QuoteRequest struct {
	Items        []CartLine           `json:"items" validate:"required,min=1,max=100,dive"`
	Destination  shipping.Destination `json:"destination"`
	CouponCode   string               `json:"couponCode" validate:"max=64"`
	ReferralCode string               `json:"referralCode" validate:"max=64"`
	Coins        coins.Request        `json:"coins"`
}

// PlaceOrderRequest carries the totals the shopper last saw so drift can be refused.
type PlaceOrderRequest struct {
	QuoteRequest
	ExpectedTotal       string `json:"expectedTotal" validate:"omitempty,max=20"`
	ExpectedFingerprint string `json:"expectedFingerprint" validate:"omitempty,max=64"`
}

// ConfirmedPayload is the body of order.confirmed events.
type ConfirmedPayload struct {
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId"`
	FinalTotal    decimal.Decimal `json:"finalTotal"`
	CoinsRedeemed int64           `json:"coinsRedeemed"`
}

// Service runs the quote, order and confirmation paths on one shared settlement.
type Service struct {
	Settings  settings.Provider
	Catalog   Catalog
	Orders    Store
	Tx        Transactor
	Discounts *discount.Service
	Coins     *coins.Service
	Payments  PaymentGateway
	Events    Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Quote computes the settlement for a cart without reserving anything.
func (s *Service) Quote(ctx context.Context, userID string, req QuoteRequest) (pricing.Settlement, error) {
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "CheckoutService.Quote")
	defer span.End()

	_, settlement, err := s.settle(ctx, userID, req, "quote")
	if err != nil {
		span.RecordError(err)
		return pricing.Settlement{}, err
	}
	span.SetAttributes(attribute.String("settlement.final_total", money.Format(settlement.FinalTotal)))
	return settlement, nil
}

// PlaceOrder persists a pending order for the settlement and opens its
// payment. A repeated idempotency key returns the stored order with created
// false. Orders with nothing to pay are confirmed immediately.
func (s *Service) PlaceOrder(ctx context.Context, userID, idemKey string, req PlaceOrderRequest) (Order, bool, error) {
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "CheckoutService.PlaceOrder")
	defer span.End()

	if userID == "" {
		return Order{}, false, common.NewAppError(common.CodeUnauthorized, "authentication required", http.StatusUnauthorized, nil)
	}
	idemKey = strings.TrimSpace(idemKey)
	if idemKey == "" || len(idemKey) > 128 {
		return Order{}, false, common.NewAppError(common.CodeValidation, "Idempotency-Key header is required", http.StatusBadRequest, nil)
	}
	if err := common.ValidateStruct(req); err != nil {
		return Order{}, false, err
	}

	existing, err := s.Orders.FindByIdempotencyKey(ctx, userID, idemKey)
	switch {
	case err == nil:
		span.SetAttributes(attribute.String("order.id", existing.ID), attribute.Bool("order.replayed", true))
		o, err := s.ensurePayment(ctx, existing)
		return o, false, err
	case !errors.Is(err, ErrOrderNotFound):
		span.RecordError(err)
		return Order{}, false, err
	}

	items, settlement, err := s.settle(ctx, userID, req.QuoteRequest, "order")
	if err != nil {
		span.RecordError(err)
		return Order{}, false, err
	}
	if err := checkExpected(req, settlement); err != nil {
		return Order{}, false, err
	}

	o, created, err := s.Orders.CreateOrder(ctx, Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         StatusPendingPayment,
		IdempotencyKey: idemKey,
		Items:          items,
		Destination:    shipping.Destination{Pincode: strings.TrimSpace(req.Destination.Pincode), Zone: settlement.Zone, Slab: settlement.Slab},
		CouponCode:     strings.ToUpper(strings.TrimSpace(req.CouponCode)),
		ReferralCode:   strings.ToUpper(strings.TrimSpace(req.ReferralCode)),
		Settlement:     settlement,
		FinalTotal:     settlement.FinalTotal,
		ConfigVersion:  settlement.ConfigVersion,
		Fingerprint:    settlement.Fingerprint,
	})
	if err != nil {
		span.RecordError(err)
		return Order{}, false, err
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	if !created {
		o, err := s.ensurePayment(ctx, o)
		return o, false, err
	}
	s.emit(ctx, events.TopicOrderCreated, o.ID, map[string]any{
		"orderId":    o.ID,
		"userId":     o.UserID,
		"finalTotal": o.FinalTotal,
	})
	s.Logger.Info().
		Str("order_id", o.ID).
		Str("user_id", o.UserID).
		Str("final_total", money.Format(o.FinalTotal)).
		Str("config_version", o.ConfigVersion).
		Msg("order placed")

	o, err = s.ensurePayment(ctx, o)
	return o, true, err
}

// ensurePayment confirms zero-total orders and opens a payment for pending
// orders that do not have one yet.
func (s *Service) ensurePayment(ctx context.Context, o Order) (Order, error) {
	if o.Status != StatusPendingPayment || o.Payment != nil {
		return o, nil
	}
	if !o.FinalTotal.IsPositive() {
		return s.Confirm(ctx, o.ID, nil)
	}
	if s.Payments == nil {
		return o, common.NewAppError(common.CodePaymentUnavailable, "payment gateway is not configured", http.StatusBadGateway, nil)
	}
	intent, err := s.Payments.Open(ctx, o)
	if err != nil {
		s.Logger.Error().Err(err).Str("order_id", o.ID).Msg("open payment failed")
		return o, common.NewAppError(common.CodePaymentUnavailable, "payment could not be started, retry with the same Idempotency-Key", http.StatusBadGateway, err).
			WithDetails(map[string]any{"orderId": o.ID})
	}
	if err := s.Orders.SetPayment(ctx, o.ID, intent); err != nil {
		return o, err
	}
	o.Payment = &intent
	return o, nil
}

// Confirm settles a paid order exactly once. Coupon counters and coin lots
// are consumed in the same transaction that flips the status; if any of
// them ran out since the order was placed the transaction rolls back and
// the order is marked SETTLEMENT_CONFLICT. paid, when set, must equal the
// order total.
func (s *Service) Confirm(ctx context.Context, orderID string, paid *decimal.Decimal) (Order, error) {
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "CheckoutService.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	result := "error"
	defer func() {
		obs.OrderConfirmTotal.WithLabelValues(result).Inc()
	}()

	var (
		order     Order
		duplicate bool
	)
	now := s.now()
	err := s.Tx.InTx(ctx, func(tx Tx) error {
		o, err := tx.Orders().LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		order = o
		if o.Status == StatusConfirmed {
			duplicate = true
			return nil
		}
		if o.Status != StatusPendingPayment {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrNotPending)
		}
		if paid != nil && !money.Round2(*paid).Equal(o.FinalTotal) {
			return common.NewAppError(common.CodeAmountMismatch, "paid amount does not match the order total", http.StatusConflict, nil).
				WithDetails(map[string]any{"paid": money.Format(*paid), "expected": money.Format(o.FinalTotal)})
		}
		if hasFirstOrder(o.Settlement.Discounts) {
			taken, err := tx.Orders().LockFirstOrder(ctx, o.UserID)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("order %s: %w", o.ID, ErrFirstOrderUsed)
			}
		}
		if err := s.Discounts.Redeem(ctx, tx.Discounts(), o.ID, o.UserID, o.Settlement.Discounts); err != nil {
			return err
		}
		if err := s.Coins.Commit(ctx, tx.Coins(), o.ID, o.UserID, o.Settlement.CoinAllocations); err != nil {
			return err
		}
		ok, err := tx.Orders().MarkConfirmed(ctx, o.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("order %s: %w", o.ID, ErrNotPending)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if reason := conflictReason(err); reason != "" {
			result = "conflict"
			return s.conflict(ctx, order, reason, err)
		}
		return Order{}, confirmError(err)
	}
	if duplicate {
		result = "duplicate"
		return order, nil
	}

	result = "confirmed"
	order.Status = StatusConfirmed
	order.ConfirmedAt = &now
	obs.CoinsRedeemedTotal.Add(float64(order.Settlement.CoinsRedeemed))
	s.emit(ctx, events.TopicOrderConfirmed, order.ID, ConfirmedPayload{
		OrderID:       order.ID,
		UserID:        order.UserID,
		FinalTotal:    order.FinalTotal,
		CoinsRedeemed: order.Settlement.CoinsRedeemed,
	})
	s.Logger.Info().
		Str("order_id", order.ID).
		Str("final_total", money.Format(order.FinalTotal)).
		Int64("coins_redeemed", order.Settlement.CoinsRedeemed).
		Msg("order confirmed")
	return order, nil
}

func (s *Service) conflict(ctx context.Context, o Order, reason string, cause error) (Order, error) {
	if _, err := s.Orders.MarkConflict(ctx, o.ID, reason); err != nil {
		s.Logger.Error().Err(err).Str("order_id", o.ID).Msg("mark settlement conflict failed")
	}
	s.emit(ctx, events.TopicOrderSettlementConflict, o.ID, map[string]any{"orderId": o.ID, "reason": reason})
	s.Logger.Warn().Err(cause).Str("order_id", o.ID).Str("reason", reason).Msg("settlement conflict on confirmation")
	return Order{}, common.NewAppError(reason, "the order's discounts or coins are no longer available", http.StatusConflict, cause).
		WithDetails(map[string]any{"orderId": o.ID})
}

// Cancel closes a pending order after a failed or expired payment. Cancelling
// a cancelled order is a no-op.
func (s *Service) Cancel(ctx context.Context, orderID string) (Order, error) {
	ok, err := s.Orders.MarkCancelled(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	o, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, confirmError(err)
	}
	if !ok {
		if o.Status == StatusCancelled {
			return o, nil
		}
		return Order{}, confirmError(fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrNotPending))
	}
	s.emit(ctx, events.TopicOrderCancelled, o.ID, map[string]any{"orderId": o.ID})
	s.Logger.Info().Str("order_id", o.ID).Msg("order cancelled")
	return o, nil
}

// GetOrder returns one of the caller's orders.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (Order, error) {
	if userID == "" {
		return Order{}, common.NewAppError(common.CodeUnauthorized, "authentication required", http.StatusUnauthorized, nil)
	}
	if _, err := uuid.Parse(orderID); err != nil {
		return Order{}, common.NewAppError(common.CodeNotFound, "order not found", http.StatusNotFound, nil)
	}
	o, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, confirmError(err)
	}
	if o.UserID != userID {
		return Order{}, common.NewAppError(common.CodeNotFound, "order not found", http.StatusNotFound, nil)
	}
	return o, nil
}

// settle loads everything the settlement depends on and runs the engine.
func (s *Service) settle(ctx context.Context, userID string, req QuoteRequest, path string) ([]pricing.Item, pricing.Settlement, error) {
	result := "error"
	defer func() {
		obs.SettlementTotal.WithLabelValues(path, result).Inc()
	}()

	if err := common.ValidateStruct(req); err != nil {
		return nil, pricing.Settlement{}, err
	}
	if p := strings.TrimSpace(req.Destination.Pincode); p != "" && !shipping.ValidPincode(p) {
		return nil, pricing.Settlement{}, common.NewAppError(common.CodeValidation, "invalid pincode", http.StatusBadRequest, nil)
	}

	snap, err := s.Settings.Snapshot(ctx)
	if err != nil {
		s.Logger.Error().Err(err).Msg("settings snapshot unavailable")
		return nil, pricing.Settlement{}, common.NewAppError(common.CodeConfigUnavailable, "checkout configuration is unavailable", http.StatusServiceUnavailable, err)
	}
	items, err := s.items(ctx, req.Items)
	if err != nil {
		return nil, pricing.Settlement{}, err
	}

	in := pricing.Input{
		Items:       items,
		Destination: shipping.DestinationFor(req.Destination.Pincode, snap.Shipping),
		Coins:       req.Coins,
		Snapshot:    snap,
		Now:         s.now(),
	}
	if in.Coupon, err = s.Discounts.Lookup(ctx, discount.SourceCoupon, req.CouponCode, userID); err != nil {
		return nil, pricing.Settlement{}, err
	}
	if in.Referral, err = s.Discounts.Lookup(ctx, discount.SourceReferral, req.ReferralCode, userID); err != nil {
		return nil, pricing.Settlement{}, err
	}
	if userID != "" {
		if in.Membership, err = s.Discounts.Membership(ctx, userID); err != nil {
			return nil, pricing.Settlement{}, err
		}
		if snap.Discount.FirstOrder.Enabled {
			seen, err := s.Orders.HasConfirmedOrder(ctx, userID)
			if err != nil {
				return nil, pricing.Settlement{}, err
			}
			in.FirstOrder = !seen
		}
		if !req.Coins.Empty() {
			if in.Lots, err = s.Coins.Lots(ctx, userID); err != nil {
				return nil, pricing.Settlement{}, err
			}
		}
	}

	settlement, err := pricing.Compute(in)
	if err != nil {
		return nil, pricing.Settlement{}, computeError(err, snap)
	}
	for _, n := range settlement.Notices {
		obs.SettlementNoticeTotal.WithLabelValues(n.Reason).Inc()
	}
	result = "ok"
	s.Logger.Debug().
		Str("path", path).
		Str("user_id", userID).
		Str("final_total", money.Format(settlement.FinalTotal)).
		Int("notices", len(settlement.Notices)).
		Str("config_version", settlement.ConfigVersion).
		Msg("settlement computed")
	return items, settlement, nil
}

// items merges repeated products and prices every line from the catalog.
func (s *Service) items(ctx context.Context, lines []CartLine) ([]pricing.Item, error) {
	qty := make(map[string]int, len(lines))
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		id := strings.TrimSpace(l.ProductID)
		if _, seen := qty[id]; !seen {
			ids = append(ids, id)
		}
		qty[id] += l.Quantity
	}
	products, err := s.Catalog.Products(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	items := make([]pricing.Item, 0, len(ids))
	for _, id := range ids {
		p, ok := products[id]
		if !ok || !p.Active {
			missing = append(missing, id)
			continue
		}
		items = append(items, pricing.Item{ProductID: id, Quantity: qty[id], UnitPrice: p.Price, WeightGrams: p.WeightGrams})
	}
	if len(missing) > 0 {
		return nil, common.NewAppError(common.CodeProductUnavailable, "some products are unavailable", http.StatusUnprocessableEntity, nil).
			WithDetails(map[string]any{"productIds": missing})
	}
	return items, nil
}

func (s *Service) emit(ctx context.Context, topic, aggregateID string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		s.Logger.Error().Err(err).Str("topic", topic).Str("aggregate_id", aggregateID).Msg("emit event failed")
	}
}

func checkExpected(req PlaceOrderRequest, settlement pricing.Settlement) error {
	changed := false
	if strings.TrimSpace(req.ExpectedTotal) != "" {
		expected, err := money.Parse(req.ExpectedTotal)
		if err != nil {
			return common.NewAppError(common.CodeValidation, "expectedTotal must be a non-negative amount", http.StatusBadRequest, err)
		}
		changed = !money.Round2(expected).Equal(settlement.FinalTotal)
	}
	if fp := strings.TrimSpace(req.ExpectedFingerprint); fp != "" && fp != settlement.Fingerprint {
		changed = true
	}
	if !changed {
		return nil
	}
	return common.NewAppError(common.CodeSettlementChanged, "the order total changed since it was quoted", http.StatusConflict, nil).
		WithDetails(pricing.View(settlement))
}

func computeError(err error, snap settings.Snapshot) error {
	var bounds *pricing.BoundsError
	switch {
	case errors.As(err, &bounds):
		return common.NewAppError(common.CodeOrderOutOfBounds, "order value is outside the allowed range", http.StatusUnprocessableEntity, err).
			WithDetails(map[string]any{
				"subtotal":          money.Format(bounds.Subtotal),
				"minimumOrderValue": money.Format(bounds.Minimum),
				"maximumOrderValue": money.Format(bounds.Maximum),
			})
	case errors.Is(err, pricing.ErrItemLimitExceeded):
		return common.NewAppError(common.CodeItemLimitExceeded, "too many items in one order", http.StatusUnprocessableEntity, err).
			WithDetails(map[string]any{"maxItemsPerOrder": snap.Order.MaxItemsPerOrder})
	case errors.Is(err, pricing.ErrEmptyCart), errors.Is(err, pricing.ErrInvalidItem):
		return common.NewAppError(common.CodeValidation, err.Error(), http.StatusBadRequest, err)
	default:
		return common.NewAppError(common.CodeInternal, "settlement could not be computed", http.StatusInternalServerError, err)
	}
}

func conflictReason(err error) string {
	switch {
	case errors.Is(err, discount.ErrUsageExceeded):
		return common.CodeUsageExceeded
	case errors.Is(err, coins.ErrInsufficientBalance):
		return common.CodeInsufficientCoins
	case errors.Is(err, ErrFirstOrderUsed):
		return common.CodeFirstOrderUsed
	default:
		return ""
	}
}

func hasFirstOrder(lines []discount.Line) bool {
	for _, l := range lines {
		if l.Source == discount.SourceFirstOrder {
			return true
		}
	}
	return false
}

func confirmError(err error) error {
	switch {
	case common.IsAppError(err):
		return err
	case errors.Is(err, ErrOrderNotFound):
		return common.NewAppError(common.CodeNotFound, "order not found", http.StatusNotFound, err)
	case errors.Is(err, ErrNotPending):
		return common.NewAppError(common.CodeOrderNotPending, "order is not awaiting payment", http.StatusConflict, err)
	default:
		return err
	}
}
