package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/discount"
	"github.com/noah-isme/checkout-settlement/internal/events"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// world is an in-memory database. InTx restores the previous state when fn fails.
type world struct {
	orders      map[string]Order
	rules       map[string]discount.Rule
	redemptions []discount.Redemption
	lots        map[string]coins.Lot
	entries     []coins.Entry
	products    map[string]Product
	membership  map[string]*discount.Membership
}

func newWorld() *world {
	return &world{
		orders:     map[string]Order{},
		rules:      map[string]discount.Rule{},
		lots:       map[string]coins.Lot{},
		products:   map[string]Product{"p1": {ID: "p1", Price: dec("600"), WeightGrams: 500, Active: true}},
		membership: map[string]*discount.Membership{},
	}
}

func (w *world) clone() *world {
	c := &world{
		orders:      make(map[string]Order, len(w.orders)),
		rules:       make(map[string]discount.Rule, len(w.rules)),
		redemptions: append([]discount.Redemption(nil), w.redemptions...),
		lots:        make(map[string]coins.Lot, len(w.lots)),
		entries:     append([]coins.Entry(nil), w.entries...),
		products:    w.products,
		membership:  w.membership,
	}
	for k, v := range w.orders {
		c.orders[k] = v
	}
	for k, v := range w.rules {
		c.rules[k] = v
	}
	for k, v := range w.lots {
		c.lots[k] = v
	}
	return c
}

func (w *world) addRule(r discount.Rule) {
	w.rules[string(r.Source)+":"+r.Code] = r
}

func (w *world) rule(code string) discount.Rule {
	for _, r := range w.rules {
		if r.Code == code {
			return r
		}
	}
	return discount.Rule{}
}

// catalog

func (w *world) Products(_ context.Context, ids []string) (map[string]Product, error) {
	out := map[string]Product{}
	for _, id := range ids {
		if p, ok := w.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// orders

func (w *world) CreateOrder(_ context.Context, o Order) (Order, bool, error) {
	for _, existing := range w.orders {
		if existing.UserID == o.UserID && existing.IdempotencyKey == o.IdempotencyKey {
			return existing, false, nil
		}
	}
	o.CreatedAt = now
	w.orders[o.ID] = o
	return o, true, nil
}

func (w *world) FindByIdempotencyKey(_ context.Context, userID, key string) (Order, error) {
	for _, o := range w.orders {
		if o.UserID == userID && o.IdempotencyKey == key {
			return o, nil
		}
	}
	return Order{}, ErrOrderNotFound
}

func (w *world) GetOrder(_ context.Context, id string) (Order, error) {
	o, ok := w.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return o, nil
}

func (w *world) LockOrder(ctx context.Context, id string) (Order, error) {
	return w.GetOrder(ctx, id)
}

func (w *world) SetPayment(_ context.Context, id string, p PaymentIntent) error {
	o := w.orders[id]
	o.Payment = &p
	w.orders[id] = o
	return nil
}

func (w *world) transition(id string, to Status, edit func(*Order)) bool {
	o, ok := w.orders[id]
	if !ok || o.Status != StatusPendingPayment {
		return false
	}
	o.Status = to
	if edit != nil {
		edit(&o)
	}
	w.orders[id] = o
	return true
}

func (w *world) MarkConfirmed(_ context.Context, id string, at time.Time) (bool, error) {
	return w.transition(id, StatusConfirmed, func(o *Order) { o.ConfirmedAt = &at }), nil
}

func (w *world) MarkConflict(_ context.Context, id, reason string) (bool, error) {
	return w.transition(id, StatusConflict, func(o *Order) { o.ConflictReason = reason }), nil
}

func (w *world) MarkCancelled(_ context.Context, id string) (bool, error) {
	return w.transition(id, StatusCancelled, nil), nil
}

func (w *world) HasConfirmedOrder(_ context.Context, userID string) (bool, error) {
	for _, o := range w.orders {
		if o.UserID == userID && o.Status == StatusConfirmed {
			return true, nil
		}
	}
	return false, nil
}

func (w *world) LockFirstOrder(ctx context.Context, userID string) (bool, error) {
	return w.HasConfirmedOrder(ctx, userID)
}

// discounts

func (w *world) FindRule(_ context.Context, source discount.Source, code string) (discount.Rule, error) {
	r, ok := w.rules[string(source)+":"+strings.ToUpper(code)]
	if !ok {
		return discount.Rule{}, discount.ErrInvalidCode
	}
	return r, nil
}

func (w *world) CountUserRedemptions(_ context.Context, ruleID, userID string) (int, error) {
	n := 0
	for _, r := range w.redemptions {
		if r.RuleID == ruleID && r.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (w *world) FindMembership(_ context.Context, userID string) (*discount.Membership, error) {
	return w.membership[userID], nil
}

func (w *world) RedemptionExists(_ context.Context, ruleID, orderID string) (bool, error) {
	for _, r := range w.redemptions {
		if r.RuleID == ruleID && r.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (w *world) IncrementUsage(_ context.Context, ruleID string) (int, bool, error) {
	for key, r := range w.rules {
		if r.ID != ruleID {
			continue
		}
		if r.UsageLimit != nil && r.UsageCount >= *r.UsageLimit {
			return 0, false, nil
		}
		r.UsageCount++
		w.rules[key] = r
		return r.PerUserLimit, true, nil
	}
	return 0, false, errors.New("unknown rule")
}

func (w *world) InsertRedemption(_ context.Context, r discount.Redemption) error {
	w.redemptions = append(w.redemptions, r)
	return nil
}

// coins

func (w *world) UsableLots(_ context.Context, userID string, at time.Time) ([]coins.Lot, error) {
	var out []coins.Lot
	for _, l := range w.lots {
		if l.UserID == userID && l.UsableAt(at) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (w *world) RedeemedForOrder(_ context.Context, orderID string) (bool, error) {
	for _, e := range w.entries {
		if e.OrderID == orderID && e.Kind == coins.KindRedeem {
			return true, nil
		}
	}
	return false, nil
}

func (w *world) Decrement(_ context.Context, lotID string, n int64, at time.Time) (bool, error) {
	l, ok := w.lots[lotID]
	if !ok || l.Remaining < n || !l.UsableAt(at) {
		return false, nil
	}
	l.Remaining -= n
	w.lots[lotID] = l
	return true, nil
}

func (w *world) InsertEntry(_ context.Context, e coins.Entry) error {
	w.entries = append(w.entries, e)
	return nil
}

type worldTx struct{ w *world }

func (t worldTx) Orders() OrderTx                 { return t.w }
func (t worldTx) Discounts() discount.LedgerStore { return t.w }
func (t worldTx) Coins() coins.LedgerStore        { return t.w }

type worldTransactor struct{ w *world }

func (t worldTransactor) InTx(_ context.Context, fn func(Tx) error) error {
	saved := t.w.clone()
	if err := fn(worldTx{w: t.w}); err != nil {
		*t.w = *saved
		return err
	}
	return nil
}

type stubGateway struct {
	calls int
	err   error
}

func (g *stubGateway) Open(_ context.Context, o Order) (PaymentIntent, error) {
	g.calls++
	if g.err != nil {
		return PaymentIntent{}, g.err
	}
	return PaymentIntent{Provider: "hosted", Reference: "ref-" + o.ID, RedirectURL: "https://pay.test/" + o.ID}, nil
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Emit(_ context.Context, topic, aggregateID string, payload any) (events.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.Event{}, err
	}
	ev := events.Event{ID: topic + ":" + aggregateID, Topic: topic, AggregateID: aggregateID, Payload: raw, OccurredAt: now}
	p.events = append(p.events, ev)
	return ev, nil
}

func (p *recordingPublisher) count(topic string) int {
	n := 0
	for _, ev := range p.events {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

func testSnapshot() settings.Snapshot {
	snap := settings.Defaults()
	snap.Version = "test-v1"
	snap.Shipping.RateChart = json.RawMessage(`{
		"A": {"base500": 24, "add500": 14},
		"B": {"base500": 42, "add500": 26},
		"C": {"base500": 80, "add500": 30}
	}`)
	snap.Discount.FirstOrder.Enabled = false
	return snap
}

type fixture struct {
	w       *world
	svc     *Service
	gateway *stubGateway
	events  *recordingPublisher
}

func newFixture(t *testing.T, snap settings.Snapshot) *fixture {
	t.Helper()
	w := newWorld()
	f := &fixture{w: w, gateway: &stubGateway{}, events: &recordingPublisher{}}
	clock := func() time.Time { return now }
	f.svc = &Service{
		Settings:  settings.Static(snap),
		Catalog:   w,
		Orders:    w,
		Tx:        worldTransactor{w: w},
		Discounts: &discount.Service{Store: w, Now: clock},
		Coins:     &coins.Service{Store: w, Now: clock},
		Payments:  f.gateway,
		Events:    f.events,
		Logger:    zerolog.Nop(),
		Now:       clock,
	}
	return f
}

func cartOf(qty int) []CartLine {
	return []CartLine{{ProductID: "p1", Quantity: qty}}
}
