package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/db"
	"github.com/noah-isme/checkout-settlement/internal/discount"
)

// Product is the server-side view of a catalog item used for pricing.
type Product struct {
	ID          string
	Price       decimal.Decimal
	WeightGrams int
	Active      bool
}

// Catalog resolves cart product ids to prices and weights.
type Catalog interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
}

// Store persists orders outside of the confirmation transaction.
type Store interface {
	CreateOrder(ctx context.Context, o Order) (Order, bool, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	SetPayment(ctx context.Context, id string, p PaymentIntent) error
	MarkConflict(ctx context.Context, id, reason string) (bool, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	HasConfirmedOrder(ctx context.Context, userID string) (bool, error)
}

// OrderTx is the order side of the confirmation transaction.
type OrderTx interface {
	LockOrder(ctx context.Context, id string) (Order, error)
	MarkConfirmed(ctx context.Context, id string, at time.Time) (bool, error)
	// LockFirstOrder serializes the user's confirmations until the
	// transaction ends and reports whether one already completed.
	LockFirstOrder(ctx context.Context, userID string) (bool, error)
}

// Tx exposes every store bound to one confirmation transaction.
type Tx interface {
	Orders() OrderTx
	Discounts() discount.LedgerStore
	Coins() coins.LedgerStore
}

// Transactor runs fn in a transaction that commits when fn returns nil.
type Transactor interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// PGStore implements Store, OrderTx and Catalog on Postgres.
type PGStore struct {
	DB db.DBTX
}

const orderColumns = `id::text, user_id, status, idempotency_key, items, destination, COALESCE(coupon_code, ''),
	COALESCE(referral_code, ''), settlement, final_total, config_version, fingerprint, COALESCE(payment_provider, ''),
	COALESCE(payment_ref, ''), COALESCE(payment_url, ''), COALESCE(conflict_reason, ''), created_at, confirmed_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                         Order
		status                    string
		items, dest, settlement   []byte
		provider, ref, paymentURL string
	)
	err := row.Scan(&o.ID, &o.UserID, &status, &o.IdempotencyKey, &items, &dest, &o.CouponCode,
		&o.ReferralCode, &settlement, &o.FinalTotal, &o.ConfigVersion, &o.Fingerprint, &provider,
		&ref, &paymentURL, &o.ConflictReason, &o.CreatedAt, &o.ConfirmedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	o.Status = Status(status)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return Order{}, fmt.Errorf("decode order items: %w", err)
	}
	if err := json.Unmarshal(dest, &o.Destination); err != nil {
		return Order{}, fmt.Errorf("decode order destination: %w", err)
	}
	if err := json.Unmarshal(settlement, &o.Settlement); err != nil {
		return Order{}, fmt.Errorf("decode order settlement: %w", err)
	}
	if provider != "" {
		o.Payment = &PaymentIntent{Provider: provider, Reference: ref, RedirectURL: paymentURL}
	}
	return o, nil
}

// CreateOrder inserts o. An order already stored under the same user and
// idempotency key is returned instead with created false.
func (s PGStore) CreateOrder(ctx context.Context, o Order) (Order, bool, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return Order{}, false, err
	}
	dest, err := json.Marshal(o.Destination)
	if err != nil {
		return Order{}, false, err
	}
	settlement, err := json.Marshal(o.Settlement)
	if err != nil {
		return Order{}, false, err
	}
	created, err := scanOrder(s.DB.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, status, idempotency_key, items, destination, coupon_code, referral_code,
			settlement, final_total, config_version, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
		RETURNING `+orderColumns,
		o.ID, o.UserID, string(o.Status), o.IdempotencyKey, items, dest, o.CouponCode, o.ReferralCode,
		settlement, o.FinalTotal, o.ConfigVersion, o.Fingerprint))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrOrderNotFound) {
		return Order{}, false, fmt.Errorf("create order: %w", err)
	}
	existing, err := s.FindByIdempotencyKey(ctx, o.UserID, o.IdempotencyKey)
	if err != nil {
		return Order{}, false, err
	}
	return existing, false, nil
}

// FindByIdempotencyKey returns ErrOrderNotFound when the key is unused.
func (s PGStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (Order, error) {
	return scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
}

// GetOrder returns ErrOrderNotFound for unknown ids.
func (s PGStore) GetOrder(ctx context.Context, id string) (Order, error) {
	return scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

// LockOrder reads the order and holds its row lock until the transaction ends.
func (s PGStore) LockOrder(ctx context.Context, id string) (Order, error) {
	return scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

// SetPayment records the payment intent opened for an order.
func (s PGStore) SetPayment(ctx context.Context, id string, p PaymentIntent) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE orders SET payment_provider = $2, payment_ref = $3, payment_url = $4, updated_at = now()
		WHERE id = $1`, id, p.Provider, p.Reference, p.RedirectURL)
	if err != nil {
		return fmt.Errorf("set order payment: %w", err)
	}
	return nil
}

// MarkConfirmed moves a pending order to CONFIRMED. ok is false when the
// order was no longer pending.
func (s PGStore) MarkConfirmed(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, `UPDATE orders SET status = 'CONFIRMED', confirmed_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING_PAYMENT'`, id, at)
}

// MarkConflict flags a pending order whose resources were taken by a concurrent order.
func (s PGStore) MarkConflict(ctx context.Context, id, reason string) (bool, error) {
	return s.transition(ctx, `UPDATE orders SET status = 'SETTLEMENT_CONFLICT', conflict_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING_PAYMENT'`, id, reason)
}

// MarkCancelled cancels a pending order after a failed or expired payment.
func (s PGStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, `UPDATE orders SET status = 'CANCELLED', updated_at = now()
		WHERE id = $1 AND status = 'PENDING_PAYMENT'`, id)
}

func (s PGStore) transition(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := s.DB.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("order transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasConfirmedOrder reports whether the user has ever completed an order.
func (s PGStore) HasConfirmedOrder(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE user_id = $1 AND status = 'CONFIRMED')`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("first order check: %w", err)
	}
	return exists, nil
}

// LockFirstOrder takes a transaction-scoped advisory lock on the user, then
// checks for a confirmed order. Two pending first orders confirming at once
// queue on the lock, so only one of them keeps the first-order discount.
func (s PGStore) LockFirstOrder(ctx context.Context, userID string) (bool, error) {
	if _, err := s.DB.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('first_order:' || $1, 0))`, userID); err != nil {
		return false, fmt.Errorf("first order lock: %w", err)
	}
	return s.HasConfirmedOrder(ctx, userID)
}

// Products loads active and inactive products by id.
func (s PGStore) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT id::text, price, weight_grams, active FROM products WHERE id::text = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	defer rows.Close()
	out := make(map[string]Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Price, &p.WeightGrams, &p.Active); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// PGTransactor opens one Postgres transaction per confirmation.
type PGTransactor struct {
	Pool     db.TxBeginner
	Location *time.Location
}

type pgTx struct {
	tx  pgx.Tx
	loc *time.Location
}

func (t pgTx) Orders() OrderTx                 { return PGStore{DB: t.tx} }
func (t pgTx) Discounts() discount.LedgerStore { return discount.PGStore{DB: t.tx, Location: t.loc} }
func (t pgTx) Coins() coins.LedgerStore        { return coins.PGStore{DB: t.tx} }

// InTx runs fn inside a read-committed transaction.
func (p PGTransactor) InTx(ctx context.Context, fn func(Tx) error) error {
	return db.WithTx(ctx, p.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx, loc: p.Location})
	})
}
