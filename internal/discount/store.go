package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/db"
)

// Redemption records that an order consumed one use of a code.
type Redemption struct {
	RuleID  string
	OrderID string
	UserID  string
	Amount  decimal.Decimal
}

// PGStore reads codes and memberships from Postgres. Bind DB to a pgx.Tx to
// take part in a confirmation transaction.
type PGStore struct {
	DB       db.DBTX
	Location *time.Location
}

const ruleColumns = `id::text, source, code, description, benefit_kind, discount_value, max_discount_amount,
	min_order_amount, valid_from, valid_to, usage_limit, usage_count, per_user_limit, COALESCE(owner_id, ''), active`

func (s PGStore) scanRule(row pgx.Row) (Rule, error) {
	var (
		r         Rule
		source    string
		kind      string
		value     decimal.Decimal
		maxAmount decimal.NullDecimal
		limit     *int32
	)
	if err := row.Scan(&r.ID, &source, &r.Code, &r.Description, &kind, &value, &maxAmount,
		&r.MinOrder, &r.ValidFrom, &r.ValidTo, &limit, &r.UsageCount, &r.PerUserLimit, &r.OwnerID, &r.Active); err != nil {
		return Rule{}, err
	}
	r.Source = Source(source)
	benefit, err := NewBenefit(Kind(kind), value, maxAmount)
	if err != nil {
		return Rule{}, fmt.Errorf("code %s: %w", r.Code, err)
	}
	r.Benefit = benefit
	if limit != nil {
		l := int(*limit)
		r.UsageLimit = &l
	}
	if r.ValidTo != nil {
		end := NormalizeEnd(*r.ValidTo, s.Location)
		r.ValidTo = &end
	}
	return r, nil
}

// FindRule looks a code up case-insensitively. Missing codes return ErrInvalidCode.
func (s PGStore) FindRule(ctx context.Context, source Source, code string) (Rule, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+ruleColumns+` FROM discount_codes WHERE source = $1 AND upper(code) = upper($2)`, string(source), strings.TrimSpace(code))
	r, err := s.scanRule(row)
	if err != nil {
		if db.IsNoRows(err) {
			return Rule{}, ErrInvalidCode
		}
		return Rule{}, fmt.Errorf("find %s code: %w", source, err)
	}
	return r, nil
}

// CountUserRedemptions counts how often userID has used a code.
func (s PGStore) CountUserRedemptions(ctx context.Context, ruleID, userID string) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT count(*) FROM discount_redemptions WHERE code_id = $1 AND user_id = $2`, ruleID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return n, nil
}

// FindMembership returns the user's membership or nil when there is none.
func (s PGStore) FindMembership(ctx context.Context, userID string) (*Membership, error) {
	var m Membership
	err := s.DB.QueryRow(ctx, `
		SELECT p.id::text, p.name, p.discount_percent, p.free_shipping, um.status, um.expires_at, p.active
		FROM user_memberships um
		JOIN membership_plans p ON p.id = um.plan_id
		WHERE um.user_id = $1`, userID).
		Scan(&m.PlanID, &m.PlanName, &m.DiscountPercent, &m.FreeShipping, &m.Status, &m.ExpiresAt, &m.PlanActive)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find membership: %w", err)
	}
	return &m, nil
}

// RedemptionExists reports whether orderID already consumed ruleID.
func (s PGStore) RedemptionExists(ctx context.Context, ruleID, orderID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM discount_redemptions WHERE code_id = $1 AND order_id = $2)`, ruleID, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("redemption exists: %w", err)
	}
	return exists, nil
}

// IncrementUsage adds one use only while usage_count < usage_limit. ok is
// false when the limit was already reached. The row stays locked until the
// surrounding transaction ends.
func (s PGStore) IncrementUsage(ctx context.Context, ruleID string) (perUserLimit int, ok bool, err error) {
	err = s.DB.QueryRow(ctx, `
		UPDATE discount_codes
		SET usage_count = usage_count + 1, updated_at = now()
		WHERE id = $1 AND active AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING per_user_limit`, ruleID).Scan(&perUserLimit)
	if err != nil {
		if db.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("increment usage: %w", err)
	}
	return perUserLimit, true, nil
}

// InsertRedemption records one use of a code by an order.
func (s PGStore) InsertRedemption(ctx context.Context, r Redemption) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO discount_redemptions (code_id, order_id, user_id, amount)
		VALUES ($1, $2, $3, $4)`, r.RuleID, r.OrderID, r.UserID, r.Amount)
	if err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	return nil
}

// CreateRule inserts a new code. Duplicate codes surface as a unique violation.
func (s PGStore) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	kind, value, maxAmount := Parts(r.Benefit)
	row := s.DB.QueryRow(ctx, `
		INSERT INTO discount_codes (source, code, description, benefit_kind, discount_value, max_discount_amount,
			min_order_amount, valid_from, valid_to, usage_limit, per_user_limit, owner_id, active)
		VALUES ($1, upper($2), $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13)
		RETURNING `+ruleColumns,
		string(r.Source), strings.TrimSpace(r.Code), r.Description, string(kind), value, maxAmount,
		r.MinOrder, r.ValidFrom, r.ValidTo, r.UsageLimit, r.PerUserLimit, r.OwnerID, r.Active)
	created, err := s.scanRule(row)
	if err != nil {
		return Rule{}, fmt.Errorf("create code: %w", err)
	}
	return created, nil
}

// UpdateRule replaces the mutable fields of a code. usage_count is never touched here.
func (s PGStore) UpdateRule(ctx context.Context, r Rule) (Rule, error) {
	kind, value, maxAmount := Parts(r.Benefit)
	row := s.DB.QueryRow(ctx, `
		UPDATE discount_codes
		SET description = $3, benefit_kind = $4, discount_value = $5, max_discount_amount = $6,
			min_order_amount = $7, valid_from = $8, valid_to = $9, usage_limit = $10,
			per_user_limit = $11, owner_id = NULLIF($12, ''), active = $13, updated_at = now()
		WHERE source = $1 AND upper(code) = upper($2)
		RETURNING `+ruleColumns,
		string(r.Source), strings.TrimSpace(r.Code), r.Description, string(kind), value, maxAmount,
		r.MinOrder, r.ValidFrom, r.ValidTo, r.UsageLimit, r.PerUserLimit, r.OwnerID, r.Active)
	updated, err := s.scanRule(row)
	if err != nil {
		if db.IsNoRows(err) {
			return Rule{}, ErrInvalidCode
		}
		return Rule{}, fmt.Errorf("update code: %w", err)
	}
	return updated, nil
}

// ListRules pages through codes of one source, newest first.
func (s PGStore) ListRules(ctx context.Context, source Source, limit, offset int) ([]Rule, int, error) {
	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM discount_codes WHERE source = $1`, string(source)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count codes: %w", err)
	}
	rows, err := s.DB.Query(ctx, `SELECT `+ruleColumns+` FROM discount_codes WHERE source = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, string(source), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list codes: %w", err)
	}
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		r, err := s.scanRule(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
