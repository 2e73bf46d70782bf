package coins

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/checkout-settlement/internal/db"
)

// Ledger entry kinds.
const (
	KindEarn   = "earn"
	KindRedeem = "redeem"
	KindExpire = "expire"
	KindGrant  = "grant"
)

// Entry is one row of the append-only coin ledger.
type Entry struct {
	UserID  string
	LotID   string
	OrderID string
	Kind    string
	Delta   int64
}

// PGStore persists lots and ledger rows. Bind DB to a pgx.Tx to take part in
// a confirmation transaction.
type PGStore struct {
	DB db.DBTX
}

const lotColumns = `id::text, user_id, coins_granted, remaining_coins, expires_at, source, COALESCE(reference_id, ''), created_at`

func scanLot(row pgx.Row) (Lot, error) {
	var l Lot
	err := row.Scan(&l.ID, &l.UserID, &l.Granted, &l.Remaining, &l.ExpiresAt, &l.Source, &l.ReferenceID, &l.CreatedAt)
	return l, err
}

// UsableLots lists the user's lots that still hold unexpired coins, in consumption order.
func (s PGStore) UsableLots(ctx context.Context, userID string, now time.Time) ([]Lot, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+lotColumns+`
		FROM coin_lots
		WHERE user_id = $1 AND remaining_coins > 0 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list coin lots: %w", err)
	}
	defer rows.Close()
	var out []Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coin lot: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RedeemedForOrder reports whether the order already has redeem entries.
func (s PGStore) RedeemedForOrder(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM coin_ledger WHERE order_id = $1 AND kind = 'redeem')`, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("coin redemption exists: %w", err)
	}
	return exists, nil
}

// Decrement takes coins from a lot only while it still holds them and has not
// expired at now. ok is false when another redemption got there first.
func (s PGStore) Decrement(ctx context.Context, lotID string, coins int64, now time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE coin_lots
		SET remaining_coins = remaining_coins - $2
		WHERE id = $1 AND remaining_coins >= $2 AND (expires_at IS NULL OR expires_at > $3)`, lotID, coins, now)
	if err != nil {
		return false, fmt.Errorf("decrement coin lot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertEntry appends a ledger row.
func (s PGStore) InsertEntry(ctx context.Context, e Entry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO coin_ledger (user_id, lot_id, order_id, kind, delta)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5)`, e.UserID, e.LotID, e.OrderID, e.Kind, e.Delta)
	if err != nil {
		return fmt.Errorf("insert coin ledger: %w", err)
	}
	return nil
}

// InsertLot creates a lot. A lot with the same source and reference already
// present is returned with created false.
func (s PGStore) InsertLot(ctx context.Context, l Lot) (Lot, bool, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO coin_lots (user_id, coins_granted, remaining_coins, expires_at, source, reference_id)
		VALUES ($1, $2, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (source, reference_id) WHERE reference_id IS NOT NULL DO NOTHING
		RETURNING `+lotColumns, l.UserID, l.Granted, l.ExpiresAt, l.Source, l.ReferenceID)
	created, err := scanLot(row)
	if err == nil {
		return created, true, nil
	}
	if !db.IsNoRows(err) {
		return Lot{}, false, fmt.Errorf("insert coin lot: %w", err)
	}
	existing, err := scanLot(s.DB.QueryRow(ctx, `SELECT `+lotColumns+` FROM coin_lots WHERE source = $1 AND reference_id = $2`, l.Source, l.ReferenceID))
	if err != nil {
		return Lot{}, false, fmt.Errorf("load coin lot: %w", err)
	}
	return existing, false, nil
}

// ExpireLots zeroes up to limit lots that expired by now and writes an expire
// entry for each. It returns the number of lots and coins expired.
func (s PGStore) ExpireLots(ctx context.Context, now time.Time, limit int) (int, int64, error) {
	rows, err := s.DB.Query(ctx, `
		WITH expired AS (
			SELECT id, user_id, remaining_coins
			FROM coin_lots
			WHERE expires_at IS NOT NULL AND expires_at <= $1 AND remaining_coins > 0
			ORDER BY expires_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), zeroed AS (
			UPDATE coin_lots c SET remaining_coins = 0 FROM expired e WHERE c.id = e.id
		)
		INSERT INTO coin_ledger (user_id, lot_id, kind, delta)
		SELECT user_id, id, 'expire', -remaining_coins FROM expired
		RETURNING -delta`, now, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("expire coin lots: %w", err)
	}
	defer rows.Close()
	var (
		lots  int
		coins int64
	)
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return 0, 0, err
		}
		lots++
		coins += n
	}
	return lots, coins, rows.Err()
}

// UnawardedOrders lists orders confirmed since the given time that have a
// positive total and no earned lot yet, oldest first.
func (s PGStore) UnawardedOrders(ctx context.Context, since time.Time, limit int) ([]AwardPayload, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT o.id::text, o.user_id, o.final_total
		FROM orders o
		WHERE o.status = 'CONFIRMED' AND o.confirmed_at >= $1 AND o.final_total > 0
		  AND NOT EXISTS (
			SELECT 1 FROM coin_lots l WHERE l.source = $2 AND l.reference_id = o.id::text
		  )
		ORDER BY o.confirmed_at, o.id
		LIMIT $3`, since, SourceOrder, limit)
	if err != nil {
		return nil, fmt.Errorf("list unawarded orders: %w", err)
	}
	defer rows.Close()
	var out []AwardPayload
	for rows.Next() {
		var p AwardPayload
		if err := rows.Scan(&p.OrderID, &p.UserID, &p.Paid); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
