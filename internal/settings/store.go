package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads and writes raw settings rows.
type Store interface {
	Load(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	Upsert(ctx context.Context, key string, value json.RawMessage, updatedBy string) error
}

// PGStore keeps settings in the settings table (key text primary key, value jsonb).
type PGStore struct {
	Pool *pgxpool.Pool
}

// Load returns the rows for keys. Keys without a row are absent from the map.
func (s PGStore) Load(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	rows, err := s.Pool.Query(ctx, `SELECT key, value FROM settings WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("settings: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage, len(keys))
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings: rows: %w", err)
	}
	return out, nil
}

// Upsert writes a single settings row.
func (s PGStore) Upsert(ctx context.Context, key string, value json.RawMessage, updatedBy string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_by, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		key, []byte(value), updatedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("settings: upsert %s: %w", key, err)
	}
	return nil
}
