package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnavailable means no snapshot could be obtained. Callers must fail closed.
var ErrUnavailable = errors.New("settings: snapshot unavailable")

// ErrUnknownKey is returned when an update names a key no snapshot reads.
var ErrUnknownKey = errors.New("settings: unknown key")

// ErrMalformed is returned when a settings value is not a JSON object.
var ErrMalformed = errors.New("settings: malformed value")

// Provider hands out the snapshot in force right now.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Static is a Provider that always returns the same snapshot.
type Static Snapshot

// Snapshot implements Provider.
func (s Static) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot(s), nil
}

type localEntry struct {
	snap    Snapshot
	expires time.Time
}

// Service loads snapshots from the store through the Redis cache and keeps a
// short-lived process-local copy.
type Service struct {
	Store        Store
	Cache        *Cache
	Logger       zerolog.Logger
	FetchTimeout time.Duration
	LocalTTL     time.Duration
	Now          func() time.Time

	local atomic.Value // stores localEntry
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Snapshot implements Provider.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	if entry, ok := s.local.Load().(localEntry); ok && s.now().Before(entry.expires) {
		return entry.snap, nil
	}

	rows, err := s.rows(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	snap, err := Decode(rows)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(snap.Warnings) > 0 {
		s.Logger.Warn().Strs("fields", snap.Warnings).Str("version", snap.Version).Msg("settings fields replaced by defaults")
	}
	if s.LocalTTL > 0 {
		s.local.Store(localEntry{snap: snap, expires: s.now().Add(s.LocalTTL)})
	}
	return snap, nil
}

func (s *Service) rows(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, hit, err := s.Cache.Get(ctx)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("settings cache read failed")
	}
	if hit {
		return rows, nil
	}
	if s.Store == nil {
		return nil, errors.New("no settings store configured")
	}

	fetchCtx := ctx
	if s.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.FetchTimeout)
		defer cancel()
	}
	rows, err = s.Store.Load(fetchCtx, Keys)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.Set(ctx, rows); err != nil {
		s.Logger.Warn().Err(err).Msg("settings cache write failed")
	}
	return rows, nil
}

// Update validates and persists one settings key, then drops cached copies.
func (s *Service) Update(ctx context.Context, key string, value json.RawMessage, updatedBy string) (Snapshot, error) {
	if !knownKey(key) {
		return Snapshot{}, fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	current, err := s.Store.Load(ctx, Keys)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	current[key] = value
	snap, err := Decode(current)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.Store.Upsert(ctx, key, compact(value), updatedBy); err != nil {
		return Snapshot{}, err
	}
	if err := s.Cache.Invalidate(ctx); err != nil {
		s.Logger.Warn().Err(err).Msg("settings cache invalidate failed")
	}
	s.local.Store(localEntry{})
	return snap, nil
}

func knownKey(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}
