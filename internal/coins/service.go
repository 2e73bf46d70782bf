package coins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// Reader lists usable lots for quoting.
type Reader interface {
	UsableLots(ctx context.Context, userID string, now time.Time) ([]Lot, error)
}

// LedgerStore captures the writes made when an order is confirmed. It must be
// bound to the confirmation transaction.
type LedgerStore interface {
	RedeemedForOrder(ctx context.Context, orderID string) (bool, error)
	Decrement(ctx context.Context, lotID string, coins int64, now time.Time) (bool, error)
	InsertEntry(ctx context.Context, e Entry) error
}

// GrantStore creates lots. Bind it to a transaction so the lot and its
// ledger entry land together.
type GrantStore interface {
	InsertLot(ctx context.Context, l Lot) (Lot, bool, error)
	InsertEntry(ctx context.Context, e Entry) error
}

// Sweeper expires lots in batches.
type Sweeper interface {
	ExpireLots(ctx context.Context, now time.Time, limit int) (int, int64, error)
}

// Service reads balances and settles coin movements.
type Service struct {
	Store Reader
	Now   func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Balance is the caller's coin position.
type Balance struct {
	Usable     int64      `json:"usable"`
	NextExpiry *time.Time `json:"nextExpiry,omitempty"`
	Lots       []Lot      `json:"lots"`
}

// Balance returns the usable coins of userID with lots in consumption order.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	lots, err := s.Lots(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	now := s.now()
	ordered := ConsumptionOrder(lots, now)
	out := Balance{Usable: UsableBalance(ordered, now), Lots: ordered}
	if len(ordered) > 0 {
		out.NextExpiry = ordered[0].ExpiresAt
	}
	return out, nil
}

// Lots loads the user's usable lots. Anonymous callers have none.
func (s *Service) Lots(ctx context.Context, userID string) ([]Lot, error) {
	if userID == "" {
		return nil, nil
	}
	if s == nil || s.Store == nil {
		return nil, errors.New("coin service not configured")
	}
	return s.Store.UsableLots(ctx, userID, s.now())
}

// Commit takes the planned coins out of each lot. An order that already has
// redeem entries is left alone, so repeated confirmations change nothing. A
// lot that no longer holds its allocation aborts with ErrInsufficientBalance
// and the caller must roll the transaction back.
func (s *Service) Commit(ctx context.Context, store LedgerStore, orderID, userID string, allocs []Allocation) error {
	if len(allocs) == 0 {
		return nil
	}
	done, err := store.RedeemedForOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	now := s.now()
	for _, a := range allocs {
		if a.Coins <= 0 {
			continue
		}
		ok, err := store.Decrement(ctx, a.LotID, a.Coins, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("lot %s: %w", a.LotID, ErrInsufficientBalance)
		}
		if err := store.InsertEntry(ctx, Entry{UserID: userID, LotID: a.LotID, OrderID: orderID, Kind: KindRedeem, Delta: -a.Coins}); err != nil {
			return err
		}
	}
	return nil
}

// Award grants the coins earned by a paid order. The lot is keyed by the
// order id so a retried award returns the existing lot with created false.
func (s *Service) Award(ctx context.Context, store GrantStore, userID, orderID string, paid decimal.Decimal, cfg settings.Coins) (Lot, bool, error) {
	if !cfg.Enabled {
		return Lot{}, false, nil
	}
	coins := Earned(paid, cfg.CoinsPerRupee)
	if coins <= 0 {
		return Lot{}, false, nil
	}
	return s.grant(ctx, store, Lot{
		UserID:      userID,
		Granted:     coins,
		ExpiresAt:   ExpiryFor(s.now(), cfg.ExpiryDays),
		Source:      SourceOrder,
		ReferenceID: orderID,
	}, KindEarn)
}

// Grant credits coins outside of an order, for example from the admin console.
func (s *Service) Grant(ctx context.Context, store GrantStore, userID string, coins int64, expiryDays int, source, reference string) (Lot, bool, error) {
	if userID == "" || coins <= 0 {
		return Lot{}, false, errors.New("grant needs a user and a positive coin count")
	}
	return s.grant(ctx, store, Lot{
		UserID:      userID,
		Granted:     coins,
		ExpiresAt:   ExpiryFor(s.now(), expiryDays),
		Source:      source,
		ReferenceID: reference,
	}, KindGrant)
}

func (s *Service) grant(ctx context.Context, store GrantStore, l Lot, kind string) (Lot, bool, error) {
	lot, created, err := store.InsertLot(ctx, l)
	if err != nil || !created {
		return lot, false, err
	}
	if err := store.InsertEntry(ctx, Entry{UserID: lot.UserID, LotID: lot.ID, Kind: kind, Delta: lot.Granted}); err != nil {
		return Lot{}, false, err
	}
	return lot, true, nil
}

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	Lots  int
	Coins int64
}

// Sweep expires lots batch by batch until a batch comes back short.
func (s *Service) Sweep(ctx context.Context, store Sweeper, batch int) (SweepResult, error) {
	if batch <= 0 {
		batch = 500
	}
	var out SweepResult
	now := s.now()
	for {
		lots, coins, err := store.ExpireLots(ctx, now, batch)
		if err != nil {
			return out, err
		}
		out.Lots += lots
		out.Coins += coins
		if lots < batch {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
}
