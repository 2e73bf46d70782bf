package discount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/checkout-settlement/internal/settings"
)

// Store captures the read queries needed to build an Input.
type Store interface {
	FindRule(ctx context.Context, source Source, code string) (Rule, error)
	CountUserRedemptions(ctx context.Context, ruleID, userID string) (int, error)
	FindMembership(ctx context.Context, userID string) (*Membership, error)
}

// LedgerStore captures the writes made when an order is confirmed. It must be
// bound to the confirmation transaction.
type LedgerStore interface {
	RedemptionExists(ctx context.Context, ruleID, orderID string) (bool, error)
	IncrementUsage(ctx context.Context, ruleID string) (perUserLimit int, ok bool, err error)
	InsertRedemption(ctx context.Context, r Redemption) error
	CountUserRedemptions(ctx context.Context, ruleID, userID string) (int, error)
}

// Service looks instruments up for the engine and settles their usage.
type Service struct {
	Store               Store
	Now                 func() time.Time
	DefaultPerUserLimit int
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Lookup resolves a typed code. An unknown code yields a Requested with a nil
// Rule so the engine reports it; only store failures return an error.
func (s *Service) Lookup(ctx context.Context, source Source, code, userID string) (*Requested, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	if s == nil || s.Store == nil {
		return nil, errors.New("discount service not configured")
	}
	req := &Requested{Code: strings.ToUpper(code)}
	rule, err := s.Store.FindRule(ctx, source, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			return req, nil
		}
		return nil, err
	}
	if rule.PerUserLimit <= 0 {
		rule.PerUserLimit = s.DefaultPerUserLimit
	}
	if rule.PerUserLimit > 0 && userID != "" {
		used, err := s.Store.CountUserRedemptions(ctx, rule.ID, userID)
		if err != nil {
			return nil, err
		}
		rule.PerUserUsed = used
	}
	req.Rule = &rule
	return req, nil
}

// Membership returns the caller's membership, nil for anonymous callers.
func (s *Service) Membership(ctx context.Context, userID string) (*Membership, error) {
	if userID == "" || s == nil || s.Store == nil {
		return nil, nil
	}
	return s.Store.FindMembership(ctx, userID)
}

// Preview evaluates a single coupon against a subtotal without touching counters.
func (s *Service) Preview(ctx context.Context, code, userID string, subtotal decimal.Decimal, cfg settings.Discount) (Result, error) {
	req, err := s.Lookup(ctx, SourceCoupon, code, userID)
	if err != nil {
		return Result{}, err
	}
	if req == nil {
		return Result{}, ErrInvalidCode
	}
	return Evaluate(Input{Subtotal: subtotal, Now: s.now(), Coupon: req, Settings: cfg}), nil
}

// UsageError is returned by Redeem when a code ran out between quote and confirmation.
type UsageError struct {
	Source Source
	Code   string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s code %s: %v", e.Source, e.Code, ErrUsageExceeded)
}

func (e *UsageError) Unwrap() error { return ErrUsageExceeded }

// Redeem consumes one use of every coupon and referral line for orderID.
// Lines already recorded for the order are skipped, so calling it again for
// the same order changes nothing. Any exhausted code aborts with a *UsageError
// and the caller must roll the transaction back.
func (s *Service) Redeem(ctx context.Context, store LedgerStore, orderID, userID string, lines []Line) error {
	for _, l := range lines {
		if l.Source != SourceCoupon && l.Source != SourceReferral {
			continue
		}
		if l.RuleID == "" {
			return fmt.Errorf("redeem %s line %s: missing rule id", l.Source, l.Code)
		}
		done, err := store.RedemptionExists(ctx, l.RuleID, orderID)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		perUser, ok, err := store.IncrementUsage(ctx, l.RuleID)
		if err != nil {
			return err
		}
		if !ok {
			return &UsageError{Source: l.Source, Code: l.Code}
		}
		if err := store.InsertRedemption(ctx, Redemption{RuleID: l.RuleID, OrderID: orderID, UserID: userID, Amount: l.Amount}); err != nil {
			return err
		}
		if perUser <= 0 && s != nil {
			perUser = s.DefaultPerUserLimit
		}
		if perUser > 0 {
			used, err := store.CountUserRedemptions(ctx, l.RuleID, userID)
			if err != nil {
				return err
			}
			if used > perUser {
				return &UsageError{Source: l.Source, Code: l.Code}
			}
		}
	}
	return nil
}
