package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "lock:"

// ErrLeaseLost is returned when the lease expired or was taken over while
// the holder was still running.
var ErrLeaseLost = errors.New("lock: lease lost")

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out Redis leases so only one worker replica runs a job at a
// time. A lease is renewed every ttl/3 while its holder runs.
type Locker struct {
	R      redis.UniversalClient
	Prefix string
}

// Exclusive runs fn if the lease for key is free and reports whether it ran.
// It never waits for a held lease. fn's context is cancelled when the lease
// is lost, in which case ErrLeaseLost is returned unless fn failed first.
func (l Locker) Exclusive(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if l.R == nil {
		return false, errors.New("lock: redis client not configured")
	}
	if ttl < 30*time.Millisecond {
		ttl = 30 * time.Second
	}
	name := l.prefix() + key
	token := uuid.NewString()

	ok, err := l.R.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan struct{})
	go l.renew(runCtx, cancel, done, name, token, ttl)

	err = fn(runCtx)
	close(done)

	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer relCancel()
	_ = releaseScript.Run(relCtx, l.R, []string{name}, token).Err()

	if err == nil && errors.Is(context.Cause(runCtx), ErrLeaseLost) {
		err = ErrLeaseLost
	}
	return true, err
}

func (l Locker) renew(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}, name, token string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.R, []string{name}, token, ttl.Milliseconds()).Int()
			if err != nil {
				// Transient Redis errors leave the current expiry in place.
				continue
			}
			if n == 0 {
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}

func (l Locker) prefix() string {
	if l.Prefix == "" {
		return defaultPrefix
	}
	return l.Prefix
}
