// Package lock provides a per-user mutual exclusion lock backed by Redis.
//
// A lock is a key "lock:{<user>}" holding a random owner token, set with
// NX and a TTL so that a crashed holder cannot block the user forever.
// Release deletes the key only when it still holds the caller's token.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/agent-gateway/internal/apperror"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Options tune lock behaviour.
type Options struct {
	TTL           time.Duration // lock self-expiry
	RetryInterval time.Duration // poll interval while waiting
	SafetyMargin  time.Duration // fn's context ends this long before the TTL
}

// RedisLocker hands out per-user locks.
type RedisLocker struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	margin time.Duration
}

func NewRedisLocker(rdb redis.UniversalClient, opts Options) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 150 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.SafetyMargin <= 0 || opts.SafetyMargin >= opts.TTL {
		opts.SafetyMargin = opts.TTL / 10
	}
	return &RedisLocker{rdb: rdb, ttl: opts.TTL, retry: opts.RetryInterval, margin: opts.SafetyMargin}
}

func key(userID string) string { return fmt.Sprintf("lock:{%s}", userID) }

// WithLock runs fn while holding userID's lock.  It waits up to wait for a
// concurrent holder to finish and fails with apperror.Busy otherwise.  The
// context passed to fn is cancelled before the lock could expire.  The lock
// is released on every return path, including panics in fn.
func (l *RedisLocker) WithLock(ctx context.Context, userID string, wait time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	if err := l.acquire(ctx, userID, token, wait); err != nil {
		return err
	}
	defer l.release(ctx, userID, token)

	fctx, cancel := context.WithTimeout(ctx, l.ttl-l.margin)
	defer cancel()
	return fn(fctx)
}

func (l *RedisLocker) acquire(ctx context.Context, userID, token string, wait time.Duration) error {
	const op = "lock.acquire"
	k := key(userID)
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return apperror.Wrap(apperror.Storage, op, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			e := apperror.New(apperror.Busy, op, "another request for this user is in progress")
			e.RetryAfter = l.retryAfter(ctx, k)
			return e
		}

		t := time.NewTimer(min(l.retry, time.Until(deadline)+time.Millisecond))
		select {
		case <-ctx.Done():
			t.Stop()
			return apperror.Wrapf(apperror.Busy, op, ctx.Err(), "gave up waiting for lock")
		case <-t.C:
		}
	}
}

// retryAfter estimates when the current holder's lock lapses at the latest.
func (l *RedisLocker) retryAfter(ctx context.Context, k string) time.Duration {
	d, err := l.rdb.PTTL(ctx, k).Result()
	if err != nil || d <= 0 {
		return time.Second
	}
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d.Round(time.Second) + time.Second
}

// release uses a context detached from the request so cancellation cannot
// leave the lock held until its TTL.
func (l *RedisLocker) release(parent context.Context, userID, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 2*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, l.rdb, []string{key(userID)}, token).Int()
	if err != nil {
		zerolog.Ctx(parent).Error().Err(err).Str("user_id", userID).Msg("lock release failed")
		return
	}
	if n == 0 {
		zerolog.Ctx(parent).Warn().Str("user_id", userID).Msg("lock expired before release")
	}
}
