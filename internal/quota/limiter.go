// Package quota enforces per-user daily request limits in Redis.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/agent-gateway/internal/apperror"
)

// checkAndIncrScript denies without incrementing once the limit is reached,
// so rejected requests never consume quota.
//
// KEYS[1] counter, ARGV[1] limit, ARGV[2] unix expiry.
var checkAndIncrScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used >= limit then
  return {0, used}
end
used = redis.call('INCR', KEYS[1])
if used == 1 then
  redis.call('EXPIREAT', KEYS[1], ARGV[2])
end
return {1, used}
`)

// grace keeps yesterday's counter around briefly for inspection.
const grace = time.Hour

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Unlimited bool      `json:"unlimited,omitempty"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// DailyLimiter counts requests per user per UTC day.
type DailyLimiter struct {
	rdb    redis.UniversalClient
	limit  int
	prefix string
	now    func() time.Time
}

// NewDailyLimiter returns a limiter allowing limit requests per user per UTC
// day.  limit <= 0 disables the limit.
func NewDailyLimiter(rdb redis.UniversalClient, limit int, prefix string) *DailyLimiter {
	if prefix == "" {
		prefix = "quota"
	}
	return &DailyLimiter{rdb: rdb, limit: limit, prefix: prefix, now: time.Now}
}

func (l *DailyLimiter) key(userID string, day time.Time) string {
	return fmt.Sprintf("%s:{%s}:%s", l.prefix, userID, day.Format("2006-01-02"))
}

func dayBounds(now time.Time) (start, next time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// CheckAndIncrement consumes one request from userID's daily quota if any
// is left.  A denied check does not change the counter.
func (l *DailyLimiter) CheckAndIncrement(ctx context.Context, userID string) (Decision, error) {
	day, reset := dayBounds(l.now())
	if l.limit <= 0 {
		return Decision{Allowed: true, Unlimited: true, ResetAt: reset}, nil
	}
	res, err := checkAndIncrScript.Run(ctx, l.rdb, []string{l.key(userID, day)},
		l.limit, reset.Add(grace).Unix()).Int64Slice()
	if err != nil {
		return Decision{}, apperror.Wrap(apperror.Storage, "quota.check", err)
	}
	if len(res) != 2 {
		return Decision{}, apperror.New(apperror.Storage, "quota.check", "unexpected script reply")
	}
	return l.decision(res[0] == 1, int(res[1]), reset), nil
}

// Status reports userID's usage without consuming quota.
func (l *DailyLimiter) Status(ctx context.Context, userID string) (Decision, error) {
	day, reset := dayBounds(l.now())
	if l.limit <= 0 {
		return Decision{Allowed: true, Unlimited: true, ResetAt: reset}, nil
	}
	used, err := l.rdb.Get(ctx, l.key(userID, day)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, apperror.Wrap(apperror.Storage, "quota.status", err)
	}
	return l.decision(used < l.limit, used, reset), nil
}

func (l *DailyLimiter) decision(allowed bool, used int, reset time.Time) Decision {
	return Decision{
		Allowed:   allowed,
		Used:      used,
		Limit:     l.limit,
		Remaining: max(l.limit-used, 0),
		ResetAt:   reset,
	}
}
