// Package session keeps short-lived per-user conversation state in Redis.
//
// Every Redis key is derived from a Key, which always carries the owning user
// id inside a hash tag ("sess:{<user>}:<session>").  There is no API that
// accepts a raw key or scans across users.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/agent-gateway/internal/apperror"
	"github.com/iliyamo/agent-gateway/internal/model"
	"github.com/iliyamo/agent-gateway/internal/utils"
)

const maxTxRetries = 5

// Key identifies one conversation of one user.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) redisKey() string { return fmt.Sprintf("sess:{%s}:%s", k.UserID, k.SessionID) }

func activeKey(userID string) string { return fmt.Sprintf("sess:{%s}:active", userID) }

// Options tune retention.
type Options struct {
	TTL      time.Duration // idle expiry, refreshed on every write
	MaxTurns int           // retained window; system turns are always kept
}

// RedisStore implements the session store on a go-redis client.
type RedisStore struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	maxTurns int
	now      func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient, opts Options) *RedisStore {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 20
	}
	return &RedisStore{rdb: rdb, ttl: opts.TTL, maxTurns: opts.MaxTurns, now: time.Now}
}

// Get returns the session, or nil when it does not exist or has expired.
func (s *RedisStore) Get(ctx context.Context, key Key) (*model.Session, error) {
	raw, err := s.rdb.Get(ctx, key.redisKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.Storage, "session.get", err)
	}
	return decode(key, raw)
}

func decode(key Key, raw []byte) (*model.Session, error) {
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, apperror.Wrapf(apperror.Storage, "session.decode", err, "corrupt session document")
	}
	if sess.UserID != key.UserID {
		return nil, apperror.New(apperror.Storage, "session.decode", "session owner mismatch")
	}
	return &sess, nil
}

// Append adds turns to the session, creating it when absent, trims it to the
// retained window and resets its TTL.  The read-modify-write runs as an
// optimistic WATCH transaction.
func (s *RedisStore) Append(ctx context.Context, key Key, turns ...model.Turn) (*model.Session, error) {
	var out *model.Session
	err := s.update(ctx, "session.append", key, func(sess *model.Session) {
		sess.Turns = trim(append(sess.Turns, turns...), s.maxTurns)
		out = sess
	})
	return out, err
}

// SetContext merges values into the session context map.
func (s *RedisStore) SetContext(ctx context.Context, key Key, values map[string]string) error {
	return s.update(ctx, "session.set_context", key, func(sess *model.Session) {
		if sess.Context == nil {
			sess.Context = map[string]string{}
		}
		for k, v := range values {
			sess.Context[k] = v
		}
	})
}

func (s *RedisStore) update(ctx context.Context, op string, key Key, mutate func(*model.Session)) error {
	rk := key.redisKey()
	txf := func(tx *redis.Tx) error {
		now := s.now().UTC()
		sess := &model.Session{ID: key.SessionID, UserID: key.UserID, CreatedAt: now}
		raw, err := tx.Get(ctx, rk).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if sess, err = decode(key, raw); err != nil {
				return err
			}
		}

		mutate(sess)
		sess.LastActivity = now
		sess.ExpiresAt = now.Add(s.ttl)
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, rk, data, s.ttl)
			p.Set(ctx, activeKey(key.UserID), key.SessionID, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && apperror.KindOf(err) == apperror.Unknown {
			return apperror.Wrap(apperror.Storage, op, err)
		}
		return err
	}
	return apperror.New(apperror.Storage, op, "too much contention on session")
}

// trim keeps every system turn and the newest non-system turns so that the
// total does not exceed max.  Order is preserved.
func trim(turns []model.Turn, max int) []model.Turn {
	if len(turns) <= max {
		return turns
	}
	system := 0
	for _, t := range turns {
		if t.Role == model.RoleSystem {
			system++
		}
	}
	budget := max - system
	keep := make([]bool, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		switch {
		case turns[i].Role == model.RoleSystem:
			keep[i] = true
		case budget > 0:
			keep[i] = true
			budget--
		}
	}
	out := make([]model.Turn, 0, max)
	for i, t := range turns {
		if keep[i] {
			out = append(out, t)
		}
	}
	return out
}

var clearScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
return redis.call('DEL', KEYS[1])
`)

// Clear deletes the session and, if it was the active one, the pointer.
func (s *RedisStore) Clear(ctx context.Context, key Key) error {
	err := clearScript.Run(ctx, s.rdb, []string{key.redisKey(), activeKey(key.UserID)}, key.SessionID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return apperror.Wrap(apperror.Storage, "session.clear", err)
	}
	return nil
}

// Active returns the user's active session key without creating one.
func (s *RedisStore) Active(ctx context.Context, userID string) (Key, bool, error) {
	id, err := s.rdb.Get(ctx, activeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return Key{}, false, nil
	}
	if err != nil {
		return Key{}, false, apperror.Wrap(apperror.Storage, "session.active", err)
	}
	return Key{UserID: userID, SessionID: id}, true, nil
}

// Resolve returns the user's active session key, starting a new session
// when none is active.
func (s *RedisStore) Resolve(ctx context.Context, userID string) (Key, error) {
	const op = "session.resolve"
	for i := 0; i < 2; i++ {
		if k, ok, err := s.Active(ctx, userID); err != nil || ok {
			return k, err
		}
		id := utils.NewSessionID()
		ok, err := s.rdb.SetNX(ctx, activeKey(userID), id, s.ttl).Result()
		if err != nil {
			return Key{}, apperror.Wrap(apperror.Storage, op, err)
		}
		if ok {
			return Key{UserID: userID, SessionID: id}, nil
		}
	}
	return Key{}, apperror.New(apperror.Storage, op, "active session pointer kept changing")
}

// Window returns the history handed to the agent: the last n turns with each
// turn's content cut to maxChars runes.
func Window(sess *model.Session, n, maxChars int) []model.Turn {
	turns := sess.Recent(n)
	if maxChars > 0 {
		for i := range turns {
			turns[i].Content = utils.Truncate(turns[i].Content, maxChars)
		}
	}
	return turns
}
