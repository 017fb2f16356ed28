package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/agent-gateway/internal/model"
)

func newStore(t *testing.T, opts Options) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, opts), mr
}

func turn(role, content string) model.Turn {
	return model.Turn{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

func TestGetMissingIsNil(t *testing.T) {
	s, _ := newStore(t, Options{})
	sess, err := s.Get(context.Background(), Key{UserID: "u", SessionID: "x"})
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestAppendCreatesAndTrims(t *testing.T) {
	s, mr := newStore(t, Options{TTL: time.Minute, MaxTurns: 4})
	ctx := context.Background()
	k := Key{UserID: "u", SessionID: "sess_1"}

	_, err := s.Append(ctx, k, turn(model.RoleSystem, "be nice"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = s.Append(ctx, k, turn(model.RoleUser, fmt.Sprintf("q%d", i)), turn(model.RoleAssistant, fmt.Sprintf("a%d", i)))
		require.NoError(t, err)
	}

	sess, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 4)
	assert.Equal(t, model.RoleSystem, sess.Turns[0].Role)
	assert.Equal(t, []string{"be nice", "a3", "q4", "a4"}, contents(sess.Turns))
	assert.Equal(t, "u", sess.UserID)

	assert.True(t, mr.Exists("sess:{u}:sess_1"))
	assert.Equal(t, time.Minute, mr.TTL("sess:{u}:sess_1"))
}

func contents(ts []model.Turn) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Content
	}
	return out
}

func TestSessionExpiresWhenIdle(t *testing.T) {
	s, mr := newStore(t, Options{TTL: time.Minute})
	ctx := context.Background()
	k := Key{UserID: "u", SessionID: "s"}

	_, err := s.Append(ctx, k, turn(model.RoleUser, "hi"))
	require.NoError(t, err)
	mr.FastForward(45 * time.Second)
	_, err = s.Append(ctx, k, turn(model.RoleAssistant, "hello"))
	require.NoError(t, err)
	mr.FastForward(45 * time.Second)

	sess, err := s.Get(ctx, k)
	require.NoError(t, err)
	require.NotNil(t, sess, "touch must refresh the TTL")

	mr.FastForward(2 * time.Minute)
	sess, err = s.Get(ctx, k)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestUsersAreIsolated(t *testing.T) {
	s, _ := newStore(t, Options{})
	ctx := context.Background()

	_, err := s.Append(ctx, Key{UserID: "alice", SessionID: "same"}, turn(model.RoleUser, "alice secret"))
	require.NoError(t, err)
	_, err = s.Append(ctx, Key{UserID: "bob", SessionID: "same"}, turn(model.RoleUser, "bob secret"))
	require.NoError(t, err)

	a, err := s.Get(ctx, Key{UserID: "alice", SessionID: "same"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice secret"}, contents(a.Turns))
}

func TestOwnerMismatchRejected(t *testing.T) {
	s, mr := newStore(t, Options{})
	require.NoError(t, mr.Set("sess:{bob}:s", `{"session_id":"s","user_id":"alice","turns":[]}`))

	_, err := s.Get(context.Background(), Key{UserID: "bob", SessionID: "s"})
	assert.Error(t, err)
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	s, _ := newStore(t, Options{MaxTurns: 100})
	ctx := context.Background()
	k := Key{UserID: "u", SessionID: "s"}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, k, turn(model.RoleUser, fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sess, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 4)
}

func TestResolveAndClear(t *testing.T) {
	s, _ := newStore(t, Options{})
	ctx := context.Background()

	_, ok, err := s.Active(ctx, "u")
	require.NoError(t, err)
	assert.False(t, ok)

	k1, err := s.Resolve(ctx, "u")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(k1.SessionID, "sess_"))
	k2, err := s.Resolve(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	_, err = s.Append(ctx, k1, turn(model.RoleUser, "hi"))
	require.NoError(t, err)
	require.NoError(t, s.SetContext(ctx, k1, map[string]string{"timezone": "Europe/Berlin"}))

	sess, err := s.Get(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", sess.Context["timezone"])
	assert.Len(t, sess.Turns, 1)

	require.NoError(t, s.Clear(ctx, k1))
	sess, err = s.Get(ctx, k1)
	require.NoError(t, err)
	assert.Nil(t, sess)
	_, ok, err = s.Active(ctx, "u")
	require.NoError(t, err)
	assert.False(t, ok)

	k3, err := s.Resolve(ctx, "u")
	require.NoError(t, err)
	assert.NotEqual(t, k1.SessionID, k3.SessionID)
}

func TestWindow(t *testing.T) {
	sess := &model.Session{Turns: []model.Turn{
		turn(model.RoleUser, "one"),
		turn(model.RoleAssistant, "two"),
		turn(model.RoleUser, strings.Repeat("x", 50)),
	}}
	got := Window(sess, 2, 10)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Content)
	assert.Equal(t, strings.Repeat("x", 10), got[1].Content)
	assert.Len(t, sess.Turns[2].Content, 50, "window must not alias stored turns")
	assert.Empty(t, Window(nil, 5, 10))
}
