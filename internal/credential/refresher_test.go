package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/iliyamo/agent-gateway/internal/apperror"
	"github.com/iliyamo/agent-gateway/internal/model"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]model.Credential
	puts int
}

func newMemStore() *memStore { return &memStore{rows: map[string]model.Credential{}} }

func (m *memStore) Get(_ context.Context, u, s string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[u+"/"+s]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "mem", "missing")
	}
	return &c, nil
}

func (m *memStore) Put(_ context.Context, c model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.rows[c.UserID+"/"+c.Service] = c
	return nil
}

func (m *memStore) Delete(_ context.Context, u, s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[u+"/"+s]; !ok {
		return apperror.New(apperror.NotFound, "mem", "missing")
	}
	delete(m.rows, u+"/"+s)
	return nil
}

func (m *memStore) ListServices(_ context.Context, u string) ([]model.ServiceGrant, error) {
	return nil, nil
}

func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newRefresher(store Store, tokenURL string) *Refresher {
	return NewRefresher(store, Config{
		ClientID:     "cid",
		ClientSecret: "csecret",
		TokenURL:     tokenURL,
		SafetyMargin: 5 * time.Minute,
	})
}

func TestFastPathSkipsNetwork(t *testing.T) {
	srv, hits := tokenServer(t, http.StatusOK, `{}`)
	store := newMemStore()
	store.rows["u/google"] = model.Credential{UserID: "u", Service: "google", AccessToken: "still-good",
		RefreshToken: "r", Expiry: time.Now().Add(30 * time.Minute)}

	tok, err := newRefresher(store, srv.URL).GetValidToken(context.Background(), "u", "google")
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok)
	assert.Zero(t, atomic.LoadInt32(hits))
	assert.Zero(t, store.puts)
}

func TestRefreshInsideSafetyMargin(t *testing.T) {
	srv, hits := tokenServer(t, http.StatusOK,
		`{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"scope":"calendar"}`)
	store := newMemStore()
	store.rows["u/google"] = model.Credential{UserID: "u", Service: "google", AccessToken: "stale",
		RefreshToken: "keep-me", Expiry: time.Now().Add(2 * time.Minute)}

	tok, err := newRefresher(store, srv.URL).GetValidToken(context.Background(), "u", "google")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))

	saved := store.rows["u/google"]
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "keep-me", saved.RefreshToken)
	assert.Equal(t, "calendar", saved.Scope)
	assert.True(t, saved.Expiry.After(time.Now().Add(50*time.Minute)))
}

func TestInvalidGrantRequiresReauthWithoutWrite(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
	store := newMemStore()
	orig := model.Credential{UserID: "u", Service: "google", AccessToken: "old",
		RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)}
	store.rows["u/google"] = orig

	_, err := newRefresher(store, srv.URL).GetValidToken(context.Background(), "u", "google")
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.ReauthRequired))
	assert.False(t, apperror.IsRetryable(err))
	assert.Zero(t, store.puts)
	assert.Equal(t, orig, store.rows["u/google"])
}

func TestProviderOutageIsUpstream(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusServiceUnavailable, `{"error":"backend_error"}`)
	store := newMemStore()
	store.rows["u/google"] = model.Credential{UserID: "u", Service: "google", AccessToken: "old",
		RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)}

	_, err := newRefresher(store, srv.URL).GetValidToken(context.Background(), "u", "google")
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.Upstream))
	assert.True(t, apperror.IsRetryable(err))
	assert.Zero(t, store.puts)
}

func TestMissingCredentialRequiresReauth(t *testing.T) {
	_, err := newRefresher(newMemStore(), "http://127.0.0.1:1").GetValidToken(context.Background(), "nobody", "google")
	assert.True(t, apperror.IsKind(err, apperror.ReauthRequired))
}

func TestExpiredWithoutRefreshToken(t *testing.T) {
	store := newMemStore()
	store.rows["u/google"] = model.Credential{UserID: "u", Service: "google", AccessToken: "old",
		Expiry: time.Now().Add(-time.Minute)}
	r := newRefresher(store, "http://127.0.0.1:1")

	_, err := r.GetValidToken(context.Background(), "u", "google")
	assert.True(t, apperror.IsKind(err, apperror.ReauthRequired))

	rep, err := r.Status(context.Background(), "u", "google")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, rep.Status)
}

func TestStatus(t *testing.T) {
	store := newMemStore()
	store.rows["u/google"] = model.Credential{UserID: "u", Service: "google", AccessToken: "a",
		RefreshToken: "r", Scope: "calendar gmail", Expiry: time.Now().Add(-time.Minute)}
	r := newRefresher(store, "http://127.0.0.1:1")

	rep, err := r.Status(context.Background(), "u", "google")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, rep.Status)
	assert.Equal(t, []string{"calendar", "gmail"}, rep.Scopes)
	require.NotNil(t, rep.ExpiresAt)

	rep, err = r.Status(context.Background(), "other", "google")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbsent, rep.Status)
}

func TestStoreValidates(t *testing.T) {
	store := newMemStore()
	r := newRefresher(store, "")

	err := r.Store(context.Background(), "u", "google", &oauth2.Token{})
	assert.True(t, apperror.IsKind(err, apperror.Invalid))

	tok := (&oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}).
		WithExtra(map[string]any{"scope": "calendar"})
	require.NoError(t, r.Store(context.Background(), "u", "google", tok))
	assert.Equal(t, "calendar", store.rows["u/google"].Scope)
}

func TestRevokeCallsProviderThenDeletes(t *testing.T) {
	var revoked string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		revoked = r.Form.Get("token")
	}))
	defer srv.Close()

	store := newMemStore()
	store.rows["u/google"] = model.Credential{UserID: "u", Service: "google", AccessToken: "a", RefreshToken: "r"}
	r := NewRefresher(store, Config{RevokeURL: srv.URL})

	require.NoError(t, r.Revoke(context.Background(), "u", "google"))
	assert.Equal(t, "r", revoked)
	assert.Empty(t, store.rows)

	err := r.Revoke(context.Background(), "u", "google")
	assert.True(t, apperror.IsKind(err, apperror.NotFound))
}

func TestRevokeSurvivesProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newMemStore()
	store.rows["u/google"] = model.Credential{UserID: "u", Service: "google", AccessToken: "a"}
	require.NoError(t, NewRefresher(store, Config{RevokeURL: srv.URL}).Revoke(context.Background(), "u", "google"))
	assert.Empty(t, store.rows)
}
