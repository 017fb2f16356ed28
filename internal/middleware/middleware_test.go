package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/agent-gateway/internal/config"
	"github.com/iliyamo/agent-gateway/internal/utils"
)

const secret = "test-secret"

func bearer(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := utils.NewServiceToken(secret, "agent-gateway", "sms-frontend", scopes, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func serve(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServiceAuthAndScopes(t *testing.T) {
	e := echo.New()
	g := e.Group("/v1", ServiceAuth(secret, "agent-gateway"))
	g.GET("/run", func(c echo.Context) error {
		return c.String(http.StatusOK, ClientID(c))
	}, RequireScope(utils.ScopeExecute))

	rec := serve(e, http.MethodGet, "/v1/run", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"unauthorized"`)

	rec = serve(e, http.MethodGet, "/v1/run", "Bearer nonsense")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(e, http.MethodGet, "/v1/run", bearer(t, utils.ScopeAudit))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(e, http.MethodGet, "/v1/run", bearer(t, utils.ScopeExecute))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sms-frontend", rec.Body.String())
}

func TestClientIDDefaultsToAnon(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	assert.Equal(t, "anon", ClientID(c))
}

func TestTokenBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := config.RateLimitConfig{
		Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour,
		TTL: 2 * time.Hour, KeyStrategy: "client_route", Prefix: "rl",
	}
	e := echo.New()
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, NewTokenBucket(cfg, rdb))

	for i := 0; i < 2; i++ {
		rec := serve(e, http.MethodGet, "/ping", "")
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := serve(e, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.True(t, mr.Exists("rl:client:anon:route:GET /ping"))
}

func TestTokenBucketFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute}
	e := echo.New()
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, NewTokenBucket(cfg, rdb))
	assert.Equal(t, http.StatusNoContent, serve(e, http.MethodGet, "/ping", "").Code)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestLogger(zerolog.New(&buf)))
	e.GET("/v1/sessions/:user_id", func(c echo.Context) error {
		zerolog.Ctx(c.Request().Context()).Info().Msg("inside")
		return c.NoContent(http.StatusNotFound)
	})

	serve(e, http.MethodGet, "/v1/sessions/alice?token=abc", "")
	out := buf.String()
	assert.Contains(t, out, `"message":"inside"`)
	assert.Contains(t, out, `"route":"/v1/sessions/:user_id"`)
	assert.Contains(t, out, `"status":404`)
	assert.NotContains(t, out, "token=abc")
}
