package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"DB_USER":              "gateway",
		"DB_HOST":              "localhost",
		"DB_NAME":              "gateway",
		"JWT_SECRET":           "secret",
		"ENCRYPTION_KEY":       "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		"GOOGLE_CLIENT_ID":     "client",
		"GOOGLE_CLIENT_SECRET": "client-secret",
		"AGENT_BINARY":         "/usr/local/bin/agent",
	} {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "3306", cfg.DB.Port)
	assert.Equal(t, 120*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 150*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 5*time.Minute, cfg.OAuth.SafetyMargin)
	assert.Equal(t, 10, cfg.Session.HistoryTurns)
	assert.Equal(t, "agent.turn.completed", cfg.AMQP.Queue)
}

func TestLoadReportsAllMissing(t *testing.T) {
	t.Setenv("DB_USER", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("AGENT_BINARY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_USER")
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "AGENT_BINARY")
}

func TestLoadListsAndOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("AGENT_ARGS", "run --json")
	t.Setenv("AGENT_CAPABILITIES", "calendar, gmail ,")
	t.Setenv("AGENT_TIMEOUT", "30s")
	t.Setenv("LOCK_TTL", "45s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "--json"}, cfg.Agent.Args)
	assert.Equal(t, []string{"calendar", "gmail"}, cfg.Agent.Capabilities)
	assert.Equal(t, 30*time.Second, cfg.Agent.Timeout)
}

func TestValidateLockMustOutliveAgent(t *testing.T) {
	setRequired(t)
	t.Setenv("AGENT_TIMEOUT", "60s")
	t.Setenv("LOCK_TTL", "60s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOCK_TTL")
}

func TestLoadRateLimitConfigClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	cfg := LoadRateLimitConfig()
	assert.Equal(t, 1, cfg.Capacity)
	assert.Equal(t, 10*time.Second, cfg.TTL)
}

func TestLoadRedisConfigHostPortWins(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("REDIS_TLS", "1")

	cfg := LoadRedisConfig()
	assert.Equal(t, "redis:6379", cfg.Addr)
	assert.True(t, cfg.TLS)
}
