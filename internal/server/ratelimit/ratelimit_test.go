package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg *Config) (*Limiter, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(cfg)
	l.now = func() time.Time { return now }
	l.lastCleanup = now
	return l, &now
}

func testConfig() *Config {
	return &Config{
		Enabled:         true,
		DefaultLimit:    3,
		DefaultWindow:   time.Minute,
		Whitelist:       map[string]bool{"10.0.0.1": true},
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	l, now := newTestLimiter(testConfig())

	for i := 0; i < 2; i++ {
		ok, info := l.Allow("127.0.0.1", "/batches", "POST")
		require.True(t, ok, "request %d", i+1)
		assert.Equal(t, 6, info.Limit)
	}

	ok, info := l.Allow("127.0.0.1", "/batches", "POST")
	assert.False(t, ok)
	assert.Equal(t, 0, info.Remaining)
	assert.Equal(t, 10*time.Second, info.RetryAfter.Round(time.Second))

	*now = now.Add(10 * time.Second)
	ok, _ = l.Allow("127.0.0.1", "/batches", "POST")
	assert.True(t, ok)
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	for i := 0; i < 2; i++ {
		l.Allow("a", "/batches", "POST")
	}
	ok, _ := l.Allow("a", "/batches", "POST")
	assert.False(t, ok)
	ok, _ = l.Allow("b", "/batches", "POST")
	assert.True(t, ok)
}

func TestLimiter_DefaultLimit(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("c", "/unknown", "GET")
		require.True(t, ok)
	}
	ok, _ := l.Allow("c", "/unknown", "GET")
	assert.False(t, ok)
}

func TestLimiter_UnlimitedAndWhitelisted(t *testing.T) {
	l, _ := newTestLimiter(testConfig())

	for i := 0; i < 20; i++ {
		ok, _ := l.Allow("c", "/health", "GET")
		require.True(t, ok)
		ok, _ = l.Allow("10.0.0.1", "/batches", "POST")
		require.True(t, ok)
	}
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(&Config{Enabled: false})
	for i := 0; i < 10; i++ {
		ok, info := l.Allow("c", "/batches", "POST")
		require.True(t, ok)
		assert.Equal(t, 0, info.Limit)
	}
}

func TestLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	cfg := testConfig()
	cfg.EntryTTL = time.Minute
	l, now := newTestLimiter(cfg)

	l.Allow("a", "/batches", "POST")
	l.Allow("b", "/batches", "POST")
	assert.Equal(t, 2, l.Len())

	*now = now.Add(2 * time.Minute)
	l.Allow("c", "/batches", "POST")
	assert.Equal(t, 1, l.Len())
}

func TestMatchEndpoint(t *testing.T) {
	configs := DefaultEndpointConfigs()

	c := MatchEndpoint("/batches", "POST", configs)
	require.NotNil(t, c)
	assert.Equal(t, 6, c.Limit)

	c = MatchEndpoint("/batches/current/stop", "POST", configs)
	require.NotNil(t, c)
	assert.Equal(t, 30, c.Limit)

	c = MatchEndpoint("/batches/current", "GET", configs)
	require.NotNil(t, c)
	assert.Equal(t, "/batches/", c.Path)

	c = MatchEndpoint("/health", "GET", configs)
	require.NotNil(t, c)
	assert.Equal(t, 0, c.Limit)

	assert.Nil(t, MatchEndpoint("/batches", "DELETE", configs))
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "42")
	t.Setenv("RATE_LIMIT_WHITELIST", " 1.2.3.4 , ,5.6.7.8")

	cfg := LoadConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 42, cfg.DefaultLimit)
	assert.True(t, cfg.Whitelist["1.2.3.4"])
	assert.True(t, cfg.Whitelist["5.6.7.8"])
	assert.Len(t, cfg.Whitelist, 2)
}
