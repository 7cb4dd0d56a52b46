package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLimiter returns a limiter on a clock the test advances.
func testLimiter(t *testing.T, cfg Config) (*Limiter, func(time.Duration)) {
	t.Helper()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(cfg)
	l.now = func() time.Time { return now }
	t.Cleanup(l.Stop)
	return l, func(d time.Duration) { now = now.Add(d) }
}

func allowed(l *Limiter, key string) bool {
	ok, _, _ := l.Allow(key)
	return ok
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, advance := testLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		ok, remaining, _ := l.Allow("session:a")
		require.True(t, ok, "request %d within burst", i)
		assert.Equal(t, 4-i, remaining)
	}

	ok, _, wait := l.Allow("session:a")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait, "one token per second at 60/min")

	advance(500 * time.Millisecond)
	_, _, wait = l.Allow("session:a")
	assert.Equal(t, 500*time.Millisecond, wait)

	advance(500 * time.Millisecond)
	assert.True(t, allowed(l, "session:a"))
	assert.False(t, allowed(l, "session:a"))
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := testLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 2})

	allowed(l, "session:a")
	allowed(l, "session:a")
	assert.False(t, allowed(l, "session:a"))
	assert.True(t, allowed(l, "session:b"))
}

func TestAllow_RefillCappedAtBurst(t *testing.T) {
	l, advance := testLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 2})

	allowed(l, "k")
	advance(time.Hour)

	n := 0
	for i := 0; i < 10; i++ {
		if allowed(l, "k") {
			n++
		}
	}
	assert.Equal(t, 2, n)
}

func TestEvictIdle(t *testing.T) {
	l, advance := testLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	allowed(l, "old")
	advance(3 * time.Minute)
	allowed(l, "fresh")

	l.evictIdle()
	assert.Equal(t, 1, l.Len())
}

func TestNew_FillsZeroConfig(t *testing.T) {
	l := New(Config{})
	l.Stop()
	l.Stop()

	assert.Equal(t, DefaultConfig().RequestsPerMinute, l.cfg.RequestsPerMinute)
	assert.Equal(t, 1, l.cfg.BurstSize)
	assert.Equal(t, time.Minute, l.cfg.CleanupInterval)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 30
	cfg.BurstSize = 1
	l, _ := testLimiter(t, cfg)

	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/v1/sessions/:id/events", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	r.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w
	}

	w := send(http.MethodPost, "/v1/sessions/a/events")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "30", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = send(http.MethodPost, "/v1/sessions/a/events")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusAccepted, send(http.MethodPost, "/v1/sessions/b/events").Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, send(http.MethodGet, "/health/live").Code, "probes are exempt")
	}
}
