package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var windowStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestLimiter_WindowSemantics(t *testing.T) {
	now := windowStart
	store := NewMemoryStore()
	store.now = fixedClock(&now)
	l := NewLimiter(store)
	l.now = fixedClock(&now)

	rule := Rule{Name: "test", Limit: 5, Window: time.Minute}
	key := Key{Type: KeyPerProject, Identifiers: []string{"p1", "POST /api/v1/notifications"}}

	for i := 1; i <= 5; i++ {
		d, err := l.Check(context.Background(), key, rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, int64(5-i), d.Remaining)
	}

	d, err := l.Check(context.Background(), key, rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)

	now = now.Add(time.Minute)
	d, err = l.Check(context.Background(), key, rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Remaining)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(NewMemoryStore())
	rule := Rule{Name: "test", Limit: 1, Window: time.Minute}

	a := Key{Type: KeyPerProject, Identifiers: []string{"p1", "GET /a"}}
	b := Key{Type: KeyPerProject, Identifiers: []string{"p1", "GET /b"}}

	d, _ := l.Check(context.Background(), a, rule)
	assert.True(t, d.Allowed)
	d, _ = l.Check(context.Background(), b, rule)
	assert.True(t, d.Allowed)
	d, _ = l.Check(context.Background(), a, rule)
	assert.False(t, d.Allowed)
}

func TestLimiter_InvalidRule(t *testing.T) {
	l := NewLimiter(NewMemoryStore())
	_, err := l.Check(context.Background(), Key{Type: KeyGlobal}, Rule{Name: "bad"})
	assert.Error(t, err)
}

func TestRedisStore_SharedCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := windowStart
	l := NewLimiter(NewRedisStore(client))
	l.now = fixedClock(&now)

	rule := Rule{Name: "test", Limit: 2, Window: time.Minute}
	key := Key{Type: KeyPerIP, Identifiers: []string{"10.0.0.1", "GET /health"}}

	for i := 0; i < 2; i++ {
		d, err := l.Check(context.Background(), key, rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.Degraded)
	}
	d, err := l.Check(context.Background(), key, rule)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, now.Add(time.Minute), d.ResetAt)

	storeKey := fmt.Sprintf("rate_limit:per_ip:10.0.0.1:GET /health:%d", now.UnixMilli()/60000)
	assert.Equal(t, storeKey, WindowKey(key, rule.Window, now))
	val, err := mr.Get(storeKey)
	require.NoError(t, err)
	assert.Equal(t, "3", val)
	assert.Equal(t, time.Minute, mr.TTL(storeKey))

	now = now.Add(time.Minute)
	d, err = l.Check(context.Background(), key, rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	l := NewLimiter(NewRedisStore(client))
	rule := Rule{Name: "test", Limit: 10, Window: time.Minute}

	d, err := l.Check(context.Background(), Key{Type: KeyGlobal}, rule)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, int64(10), d.Remaining)
}

func TestParseRule_Tiers(t *testing.T) {
	tests := []struct {
		tier   string
		limit  int64
		window time.Duration
	}{
		{TierHigh, 100, time.Minute},
		{TierMedium, 300, time.Minute},
		{TierLow, 1000, time.Hour},
		{"20-S", 20, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			r, err := ParseRule("", tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.limit, r.Limit)
			assert.Equal(t, tt.window, r.Window)
		})
	}

	_, err := ParseRule("", "lots")
	assert.Error(t, err)
}

func TestResolver_Precedence(t *testing.T) {
	r := NewResolver()
	custom := Rule{Name: "custom", Limit: 7, Window: time.Minute}
	r.Route("GET", "/api/v1/jobs/:queue/:id", custom)

	assert.Equal(t, custom, r.Resolve("GET", "/api/v1/jobs/:queue/:id"))
	assert.Equal(t, Tier(TierMedium), r.Resolve("DELETE", "/api/v1/jobs/:queue/:id"))
	assert.Equal(t, Tier(TierHigh), r.Resolve("POST", "/api/v1/notifications"))
	assert.Equal(t, Tier(TierMedium), r.Resolve("GET", "/api/v1/notifications"))
	assert.Equal(t, Tier(TierLow), r.Resolve("POST", "/api/v1/webhooks/secret/rotate"))
	assert.Equal(t, Tier(TierMedium), r.Resolve("GET", "/unknown"))
}

func TestResolver_YAMLOverrides(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, int64(1200), r.PreAuth().Limit)
	err := r.applyRules([]byte(`
default: low
pre_auth: 20-M
rules:
  - method: POST
    prefix: /api/v1/notifications
    rate: 50-M
  - prefix: /api/v1/queues/stats
    rate: high
`))
	require.NoError(t, err)

	assert.Equal(t, int64(50), r.Resolve("POST", "/api/v1/notifications").Limit)
	assert.Equal(t, int64(100), r.Resolve("GET", "/api/v1/queues/stats").Limit)
	assert.Equal(t, int64(300), r.Resolve("POST", "/api/v1/queues/:queue/pause").Limit)
	assert.Equal(t, int64(1000), r.Resolve("GET", "/elsewhere").Limit)
	assert.Equal(t, Rule{Name: "pre_auth", Limit: 20, Window: time.Minute}, r.PreAuth())

	assert.Error(t, r.applyRules([]byte("rules:\n  - rate: 10-M\n")))
}

func TestMiddleware(t *testing.T) {
	e := echo.New()
	resolver := NewResolver()
	resolver.Route("POST", "/send", Rule{Name: "send", Limit: 2, Window: time.Minute})
	limiter := NewLimiter(NewMemoryStore())

	setProject := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p := c.Request().Header.Get("X-Test-Project"); p != "" {
				c.Set("project_id", p)
			}
			return next(c)
		}
	}
	e.POST("/send", func(c echo.Context) error {
		return c.NoContent(http.StatusAccepted)
	}, setProject, Middleware(limiter, resolver))

	do := func(project string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/send", nil)
		if project != "" {
			req.Header.Set("X-Test-Project", project)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, do("p1").Code)
	rec := do("p1")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do("p1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	assert.Equal(t, http.StatusAccepted, do("p2").Code)
	assert.Equal(t, http.StatusAccepted, do("").Code)
}

func TestIPMiddleware_IgnoresEndpoint(t *testing.T) {
	e := echo.New()
	mw := IPMiddleware(NewLimiter(NewMemoryStore()), Rule{Name: "ip", Limit: 2, Window: time.Minute})
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	e.GET("/a", ok, mw)
	e.GET("/b", ok, mw)

	call := func(path string) int {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call("/a"))
	assert.Equal(t, http.StatusOK, call("/b"))
	assert.Equal(t, http.StatusTooManyRequests, call("/a"))
}
