package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/shopkeep/pkg/auth"
	"github.com/platinummonkey/shopkeep/pkg/observability"
)

func newTestLimiter(config RateLimitConfig, now *time.Time) *RateLimiter {
	rl := NewRateLimiter(config)
	rl.now = func() time.Time { return *now }
	return rl
}

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	config := RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2}
	limiter := newTestLimiter(config, &now)
	ctx := context.Background()

	// Should allow initial requests up to limit + burst
	allowed := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		res, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, config.RequestsPerWindow+config.BurstSize, allowed)

	res, _ := limiter.Allow(ctx, "k")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 100*time.Millisecond, res.ResetAfter)

	// One token refills every 100ms
	now = now.Add(100 * time.Millisecond)
	res, _ = limiter.Allow(ctx, "k")
	assert.True(t, res.Allowed)

	res, _ = limiter.Allow(ctx, "other")
	assert.True(t, res.Allowed, "keys are independent")
}

func TestRateLimiter_RefillIsCapped(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Second, BurstSize: 1}, &now)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "k")
	now = now.Add(time.Hour)
	res, _ := limiter.Allow(ctx, "k")
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
}

func TestRateLimiter_InvalidConfigUsesDefaults(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{})
	assert.Equal(t, DefaultRateLimitConfig(), limiter.config)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newTestLimiter(RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Second}, &now)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "old")
	now = now.Add(3 * time.Second)
	_, _ = limiter.Allow(ctx, "fresh")

	limiter.Cleanup()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.buckets, "old")
	assert.Contains(t, limiter.buckets, "fresh")
}

func TestRateLimiter_Concurrency(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerWindow: 50, WindowDuration: time.Hour})
	ctx := context.Background()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := limiter.Allow(ctx, "shared")
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "203.0.113.7, 10.0.0.1", "", "10.0.0.2:1234", "203.0.113.7"},
		{"real ip", "", "198.51.100.4", "10.0.0.2:1234", "198.51.100.4"},
		{"peer", "", "", "192.0.2.9:5555", "192.0.2.9"},
		{"peer without port", "", "", "192.0.2.9", "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (RateLimitResult, error) {
	return RateLimitResult{}, errors.New("backend down")
}

// keyRecorder records the keys it is asked about and allows everything
type keyRecorder struct {
	keys []string
}

func (k *keyRecorder) Allow(_ context.Context, key string) (RateLimitResult, error) {
	k.keys = append(k.keys, key)
	return RateLimitResult{Allowed: true, Limit: 1, Remaining: 1}, nil
}

func TestRateLimitMiddleware_Handler(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute})
	handler := NewRateLimitMiddleware(limiter, nil, metrics).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "192.0.2.1:1000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := do()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, do().Code)

	w = do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimitedTotal))
}

func TestRateLimitMiddleware_Keys(t *testing.T) {
	rec := &keyRecorder{}
	handler := NewRateLimitMiddleware(rec, nil, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	anon := httptest.NewRequest("GET", "/", nil)
	anon.RemoteAddr = "192.0.2.1:1000"
	handler.ServeHTTP(httptest.NewRecorder(), anon)

	user := httptest.NewRequest("GET", "/", nil)
	user = user.WithContext(auth.WithPrincipal(user.Context(), &auth.Principal{UserID: "u1", TenantID: "acme"}))
	handler.ServeHTTP(httptest.NewRecorder(), user)

	assert.Equal(t, []string{"ip:192.0.2.1", "tenant:acme:user:u1"}, rec.keys)
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	called := false
	handler := NewRateLimitMiddleware(failingLimiter{}, nil, metrics).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimitErrorsTotal))
}
