package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

func smallConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 3,
		WindowDuration:    time.Minute,
		BurstSize:         1,
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)

	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		if limiter.Allow("sub:a") {
			allowedCount++
		}
	}

	expected := config.RequestsPerWindow + config.BurstSize
	if allowedCount != expected {
		t.Errorf("Allowed %d requests, want %d", allowedCount, expected)
	}

	if !limiter.Allow("sub:b") {
		t.Error("Keys must not share a bucket")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(smallConfig())
	limiter.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		limiter.Allow("k")
	}
	if limiter.Allow("k") {
		t.Fatal("Expected bucket to be empty")
	}

	now = now.Add(20 * time.Second)
	if !limiter.Allow("k") {
		t.Error("Expected one token to refill after a third of the window")
	}
}

func TestRateLimiter_Remaining(t *testing.T) {
	limiter := NewRateLimiter(smallConfig())

	if got := limiter.Remaining("k"); got != 4 {
		t.Errorf("Initial remaining = %d, want 4", got)
	}
	limiter.Allow("k")
	if got := limiter.Remaining("k"); got != 3 {
		t.Errorf("Remaining = %d, want 3", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(smallConfig())
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(3 * time.Minute)
	limiter.Allow("fresh")

	if removed := limiter.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d buckets, want 1", removed)
	}
	if got := limiter.Remaining("old"); got != 4 {
		t.Errorf("Expected dropped bucket to start full, got %d", got)
	}
}

func TestSubscriberKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/subscribers/u1/debit", nil)
	req = mux.SetURLVars(req, map[string]string{"subscriberID": "u1"})
	if got := SubscriberKey(req); got != "sub:u1" {
		t.Errorf("SubscriberKey = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	if got := SubscriberKey(req); got != "ip:10.0.0.1" {
		t.Errorf("SubscriberKey = %q", got)
	}
}

func serve(h http.Handler, subscriberID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/subscribers/"+subscriberID+"/debit", nil)
	req = mux.SetURLVars(req, map[string]string{"subscriberID": subscriberID})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimitMiddleware_InMemory(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	h := NewRateLimitMiddleware(smallConfig(), nil, nil, metrics).Handler(okHandler)

	for i := 0; i < 4; i++ {
		if w := serve(h, "u1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}

	w := serve(h, "u1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Remaining header = %q", w.Header().Get("X-RateLimit-Remaining"))
	}

	if w := serve(h, "u2"); w.Code != http.StatusOK {
		t.Errorf("Other subscriber should not be limited, got %d", w.Code)
	}

	if got := testutil.ToFloat64(metrics.RateLimitDecisionsTotal.WithLabelValues("memory", "rejected")); got != 1 {
		t.Errorf("rejected decisions = %v, want 1", got)
	}
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestDistributedRateLimiter(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()
	limiter := NewDistributedRateLimiter(client, smallConfig(), "test")

	for i := 0; i < 4; i++ {
		allowed, err := limiter.Allow(ctx, "sub:u1")
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, err := limiter.Allow(ctx, "sub:u1")
	if err != nil || allowed {
		t.Fatalf("Expected rejection, allowed=%v err=%v", allowed, err)
	}

	remaining, err := limiter.Remaining(ctx, "sub:u1")
	if err != nil || remaining != 0 {
		t.Errorf("Remaining = %d, %v", remaining, err)
	}
	if ttl := mr.TTL("test:sub:u1"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	allowed, err = limiter.Allow(ctx, "sub:u1")
	if err != nil || !allowed {
		t.Fatalf("Expected new window, allowed=%v err=%v", allowed, err)
	}
	if remaining, _ := limiter.Remaining(ctx, "sub:u1"); remaining != 3 {
		t.Errorf("Remaining in new window = %d, want 3", remaining)
	}
}

func TestRateLimitMiddleware_SharedAcrossInstances(t *testing.T) {
	client, _ := setupRedis(t)
	a := NewRateLimitMiddleware(smallConfig(), client, nil, nil).Handler(okHandler)
	b := NewRateLimitMiddleware(smallConfig(), client, nil, nil).Handler(okHandler)

	serve(a, "u1")
	serve(b, "u1")
	serve(a, "u1")
	serve(b, "u1")

	if w := serve(a, "u1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected shared limit to reject, got %d", w.Code)
	}
}

func TestRateLimitMiddleware_FallsBackWhenRedisDown(t *testing.T) {
	client, mr := setupRedis(t)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	h := NewRateLimitMiddleware(smallConfig(), client, nil, metrics).Handler(okHandler)

	mr.Close()

	for i := 0; i < 4; i++ {
		if w := serve(h, "u1"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	if w := serve(h, "u1"); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected local bucket to enforce the limit, got %d", w.Code)
	}
	if got := testutil.ToFloat64(metrics.RateLimitDecisionsTotal.WithLabelValues("memory", "allowed")); got != 4 {
		t.Errorf("memory allowed = %v, want 4", got)
	}
}
