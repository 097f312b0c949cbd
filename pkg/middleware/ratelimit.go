package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns per-subscriber settings for the debit endpoint
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         60,
	}
}

// RateLimiter implements rate limiting using token bucket algorithm
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rl.capacity(), lastUpdate: rl.now()}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(b.lastUpdate)

	refill := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if refill > 0 {
		b.tokens += refill
		if b.tokens > rl.capacity() {
			b.tokens = rl.capacity()
		}
		b.lastUpdate = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Cleanup drops buckets idle for two windows
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// StartCleanup runs Cleanup every window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SubscriberKey keys by the {subscriberID} route variable, else by client IP
func SubscriberKey(r *http.Request) string {
	if id := mux.Vars(r)["subscriberID"]; id != "" {
		return "sub:" + id
	}
	return "ip:" + getClientIP(r)
}

// RateLimitMiddleware provides HTTP rate limiting
type RateLimitMiddleware struct {
	config      *RateLimitConfig
	local       *RateLimiter
	distributed *DistributedRateLimiter
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewRateLimitMiddleware creates the middleware. redisClient may be nil, in
// which case only the in-memory bucket is used.
func NewRateLimitMiddleware(config *RateLimitConfig, redisClient *redis.Client, logger *observability.Logger, metrics *observability.Metrics) *RateLimitMiddleware {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	m := &RateLimitMiddleware{
		config:  config,
		local:   NewRateLimiter(config),
		logger:  logger.WithField("component", "rate_limiter"),
		metrics: metrics,
	}
	if redisClient != nil {
		m.distributed = NewDistributedRateLimiter(redisClient, config, "tollgate:ratelimit")
	}
	return m
}

// StartCleanup starts the in-memory bucket janitor
func (m *RateLimitMiddleware) StartCleanup(ctx context.Context) {
	m.local.StartCleanup(ctx)
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := SubscriberKey(r)
		allowed, remaining, reset, backend := m.check(r.Context(), key)
		m.metrics.RecordRateLimit(backend, decision(allowed))

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(reset).Unix()))

		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", reset.Seconds()))
			m.logger.WithContext(r.Context()).WithField("key", key).Warn("Rate limit exceeded")
			httputil.WriteErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) check(ctx context.Context, key string) (allowed bool, remaining int, reset time.Duration, backend string) {
	if m.distributed != nil {
		allowed, err := m.distributed.Allow(ctx, key)
		if err == nil {
			remaining, _ := m.distributed.Remaining(ctx, key)
			ttl, terr := m.distributed.TTL(ctx, key)
			if terr != nil || ttl <= 0 {
				ttl = m.config.WindowDuration
			}
			return allowed, remaining, ttl, "redis"
		}
		m.logger.WithContext(ctx).WithError(err).Warn("Distributed rate limiter unavailable, using local bucket")
	}
	allowed = m.local.Allow(key)
	return allowed, m.local.Remaining(key), m.config.WindowDuration, "memory"
}

func decision(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "rejected"
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
