// Package middleware rate limits the consumption endpoints per subscriber.
//
// Two limiters share one configuration:
//
//   - RateLimiter: in-process token bucket, used alone in development and as
//     the fallback when Redis is unreachable
//   - DistributedRateLimiter: fixed-window counter in Redis so the limit holds
//     across replicas
//
// RateLimitMiddleware picks the distributed limiter when one is configured
// and degrades to the local bucket on Redis errors instead of failing
// requests:
//
//	limiter := middleware.NewRateLimitMiddleware(cfg, redisClient, logger, metrics)
//	router.Handle("/v1/subscribers/{subscriberID}/debit", limiter.Handler(debit))
//
// Requests are keyed by the {subscriberID} route variable and fall back to
// the client IP on routes without one.
package middleware
