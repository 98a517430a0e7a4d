// Package ratelimit enforces a per-caller submission budget using a fixed
// window counter stored in Redis.
//
// # Design
//
// Each caller is identified by a fingerprint of their network identity: the
// client address returned by ClientFingerprint, hashed by the caller of this
// package before it is passed to CheckAndIncrement. The limiter keeps one
// counter key per caller per window:
//
//	ratelimit:<fingerprint>
//
// The counter is incremented atomically with INCR; the key's expiration (set
// with millisecond precision via PEXPIRE) is
// set only on the first increment of a window (INCR returning 1), so the
// window always has exactly the configured TTL regardless of how many
// callers share the process.
//
// # Accuracy
//
// This is a fixed-window approximation, not a true sliding window: a caller
// who times their requests around a window boundary can burst up to
// roughly 2x the configured limit. The spec accepts this; a small, bounded
// overshoot is preferable to the cost of a sliding-log implementation for a
// limit this coarse (10 requests per minute by default).
//
// # Thread Safety
//
// RateLimiter holds no mutable local state; every decision is a single
// round trip to Redis, so it is safe for concurrent use from any number of
// goroutines or processes sharing the same Redis instance.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLimitExceeded is returned by CheckAndIncrement when the caller has
// exhausted their budget for the current window.
var ErrLimitExceeded = fmt.Errorf("ratelimit: request budget exceeded")

// Config controls window size and budget.
type Config struct {
	MaxRequests     int
	Window          time.Duration
	ChargeCacheHits bool
}

// DefaultConfig returns the spec's documented defaults: 10 requests per
// 60-second window, charging cache hits against the same budget.
func DefaultConfig() Config {
	return Config{MaxRequests: 10, Window: 60 * time.Second, ChargeCacheHits: true}
}

// RateLimiter enforces Config against a Redis-backed counter.
type RateLimiter struct {
	rdb    *redis.Client
	config Config
}

// New constructs a RateLimiter.
func New(rdb *redis.Client, config Config) *RateLimiter {
	return &RateLimiter{rdb: rdb, config: config}
}

func counterKey(fingerprint string) string { return "ratelimit:" + fingerprint }

// CheckAndIncrement increments the caller's counter for the current window
// and reports whether the request is within budget. The pre-increment value
// is what is compared against the limit, so a caller sitting exactly at the
// limit is rejected on their next request rather than allowed one over.
//
// Complexity: O(1) — one INCR and, on the first hit of a window, one PEXPIRE.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, fingerprint string) error {
	key := counterKey(fingerprint)

	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: incr %s: %w", fingerprint, err)
	}
	if count == 1 {
		if err := r.rdb.PExpire(ctx, key, r.config.Window).Err(); err != nil {
			return fmt.Errorf("ratelimit: expire %s: %w", fingerprint, err)
		}
	}

	// count is the value *after* this increment, so the pre-increment value
	// the spec describes is count-1; reject once that reaches the max.
	if count-1 >= int64(r.config.MaxRequests) {
		return ErrLimitExceeded
	}
	return nil
}

// ShouldChargeCacheHit reports whether a synchronous cache hit should still
// consume rate-limit budget. This is one of the spec's open questions; the
// default charges cache hits so that repeated identical submissions cannot
// be used to probe the cache for free. Callers that charge eagerly (see
// CheckAndIncrement) and then discover a cache hit must call Uncharge when
// this returns false.
func (r *RateLimiter) ShouldChargeCacheHit() bool {
	return r.config.ChargeCacheHits
}

// Uncharge reverses one CheckAndIncrement call for fingerprint. It is used
// when ShouldChargeCacheHit is false and a submission that was charged
// before the cache was consulted turns out to be a cache hit.
func (r *RateLimiter) Uncharge(ctx context.Context, fingerprint string) error {
	if err := r.rdb.Decr(ctx, counterKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("ratelimit: uncharge %s: %w", fingerprint, err)
	}
	return nil
}

// MaxRequests returns the configured per-window request budget.
func (r *RateLimiter) MaxRequests() int {
	return r.config.MaxRequests
}

// Window returns the configured counter window.
func (r *RateLimiter) Window() time.Duration {
	return r.config.Window
}

// ClientFingerprint returns the client address a request's rate-limit
// identity is derived from (the address itself, not a hash of it),
// preferring X-Forwarded-For / X-Real-IP over RemoteAddr so that requests
// behind a reverse proxy are limited per origin client rather than per
// proxy hop.
func ClientFingerprint(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return firstForwardedHost(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return r.RemoteAddr
}

func firstForwardedHost(fwd string) string {
	for i := 0; i < len(fwd); i++ {
		if fwd[i] == ',' {
			return fwd[:i]
		}
	}
	return fwd
}
