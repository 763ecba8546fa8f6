// Package ratelimit implements per-remote-address rate limiting using a
// Redis sliding window counter driven by an atomic Lua script.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding
// window rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

// keyPrefix namespaces rate-limit counters by remote address.
const keyPrefix = "ratelimit:ip:"

// IPLimiter checks a per-remote-address request rate limit using a Redis
// sliding window. One instance is shared by every connection handled by a
// replica; the window key is derived from the caller's address per call.
type IPLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// NewIPLimiter creates a new IPLimiter. limit must be > 0; values <= 0
// block every request. window is the sliding window duration, e.g. 1s.
func NewIPLimiter(rdb *redis.Client, limit int, window time.Duration) *IPLimiter {
	return &IPLimiter{rdb: rdb, limit: limit, window: window}
}

// Allow reports whether a request from remoteAddr is within the configured
// limit for the current window. On any Redis error it allows the request
// rather than fail closed, since a rate limiter outage should not take
// down the gateway.
func (r *IPLimiter) Allow(ctx context.Context, remoteAddr string) (bool, error) {
	key := keyPrefix + remoteAddr

	now := time.Now().UnixNano()
	window := r.window.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, r.limit,
	).Int()
	if err != nil {
		return true, nil
	}

	return result == 1, nil
}
