package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter implements a per-caller fixed-window rate limiter using Redis.
// A Lua script atomically increments the window counter and starts the
// window expiry on first use, so two concurrent admissions can never observe
// the same pre-increment value.
//
// Fixed windows permit up to 2x the limit across a window boundary (a burst
// at the end of one window followed by a burst at the start of the next).
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	window      time.Duration
	failOpen    bool
}

// Lua script for atomic fixed-window counting.
// 1. Increment the window counter
// 2. On first increment, set the key to expire when the window ends
// 3. Return the post-increment count
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// NewRateLimiter creates a limiter with the given window. failOpen selects
// the behavior when Redis is unreachable: admit (true) or reject (false).
// The direction is required configuration, not a default.
func NewRateLimiter(redisClient *redis.Client, window time.Duration, failOpen bool, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      fixedWindowScript,
		window:      window,
		failOpen:    failOpen,
	}
}

func rlKey(callerKey string) string {
	return fmt.Sprintf("ratelimit:%s", callerKey)
}

// Allow checks whether a submission by this caller is within the rate limit.
// Admission succeeds iff the post-increment count is within the limit.
func (rl *RateLimiter) Allow(ctx context.Context, callerKey string, limit int) bool {
	if limit <= 0 {
		return true // No rate limit configured
	}

	count, err := rl.script.Run(ctx, rl.redisClient,
		[]string{rlKey(callerKey)},
		rl.window.Milliseconds(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed",
			"error", err,
			"caller_key", callerKey,
			"fail_open", rl.failOpen,
		)
		return rl.failOpen
	}

	if count > int64(limit) {
		rl.logger.Debug("rate limited",
			"caller_key", callerKey,
			"count", count,
			"limit", limit,
		)
		return false
	}

	return true
}
