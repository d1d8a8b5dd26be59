package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindowScript trims, counts and admits in one round trip so two
// gateways cannot both admit the last slot.
//
// KEYS[1] sorted set, ARGV: now(us), window(us), limit, n, ttl(ms), members...
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count + n > limit then
	return {0, count}
end
for i = 1, n do
	redis.call("ZADD", KEYS[1], now, ARGV[5 + i])
end
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[5]))
return {1, count}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Limit is the number of requests admitted per window.
func (r *RateLimiter) Limit() int {
	return r.config.Limit
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	resetAt := now.Add(r.config.Window)
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	args := make([]interface{}, 0, 5+n)
	args = append(args,
		now.UnixMicro(),
		r.config.Window.Microseconds(),
		r.config.Limit,
		n,
		(r.config.Window + time.Second).Milliseconds(),
	)
	for i := 0; i < n; i++ {
		args = append(args, uuid.NewString())
	}

	res, err := slidingWindowScript.Run(ctx, r.client.rdb, []string{redisKey}, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis rate limit script returned %d values", len(res))
	}

	allowed := res[0] == 1
	count := int(res[1])

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Remaining: max(0, r.config.Limit-count),
			ResetAt:   resetAt,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Limit - count - n,
		ResetAt:   resetAt,
	}, nil
}
