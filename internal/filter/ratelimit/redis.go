package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript counts requests in a sorted set scored by arrival time.
// Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// RedisConfig configures a Redis backend.
type RedisConfig struct {
	Client  redis.Scripter
	Prefix  string
	Limit   int
	Window  time.Duration
	Timeout time.Duration
}

// Redis is a sliding-window limiter shared by every gateway instance that
// talks to the same Redis.
type Redis struct {
	client  redis.Scripter
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewRedis creates a Redis backend. Keys are stored under Prefix, "pg:rl:"
// by default.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "pg:rl:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}
	return &Redis{
		client:  cfg.Client,
		prefix:  cfg.Prefix,
		limit:   cfg.Limit,
		window:  cfg.Window,
		timeout: cfg.Timeout,
		now:     time.Now,
	}
}

// Allow records one request for key. Errors are returned to the caller,
// which decides whether to fail open.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		now,
		r.window.Milliseconds(),
		r.limit,
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis rate limit: unexpected reply %v", res)
	}

	return Decision{
		Allowed:   res[0] == 1,
		Limit:     r.limit,
		Remaining: int(res[1]),
		Reset:     time.UnixMilli(res[2]),
	}, nil
}
