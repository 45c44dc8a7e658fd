package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// allowScript counts timestamps in a sorted set, pruning entries older than
// the window first. The whole check-then-add runs atomically on the server.
var allowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])

	redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
	local count = redis.call("ZCARD", key)
	if count + 1 > limit then
		local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
		local reset = now
		if oldest[2] then reset = tonumber(oldest[2]) end
		return {0, count, reset}
	end
	redis.call("ZADD", key, now, now .. "-" .. math.random(1000000))
	redis.call("PEXPIRE", key, window)
	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	return {1, count + 1, tonumber(oldest[2])}
`)

// Redis is a sliding-window store shared across processes.
type Redis struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func (s *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	raw, err := allowScript.Run(ctx, s.client, []string{keyPrefix + key},
		time.Now().UnixMilli(), window.Milliseconds(), limit).Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit check for %q: %w", key, err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("rate limit check for %q: unexpected script reply %v", key, raw)
	}

	allowed := raw[0].(int64) == 1
	count := int(raw[1].(int64))
	oldestMilli := raw[2].(int64)

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(oldestMilli).Add(window),
	}, nil
}
