package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills and consumes one bucket atomically.
// KEYS[1] bucket key; ARGV rate/s, capacity, cost, now (seconds), ttl (seconds).
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares buckets across replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	policy Policy
	clock  func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, p Policy) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, policy: p, clock: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	rate := l.policy.perSecond()
	capacity := l.policy.burst()
	// A full refill plus a minute of slack.
	ttl := int(float64(capacity)/rate) + 60
	now := float64(l.clock().UnixMicro()) / 1e6

	res, err := tokenBucket.Run(ctx, l.client, []string{l.prefix + key}, rate, capacity, 1, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	out, ok := res.([]interface{})
	if !ok || len(out) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	allowed, _ := out[0].(int64)
	return allowed == 1, nil
}
