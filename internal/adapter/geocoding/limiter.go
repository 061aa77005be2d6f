package geocoding

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates provider calls by a shared token bucket so aggregate QPS
// across all worker processes stays within each provider's limit.
type Limiter interface {
	Allow(ctx context.Context, provider string) (allowed bool, retryAfter time.Duration, err error)
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after = (1 - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, retry_after }
`

// RedisLuaLimiter is a token-bucket limiter executed atomically in Redis.
// It fails open on Redis errors to avoid hard outages; provider 429 handling
// still applies separately.
type RedisLuaLimiter struct {
	rdb    redis.UniversalClient
	qps    float64
	script *redis.Script
}

// NewRedisLuaLimiter constructs a limiter refilling at qps tokens per second
// with burst capacity of one second's worth of tokens (minimum 1).
func NewRedisLuaLimiter(rdb redis.UniversalClient, qps float64) *RedisLuaLimiter {
	if rdb == nil || qps <= 0 {
		return nil
	}
	return &RedisLuaLimiter{rdb: rdb, qps: qps, script: redis.NewScript(luaTokenBucketScript)}
}

// Allow consumes one token for the provider's bucket.
func (l *RedisLuaLimiter) Allow(ctx context.Context, provider string) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	capacity := math.Max(1, l.qps)
	nowSec := float64(time.Now().UnixNano()) / 1e9

	res, err := l.script.Run(ctx, l.rdb, []string{"rate:geocode:" + provider}, capacity, l.qps, nowSec).Result()
	if err != nil {
		slog.Error("geocode rate limiter script error", slog.String("provider", provider), slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("geocode rate limiter unexpected script result", slog.String("provider", provider), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toFloat64(vals[2]) * float64(time.Second))
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		return 0
	default:
		return math.NaN()
	}
}
