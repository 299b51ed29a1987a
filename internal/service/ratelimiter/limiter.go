// Package ratelimiter admission-limits tenants with a token bucket kept in
// the KV store, so every gateway replica draws from the same per-tenant
// budget. Limiting is off unless a positive per-minute budget is
// configured; the nil limiter admits everything.
package ratelimiter

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// Options configures the bucket every tenant gets: capacity PerMinute,
// refilled continuously at PerMinute/60 tokens per second.
type Options struct {
	Addr      string
	PerMinute int
}

// TenantLimiter spends one token per admission from rate:{tenant}.
type TenantLimiter struct {
	rdb      *redis.Client
	capacity int64
	refill   float64
	script   *redis.Script
}

// New returns nil when PerMinute is not positive; callers treat nil as
// limiting disabled.
func New(opts Options) *TenantLimiter {
	if opts.PerMinute <= 0 {
		return nil
	}
	return &TenantLimiter{
		rdb: redis.NewClient(&redis.Options{
			Addr:       opts.Addr,
			MaxRetries: 3,
		}),
		capacity: int64(opts.PerMinute),
		refill:   float64(opts.PerMinute) / 60.0,
		script:   redis.NewScript(tokenBucketScript),
	}
}

// The bucket state is a hash of tokens and last_refill seconds. retry_after
// is returned as a string: Redis truncates Lua numbers to integers and the
// interesting waits here are fractions of a second.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] then
  tokens = tonumber(data[1])
end
if data[2] then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after = (1 - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, 120)

return { allowed, tostring(retry_after) }
`

func rateKey(tenant string) string { return "rate:" + tenant }

// Allow spends one token from the tenant bucket. Store errors fail open: a
// degraded KV store must not throttle traffic on top of breaking it, and
// the tenant lock still serializes the actual work.
func (l *TenantLimiter) Allow(ctx domain.Context, tenant string) (bool, time.Duration, error) {
	if l == nil {
		return true, 0, nil
	}
	now := float64(time.Now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb, []string{rateKey(tenant)}, l.capacity, l.refill, now).Result()
	if err != nil {
		slog.Error("rate limiter script failed", slog.String("tenant", tenant), slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter unexpected script result", slog.String("tenant", tenant), slog.Any("result", res))
		return true, 0, nil
	}
	if asInt64(vals[0]) == 1 {
		return true, 0, nil
	}
	return false, time.Duration(asFloat64(vals[1]) * float64(time.Second)), nil
}

// Ping reports whether the limiter's client can reach the store.
func (l *TenantLimiter) Ping(ctx domain.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Close releases the limiter's client connection.
func (l *TenantLimiter) Close() error {
	if l == nil {
		return nil
	}
	return l.rdb.Close()
}

func asInt64(v interface{}) int64 {
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

func asFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
