package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// KEYS[1] bucket; ARGV rate/s, burst, ttl ms, cost.
// Tokens come back as a string so fractional refill survives the Lua to
// redis integer conversion.
var tokenBucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local clock = redis.call("TIME")
local now = (clock[1] * 1000) + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
else
  local elapsed = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (elapsed / 1000) * rate)
end

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens), now}
`)

// TokenBucket is a redis-backed bucket shared across replicas. Refill uses
// the redis server clock so replicas with skewed clocks agree.
type TokenBucket struct {
	client *redis.Client
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	return t.AllowN(ctx, key, rate, burst, 1)
}

// AllowN takes cost tokens at once or none at all.
func (t *TokenBucket) AllowN(ctx context.Context, key string, rate float64, burst, cost int) (*RateLimitResult, error) {
	denied := &RateLimitResult{Limit: burst}
	switch {
	case t == nil || t.client == nil:
		return denied, errors.New("rate limiter not configured")
	case key == "":
		return denied, errors.New("rate limiter key is empty")
	case rate <= 0:
		return denied, errors.New("rate limiter rate must be positive")
	case burst <= 0:
		return denied, errors.New("rate limiter burst must be positive")
	case cost <= 0 || cost > burst:
		return denied, fmt.Errorf("rate limiter cost %d outside 1..%d", cost, burst)
	}

	ttl := defaultBucketTTL(rate, burst)
	res, err := tokenBucketScript.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds(), cost).Slice()
	if err != nil {
		return denied, err
	}
	if len(res) < 3 {
		return denied, errors.New("invalid rate limit script response")
	}

	allowed := castToInt(res[0]) == 1
	remaining := castToFloat(res[1])
	now := time.UnixMilli(castToInt(res[2])).UTC()

	var retryAfter time.Duration
	if !allowed {
		retryAfter = time.Duration((float64(cost) - remaining) / rate * float64(time.Second))
	}

	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(math.Floor(remaining)),
		ResetTime:  now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

func defaultBucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func castToInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func castToFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
