package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrBucketNotConfigured = errors.New("token_bucket_not_configured")
	ErrInvalidBucketKey    = errors.New("invalid_token_bucket_key")
	ErrInvalidBucketLimit  = errors.New("invalid_token_bucket_limit")
)

// refillScript keeps tokens as a decimal string so partial refills survive
// between calls. Returns {allowed, tokens, now_ms}.
const refillScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + ((now - last) / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl_ms)
return {allowed, tostring(tokens), now}
`

// BucketLimit is a refill rate in tokens per second and a bucket capacity.
type BucketLimit struct {
	Rate  float64
	Burst int
}

func (l BucketLimit) valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// ttl keeps an idle bucket around for twice its full refill time.
func (l BucketLimit) ttl() time.Duration {
	if !l.valid() {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(2*float64(l.Burst)/l.Rate))
	return time.Duration(seconds) * time.Second
}

// retryAfter is the wait until one whole token is available again.
func (l BucketLimit) retryAfter(tokens float64) time.Duration {
	missing := 1 - tokens
	if missing <= 0 || l.Rate <= 0 {
		return 0
	}
	return time.Duration(missing / l.Rate * float64(time.Second))
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// TokenBucket is a redis-backed token bucket shared by every API process.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(refillScript)}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, limit BucketLimit) (*RateLimitResult, error) {
	denied := &RateLimitResult{Limit: limit.Burst}
	switch {
	case t == nil || t.client == nil:
		return denied, ErrBucketNotConfigured
	case key == "":
		return denied, ErrInvalidBucketKey
	case !limit.valid():
		return denied, ErrInvalidBucketLimit
	}

	reply, err := t.script.Run(ctx, t.client, []string{key},
		limit.Rate,
		limit.Burst,
		limit.ttl().Milliseconds(),
	).Slice()
	if err != nil {
		return denied, err
	}
	if len(reply) != 3 {
		return denied, errors.New("unexpected token bucket reply")
	}

	tokens := replyFloat(reply[1])
	result := &RateLimitResult{
		Allowed:   replyInt(reply[0]) == 1,
		Limit:     limit.Burst,
		Remaining: int(math.Floor(tokens)),
	}
	if !result.Allowed {
		result.RetryAfter = limit.retryAfter(tokens)
	}
	result.ResetTime = time.UnixMilli(replyInt(reply[2])).Add(result.RetryAfter)
	return result, nil
}

func replyInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func replyFloat(v any) float64 {
	switch n := v.(type) {
	case string:
		parsed, _ := strconv.ParseFloat(n, 64)
		return parsed
	case int64:
		return float64(n)
	default:
		return 0
	}
}
