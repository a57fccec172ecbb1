package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/minutely/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const writeLimiterKeyPrefix = "minutely:ratelimit:write"

// WriteLimiter throttles state-mutating calls per caller account.
type WriteLimiter struct {
	bucket *TokenBucket
	cfg    *config.MarketplaceConfigHolder
	log    *zap.Logger
}

type WriteLimiterParams struct {
	fx.In

	Log            *zap.Logger
	Redis          *redis.Client                   `optional:"true"`
	MarketplaceCfg *config.MarketplaceConfigHolder `optional:"true"`
}

func NewWriteLimiter(p WriteLimiterParams) *WriteLimiter {
	log := p.Log.Named("ratelimit.write")
	if p.Redis == nil {
		log.Info("write rate limiting disabled, no redis configured")
	}
	return &WriteLimiter{
		bucket: NewTokenBucket(p.Redis),
		cfg:    p.MarketplaceCfg,
		log:    log,
	}
}

func (l *WriteLimiter) Enabled() bool {
	if l == nil || l.bucket == nil {
		return false
	}
	limits := l.cfg.Get().RateLimit
	return limits.Rate > 0 && limits.Burst > 0
}

// AllowCaller consumes one token from the caller's bucket. A disabled
// limiter always allows.
func (l *WriteLimiter) AllowCaller(ctx context.Context, caller, endpoint string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	limits := l.cfg.Get().RateLimit
	return l.bucket.Allow(ctx, writeLimiterKey(caller, endpoint), BucketLimit{Rate: limits.Rate, Burst: limits.Burst})
}

func writeLimiterKey(caller, endpoint string) string {
	caller = strings.ToLower(strings.TrimSpace(caller))
	if caller == "" {
		caller = "anonymous"
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Sprintf("%s:%s", writeLimiterKeyPrefix, caller)
	}
	return fmt.Sprintf("%s:%s:%s", writeLimiterKeyPrefix, endpoint, caller)
}
