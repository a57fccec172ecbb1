package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/minutely/internal/callercontext"
	"github.com/smallbiznis/minutely/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/minutely/internal/observability/metrics"
	"go.uber.org/zap"
)

const (
	HeaderAccount = "X-Account-Id"

	rateLimitReasonCallerRate = "caller-rate"
)

// CallerRequired binds the acting account from the request header.
func (s *Server) CallerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := strings.TrimSpace(c.GetHeader(HeaderAccount))
		if account == "" {
			AbortWithError(c, ErrCallerRequired)
			return
		}

		ctx := callercontext.WithCaller(c.Request.Context(), account)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// WriteRateLimit throttles mutating calls per caller.
func (s *Server) WriteRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.writeLimiter == nil || !s.writeLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		caller, _ := callercontext.CallerFromContext(ctx)
		endpoint := normalizeRateLimitEndpoint(c)

		result, err := s.writeLimiter.AllowCaller(ctx, caller, endpoint)
		if err != nil {
			logger.FromContext(ctx).Warn("write rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if result == nil || !result.Allowed {
			retryAfter := 1
			if result != nil && result.RetryAfter > 0 {
				retryAfter = int(result.RetryAfter.Seconds() + 0.999)
			}
			denyWriteRateLimit(c, endpoint, rateLimitReasonCallerRate, retryAfter, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func denyWriteRateLimit(c *gin.Context, endpoint, reason string, retryAfter int, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("write rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
