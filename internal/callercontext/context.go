package callercontext

import (
	"context"
	"strings"
)

// CallerContextKey is the request context key for the authenticated account.
type CallerContextKey struct{}

// WithCaller stores the caller account in the context.
func WithCaller(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, CallerContextKey{}, strings.TrimSpace(account))
}

// CallerFromContext returns the caller account from context, if set.
func CallerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(CallerContextKey{}).(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}
