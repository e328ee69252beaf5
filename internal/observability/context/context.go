// Package context carries request-scoped correlation values used by logs and traces.
package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey     ctxKey = "request_id"
	tenantIDKey      ctxKey = "tenant_id"
	environmentKey   ctxKey = "environment"
	correlationIDKey ctxKey = "correlation_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return withValue(ctx, tenantIDKey, tenantID)
}

func TenantIDFromContext(ctx context.Context) string {
	return stringValue(ctx, tenantIDKey)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withValue(ctx, correlationIDKey, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDKey)
}

// WithEnvironment records the tenant environment (production, staging) a
// request operates on.
func WithEnvironment(ctx context.Context, environment string) context.Context {
	return withValue(ctx, environmentKey, environment)
}

func EnvironmentFromContext(ctx context.Context) string {
	return stringValue(ctx, environmentKey)
}

func withValue(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
