package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/trustmeter/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request. Tenant, environment and
// correlation attributes are read after the handler chain because the
// tenant scope and webhook handlers attach them further down.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName + "/http")
	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withBaggage(ctx, "request_id", requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)...)
		span.SetAttributes(scopeAttributes(c)...)

		switch {
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		case status == http.StatusTooManyRequests:
			span.AddEvent("request.throttled")
		}
	}
}

func scopeAttributes(c *gin.Context) []attribute.KeyValue {
	ctx := c.Request.Context()
	var attrs []attribute.KeyValue
	if tenantID := obscontext.TenantIDFromContext(ctx); tenantID != "" {
		attrs = append(attrs, attribute.String("tenant_id", tenantID))
	}
	if env := obscontext.EnvironmentFromContext(ctx); env != "" {
		attrs = append(attrs, attribute.String("environment", env))
	}
	if source := strings.TrimSpace(c.Param("source")); source != "" {
		attrs = append(attrs, attribute.String("webhook.source", source))
	}
	if correlationID := obscontext.CorrelationIDFromContext(ctx); correlationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", correlationID))
	}
	return attrs
}

func withBaggage(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMember(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
