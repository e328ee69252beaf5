package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/trustmeter/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware logs each request with correlation identifiers and safe fields.
// Headers are never logged, so webhook signatures stay out of the log stream.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		if correlationID := strings.TrimSpace(c.GetHeader("x-correlation-id")); correlationID != "" {
			ctx = obscontext.WithCorrelationID(ctx, correlationID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}

		if source := strings.TrimSpace(c.GetString("source")); source != "" {
			fields = append(fields, zap.String("source", source))
		}
		if env := requestEnvironment(c); env != "" && obscontext.EnvironmentFromContext(c.Request.Context()) == "" {
			fields = append(fields, zap.String("environment", env))
		}
		if duplicate, ok := c.Get("duplicate"); ok {
			fields = append(fields, zap.Any("duplicate", duplicate))
		}

		var errorType, errorCode string
		if lastErr := c.Errors.Last(); lastErr != nil {
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			}
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
			)
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		log := FromContext(c.Request.Context())
		logRequest(log, route, status, errorType, fields)
	}
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader("X-Request-Id"))
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}

	c.Set("request_id", requestID)
	c.Header("X-Request-Id", requestID)
	return requestID
}

func logRequest(log *zap.Logger, route string, status int, errorType string, fields []zap.Field) {
	if log == nil {
		return
	}
	if ce := log.Check(requestLevel(route, status, errorType), "http_request"); ce != nil {
		ce.Write(fields...)
	}
}

// requestLevel keeps adapter noise (malformed deliveries) at debug but
// surfaces signature failures, which usually mean a misconfigured secret.
func requestLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zap.ErrorLevel
	case isProbe(route):
		return zap.DebugLevel
	case isWebhookIngest(route) && status == http.StatusUnauthorized:
		return zap.WarnLevel
	case isWebhookIngest(route) && errorType == "validation_error":
		return zap.DebugLevel
	default:
		return zap.InfoLevel
	}
}

func requestEnvironment(c *gin.Context) string {
	if env := strings.TrimSpace(c.Param("environment")); env != "" {
		return env
	}
	return strings.TrimSpace(c.GetHeader("X-Environment"))
}

func isProbe(route string) bool {
	route = strings.TrimSpace(route)
	return strings.EqualFold(route, "/metrics") || strings.EqualFold(route, "/health")
}

func isWebhookIngest(route string) bool {
	return strings.HasPrefix(strings.TrimSpace(route), "/adapters/")
}
