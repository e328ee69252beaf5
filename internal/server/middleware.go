package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/trustmeter/internal/observability/context"
)

const (
	HeaderTenant         = "X-Tenant-ID"
	HeaderEnvironment    = "X-Environment"
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-ID"

	defaultMaxBodyBytes = 1 << 20
)

// BodyLimit caps request bodies; reads past the limit fail with
// *http.MaxBytesError.
func BodyLimit(limit int64) gin.HandlerFunc {
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// TenantScope puts the path tenant and environment on the request context for
// logging and tracing.
func TenantScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.Param("tenant_id"))
		if tenantID == "" {
			AbortWithError(c, newValidationError("tenant_id", "required", "tenant_id is required"))
			return
		}
		ctx := obscontext.WithTenantID(c.Request.Context(), tenantID)
		ctx = obscontext.WithEnvironment(ctx, c.Param("environment"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
