package server

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gosimple/slug"
	ingestiondomain "github.com/smallbiznis/trustmeter/internal/ingestion/domain"
	obscontext "github.com/smallbiznis/trustmeter/internal/observability/context"
	"github.com/smallbiznis/trustmeter/pkg/telemetry/correlation"
)

// AdapterWebhook accepts one signed delivery from a source adapter. New events
// answer 202, redeliveries of a known idempotency key answer 200 with the
// original event id.
func (s *Server) AdapterWebhook(c *gin.Context) {
	source := slug.Make(c.Param("source"))
	if source == "" {
		AbortWithError(c, newValidationError("source", "invalid_source", "invalid value"))
		return
	}
	c.Set("source", source)

	if c.ContentType() != gin.MIMEJSON {
		AbortWithError(c, newValidationError("content_type", "invalid_content_type", "expected application/json"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx, correlationID := correlation.FromRequest(c.Request.Context(), c.Request.Header)
	ctx = obscontext.WithTenantID(ctx, c.GetHeader(HeaderTenant))
	ctx = obscontext.WithEnvironment(ctx, c.GetHeader(HeaderEnvironment))
	c.Request = c.Request.WithContext(ctx)
	c.Header(HeaderCorrelationID, correlationID)

	res, err := s.ingestSvc.Handle(ctx, ingestiondomain.Request{
		Source:         source,
		TenantID:       c.GetHeader(HeaderTenant),
		Environment:    c.GetHeader(HeaderEnvironment),
		IdempotencyKey: strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
		CorrelationID:  correlationID,
		Signature:      c.GetHeader(HeaderSignature),
		Body:           body,
	})
	if err != nil {
		var rlErr *ingestiondomain.RateLimitError
		if errors.As(err, &rlErr) {
			c.Header("Retry-After", retryAfterSeconds(rlErr.RetryAfter.Seconds()))
		}
		AbortWithError(c, err)
		return
	}
	c.Set("duplicate", res.Duplicate)

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func retryAfterSeconds(seconds float64) string {
	if seconds < 1 {
		return "1"
	}
	return strconv.Itoa(int(math.Ceil(seconds)))
}
