package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	billingdomain "github.com/smallbiznis/trustmeter/internal/billing/domain"
	eventdomain "github.com/smallbiznis/trustmeter/internal/event/domain"
	ingestiondomain "github.com/smallbiznis/trustmeter/internal/ingestion/domain"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	"github.com/smallbiznis/trustmeter/internal/plan"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/smallbiznis/trustmeter/pkg/db/pagination"
	"gorm.io/gorm"
)

const retryAfterUnavailable = "5"

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

// QuotaExceededError is returned by the enforce endpoint when the next unit
// would go over the plan limit.
type QuotaExceededError struct {
	Status usagedomain.QuotaStatus
}

func (e *QuotaExceededError) Error() string { return "quota_exceeded" }

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details any               `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// validationSentinels double as the error code reported to the caller.
var validationSentinels = []error{
	ErrInvalidRequest,
	ingestiondomain.ErrMissingTenant,
	ingestiondomain.ErrInvalidBody,
	ingestiondomain.ErrMissingKind,
	ingestiondomain.ErrInvalidAmount,
	eventdomain.ErrInvalidTenant,
	eventdomain.ErrInvalidEnvironment,
	eventdomain.ErrInvalidKind,
	eventdomain.ErrInvalidSource,
	eventdomain.ErrInvalidPayload,
	eventdomain.ErrInvalidKey,
	usagedomain.ErrInvalidTenant,
	usagedomain.ErrInvalidMetric,
	usagedomain.ErrInvalidQuantity,
	usagedomain.ErrInvalidSourceRef,
	usagedomain.ErrInvalidPeriod,
	kpidomain.ErrInvalidTenant,
	kpidomain.ErrInvalidEnvironment,
	kpidomain.ErrInvalidWindow,
	kpidomain.ErrInvalidTelemetry,
	kpidomain.ErrInvalidBaseline,
	tenantdomain.ErrInvalidTenant,
	billingdomain.ErrInvalidTenant,
	plan.ErrUnknownMetric,
	plan.ErrInvalidCatalog,
	pagination.ErrInvalidPageToken,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusServiceUnavailable && c.Writer.Header().Get("Retry-After") == "" {
			c.Header("Retry-After", retryAfterUnavailable)
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// bindingError turns gin binding failures into field errors.
func bindingError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return ErrPayloadTooLarge
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidRequestError()
	}
	out := &ValidationErrors{}
	for _, fe := range verrs {
		out.Errors = append(out.Errors, ValidationError{
			Field:   toSnake(fe.Field()),
			Code:    fe.Tag(),
			Message: "invalid value",
		})
	}
	return out
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var quotaErr *QuotaExceededError
	if errors.As(err, &quotaErr) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "limit exceeded, upgrade required",
			Details: quotaErr.Status,
		}
	}

	if code, ok := validationCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ingestiondomain.ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ingestiondomain.ErrTenantInactive):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, billingdomain.ErrAlreadyCancelled),
		errors.Is(err, billingdomain.ErrAccountCancelled):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{
			Type:    "validation_error",
			Message: "payload too large",
		}
	case errors.Is(err, ingestiondomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "rate limited",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isUnavailableError(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request log with the envelope type and a
// stable code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if code, ok := validationCode(err); ok {
		return payload.Type, code
	}
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationCode(err error) (string, bool) {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error(), true
		}
	}
	return "", false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, tenantdomain.ErrTenantNotFound),
		errors.Is(err, eventdomain.ErrEventNotFound),
		errors.Is(err, kpidomain.ErrSnapshotNotFound),
		errors.Is(err, billingdomain.ErrAccountNotFound),
		errors.Is(err, billingdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isUnavailableError(err error) bool {
	switch {
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, eventdomain.ErrStorageUnavailable),
		errors.Is(err, usagedomain.ErrStorageUnavailable),
		errors.Is(err, billingdomain.ErrProviderUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request", "invalid_body":
		return "request"
	case "missing_tenant":
		return "x-tenant-id"
	case "missing_kind":
		return "kind"
	case "unknown_metric_type":
		return "metric_type"
	case "invalid_page_token":
		return "page_token"
	}
	return strings.TrimPrefix(code, "invalid_")
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request", "invalid_body":
		return "invalid request"
	case "missing_tenant", "missing_kind":
		return "required"
	default:
		return "invalid value"
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
