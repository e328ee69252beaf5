package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
)

type recordUsageRequest struct {
	MetricType     string         `json:"metric_type" binding:"required,max=64"`
	Quantity       *int64         `json:"quantity" binding:"required,gte=0"`
	Timestamp      *time.Time     `json:"timestamp"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key" binding:"max=255"`
}

type recordUsageResponse struct {
	Record    *usagedomain.UsageRecord `json:"record"`
	Duplicate bool                     `json:"duplicate"`
}

type quotaResponse struct {
	usagedomain.QuotaStatus
	Allowed bool `json:"allowed"`
}

func (s *Server) GetUsageReport(c *gin.Context) {
	report, err := s.usageSvc.Report(c.Request.Context(), c.Param("tenant_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// RecordUsage appends a ledger entry. It never rejects on quota; callers
// enforce separately before doing billable work.
func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	record := usagedomain.RecordRequest{
		TenantID:   c.Param("tenant_id"),
		MetricType: strings.TrimSpace(req.MetricType),
		Quantity:   *req.Quantity,
		Metadata:   req.Metadata,
		SourceRef:  strings.TrimSpace(req.IdempotencyKey),
	}
	if req.Timestamp != nil {
		record.Timestamp = *req.Timestamp
	}

	usage, inserted, err := s.usageSvc.RecordUsage(c.Request.Context(), record)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	c.JSON(status, recordUsageResponse{Record: usage, Duplicate: !inserted})
}

func (s *Server) GetQuota(c *gin.Context) {
	status, err := s.usageSvc.CheckQuota(c.Request.Context(), c.Param("tenant_id"), c.Param("metric"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, quotaResponse{QuotaStatus: status, Allowed: status.Allowed()})
}

// EnforceQuota answers 200 when the next unit is allowed and 429
// quota_exceeded otherwise.
func (s *Server) EnforceQuota(c *gin.Context) {
	allowed, status, err := s.usageSvc.EnforceQuota(c.Request.Context(), c.Param("tenant_id"), c.Param("metric"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !allowed {
		AbortWithError(c, &QuotaExceededError{Status: status})
		return
	}

	c.JSON(http.StatusOK, quotaResponse{QuotaStatus: status, Allowed: true})
}
