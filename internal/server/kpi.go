package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	"github.com/smallbiznis/trustmeter/pkg/db/pagination"
)

type upsertBaselineRequest struct {
	Value *decimal.Decimal `json:"value" binding:"required"`
	Note  string           `json:"note" binding:"max=1024"`
}

type listResponse[T any] struct {
	Data     []T                  `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info,omitempty"`
}

func (s *Server) GetLatestKPI(c *gin.Context) {
	snapshot, err := s.kpiSvc.Latest(c.Request.Context(), c.Param("tenant_id"), c.Param("environment"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) ListKPIHistory(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	snapshots, pageInfo, err := s.kpiSvc.History(c.Request.Context(), c.Param("tenant_id"), c.Param("environment"), page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if snapshots == nil {
		snapshots = []*kpidomain.MetricsSnapshot{}
	}

	c.JSON(http.StatusOK, listResponse[*kpidomain.MetricsSnapshot]{Data: snapshots, PageInfo: pageInfo})
}

// RecomputeKPI appends a fresh snapshot for [window_start, window_end).
// Earlier snapshots for the window are left untouched.
func (s *Server) RecomputeKPI(c *gin.Context) {
	window, err := bindWindowQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	snapshot, err := s.kpiSvc.Recompute(c.Request.Context(), c.Param("tenant_id"), c.Param("environment"), window.Start, window.End)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, snapshot)
}

func (s *Server) RecordTelemetry(c *gin.Context) {
	var req kpidomain.TelemetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	req.TenantID = c.Param("tenant_id")
	req.Environment = c.Param("environment")

	row, err := s.kpiSvc.RecordTelemetry(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, row)
}

func (s *Server) UpsertBaseline(c *gin.Context) {
	var req upsertBaselineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	baseline, err := s.kpiSvc.UpsertBaseline(c.Request.Context(), kpidomain.BaselineRequest{
		TenantID:    c.Param("tenant_id"),
		Environment: c.Param("environment"),
		Key:         strings.TrimSpace(c.Param("key")),
		Value:       *req.Value,
		Note:        req.Note,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, baseline)
}

func (s *Server) ListBaselines(c *gin.Context) {
	baselines, err := s.kpiSvc.ListBaselines(c.Request.Context(), c.Param("tenant_id"), c.Param("environment"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if baselines == nil {
		baselines = []kpidomain.Baseline{}
	}

	c.JSON(http.StatusOK, listResponse[kpidomain.Baseline]{Data: baselines})
}
