package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type RecordRequest struct {
	TenantID   string
	MetricType string
	Quantity   int64
	Timestamp  time.Time
	Metadata   map[string]any
	// SourceRef makes the record idempotent per tenant, e.g. the originating event id.
	SourceRef string
}

// QuotaStatus is computed on read and never stored.
type QuotaStatus struct {
	MetricType  string    `json:"metric_type"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Percentage  float64   `json:"percentage"`
	Exceeded    bool      `json:"exceeded"`
	Remaining   int64     `json:"remaining"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// Unlimited reports whether the plan puts no cap on the metric.
func (s QuotaStatus) Unlimited() bool { return s.Limit < 0 }

// Allowed reports whether one more unit would stay within the limit.
func (s QuotaStatus) Allowed() bool {
	return s.Unlimited() || s.Used < s.Limit
}

type Overage struct {
	TenantID    string          `json:"tenant_id"`
	MetricType  string          `json:"metric_type"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount"`
}

type MetricReport struct {
	QuotaStatus
	Overage       int64           `json:"overage"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	OverageCharge decimal.Decimal `json:"overage_charge"`
}

type Report struct {
	TenantID       string          `json:"tenant_id"`
	PlanID         string          `json:"plan_id"`
	PeriodStart    time.Time       `json:"period_start"`
	PeriodEnd      time.Time       `json:"period_end"`
	Metrics        []MetricReport  `json:"metrics"`
	BasePrice      decimal.Decimal `json:"base_price"`
	OverageCharges decimal.Decimal `json:"overage_charges"`
	TotalCost      decimal.Decimal `json:"total_cost"`
}

type Service interface {
	RecordUsage(ctx context.Context, req RecordRequest) (*UsageRecord, bool, error)
	CheckQuota(ctx context.Context, tenantID, metricType string) (QuotaStatus, error)
	EnforceQuota(ctx context.Context, tenantID, metricType string) (bool, QuotaStatus, error)
	Report(ctx context.Context, tenantID string) (Report, error)
	PeriodOverage(ctx context.Context, tenantID, metricType string, cycleStart, cycleEnd time.Time) (Overage, error)
}

// Notifier receives threshold crossings after they are persisted.
type Notifier interface {
	Notify(ctx context.Context, n QuotaNotification)
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidMetric      = errors.New("invalid_metric_type")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrInvalidSourceRef   = errors.New("invalid_source_ref")
	ErrInvalidPeriod      = errors.New("invalid_period")
	ErrStorageUnavailable = errors.New("storage_unavailable")
)
