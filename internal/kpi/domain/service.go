package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/trustmeter/pkg/db/pagination"
)

type TelemetryRequest struct {
	TenantID         string    `json:"-"`
	Environment      string    `json:"-"`
	AgentID          string    `json:"agent_id" validate:"required,max=128"`
	Timestamp        time.Time `json:"timestamp"`
	LatencyMs        float64   `json:"latency_ms" validate:"gte=0"`
	ErrorCount       int64     `json:"error_count" validate:"gte=0"`
	PolicyViolations int64     `json:"policy_violations" validate:"gte=0"`
	UptimePct        float64   `json:"uptime_pct" validate:"gte=0,lte=100"`
}

type BaselineRequest struct {
	TenantID    string          `json:"-"`
	Environment string          `json:"-"`
	Key         string          `json:"-"`
	Value       decimal.Decimal `json:"value"`
	Note        string          `json:"note"`
}

type Failure struct {
	TenantID    string `json:"tenant_id"`
	Environment string `json:"environment"`
	Error       string `json:"error"`
}

type RunSummary struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Failures    []Failure `json:"failures,omitempty"`
}

type Service interface {
	ComputeSnapshot(ctx context.Context, tenantID, environment string, windowStart, windowEnd time.Time) (*MetricsSnapshot, error)
	RunWindow(ctx context.Context, windowStart, windowEnd time.Time) (RunSummary, error)
	RetryFailed(ctx context.Context, since, until time.Time) ([]RunSummary, error)
	Recompute(ctx context.Context, tenantID, environment string, windowStart, windowEnd time.Time) (*MetricsSnapshot, error)
	Latest(ctx context.Context, tenantID, environment string) (*MetricsSnapshot, error)
	History(ctx context.Context, tenantID, environment string, page pagination.Pagination) ([]*MetricsSnapshot, *pagination.PageInfo, error)
	RefreshLatest(ctx context.Context) (int, error)

	RecordTelemetry(ctx context.Context, req TelemetryRequest) (*Telemetry, error)
	UpsertBaseline(ctx context.Context, req BaselineRequest) (*Baseline, error)
	ListBaselines(ctx context.Context, tenantID, environment string) ([]Baseline, error)
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidEnvironment = errors.New("invalid_environment")
	ErrInvalidWindow      = errors.New("invalid_window")
	ErrInvalidTelemetry   = errors.New("invalid_telemetry")
	ErrInvalidBaseline    = errors.New("invalid_baseline")
	ErrSnapshotNotFound   = errors.New("snapshot_not_found")
)
