// Package domain holds the trust KPI inputs, the snapshot they produce and
// the pure computation between them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Telemetry is one observation interval reported by an agent.
type Telemetry struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID         string       `gorm:"type:varchar(64);not null;index:idx_telemetry_window,priority:1" json:"tenant_id"`
	Environment      string       `gorm:"type:varchar(64);not null;index:idx_telemetry_window,priority:2" json:"environment"`
	AgentID          string       `gorm:"type:varchar(128);not null" json:"agent_id"`
	Timestamp        time.Time    `gorm:"column:observed_at;not null;index:idx_telemetry_window,priority:3" json:"timestamp"`
	LatencyMs        float64      `gorm:"not null;default:0" json:"latency_ms"`
	ErrorCount       int64        `gorm:"not null;default:0" json:"error_count"`
	PolicyViolations int64        `gorm:"not null;default:0" json:"policy_violations"`
	UptimePct        float64      `gorm:"not null" json:"uptime_pct"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
}

func (Telemetry) TableName() string { return "telemetry" }

// Baseline is an operator-supplied constant such as incident_cost.<class>.
type Baseline struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID    string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_baselines_key,priority:1" json:"tenant_id"`
	Environment string          `gorm:"type:varchar(64);not null;uniqueIndex:ux_baselines_key,priority:2" json:"environment"`
	Key         string          `gorm:"column:baseline_key;type:varchar(128);not null;uniqueIndex:ux_baselines_key,priority:3" json:"key"`
	Value       decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"value"`
	Note        string          `gorm:"type:text" json:"note,omitempty"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null" json:"updated_at"`
}

func (Baseline) TableName() string { return "baselines" }

// MetricsSnapshot is append-only. The latest row per scope is the current value.
type MetricsSnapshot struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID         string          `gorm:"type:varchar(64);not null;index:idx_snapshots_latest,priority:1" json:"tenant_id"`
	Environment      string          `gorm:"type:varchar(64);not null;index:idx_snapshots_latest,priority:2" json:"environment"`
	Timestamp        time.Time       `gorm:"column:snapshot_at;not null;index:idx_snapshots_latest,priority:3" json:"timestamp"`
	WindowStart      time.Time       `gorm:"not null" json:"window_start"`
	WindowEnd        time.Time       `gorm:"not null" json:"window_end"`
	TrustScore       float64         `gorm:"not null" json:"trust_score"`
	RiskAvoidedUSD   decimal.Decimal `gorm:"column:risk_avoided_usd;type:numeric(20,6);not null" json:"risk_avoided_usd"`
	SyncFreshnessPct float64         `gorm:"not null" json:"sync_freshness_pct"`
	DriftRatePct     float64         `gorm:"not null" json:"drift_rate_pct"`
	ComplianceSLAPct float64         `gorm:"column:compliance_sla_pct;not null" json:"compliance_sla_pct"`
	TelemetryCount   int             `gorm:"not null" json:"telemetry_count"`
	EventCount       int             `gorm:"not null" json:"event_count"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
}

func (MetricsSnapshot) TableName() string { return "metrics_snapshots" }

const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// AggregationRun records the outcome of one tenant scope in a batch.
type AggregationRun struct {
	ID          snowflake.ID  `gorm:"primaryKey" json:"id"`
	BatchID     snowflake.ID  `gorm:"not null;index" json:"batch_id"`
	TenantID    string        `gorm:"type:varchar(64);not null;index:idx_runs_scope,priority:1" json:"tenant_id"`
	Environment string        `gorm:"type:varchar(64);not null;index:idx_runs_scope,priority:2" json:"environment"`
	WindowStart time.Time     `gorm:"not null;index:idx_runs_scope,priority:3" json:"window_start"`
	WindowEnd   time.Time     `gorm:"not null" json:"window_end"`
	Status      string        `gorm:"type:varchar(16);not null" json:"status"`
	Error       string        `gorm:"type:text" json:"error,omitempty"`
	SnapshotID  *snowflake.ID `json:"snapshot_id,omitempty"`
	DurationMs  int64         `gorm:"not null" json:"duration_ms"`
	StartedAt   time.Time     `gorm:"not null;index" json:"started_at"`
}

func (AggregationRun) TableName() string { return "kpi_aggregation_runs" }
