// Package domain contains the usage ledger records and quota types.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageRecord is one append-only ledger entry. Current usage is always the
// sum of these rows over a period window; there is no stored counter.
type UsageRecord struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID   string            `gorm:"type:varchar(64);not null;index:idx_usage_window,priority:1;uniqueIndex:ux_usage_source_ref,priority:1" json:"tenant_id"`
	MetricType string            `gorm:"type:varchar(64);not null;index:idx_usage_window,priority:2" json:"metric_type"`
	Quantity   int64             `gorm:"not null" json:"quantity"`
	Timestamp  time.Time         `gorm:"column:recorded_at;not null;index:idx_usage_window,priority:3" json:"timestamp"`
	SourceRef  *string           `gorm:"type:varchar(255);uniqueIndex:ux_usage_source_ref,priority:2" json:"source_ref,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
}

func (UsageRecord) TableName() string { return "usage_records" }

const (
	LevelWarning   = "warning"
	LevelHardLimit = "hard_limit"

	WarningThresholdPct = 80.0
)

// QuotaNotification marks that a threshold was announced for a period.
// The unique key is what makes each crossing notify once.
type QuotaNotification struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_quota_notifications,priority:1" json:"tenant_id"`
	MetricType  string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_quota_notifications,priority:2" json:"metric_type"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:ux_quota_notifications,priority:3" json:"period_start"`
	Level       string       `gorm:"type:varchar(32);not null;uniqueIndex:ux_quota_notifications,priority:4" json:"level"`
	PeriodEnd   time.Time    `gorm:"not null" json:"period_end"`
	Used        int64        `gorm:"not null" json:"used"`
	QuotaLimit  int64        `gorm:"column:quota_limit;not null" json:"limit"`
	Percentage  float64      `gorm:"not null" json:"percentage"`
	CreatedAt   time.Time    `gorm:"not null;index" json:"created_at"`
}

func (QuotaNotification) TableName() string { return "quota_notifications" }
