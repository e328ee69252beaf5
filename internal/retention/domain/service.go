// Package domain declares age-based pruning of tenant data.
package domain

import (
	"context"
	"errors"
	"time"
)

const (
	TableEvents        = "events"
	TableUsageRecords  = "usage_records"
	TableTelemetry     = "telemetry"
	TableNotifications = "quota_notifications"
	TableRuns          = "kpi_aggregation_runs"
	TableSnapshots     = "metrics_snapshots"
)

// Policy deletes rows of Table whose Column is older than MaxAge.
type Policy struct {
	Table   string
	Column  string
	MaxAge  time.Duration
	Archive bool
}

type Result struct {
	Table    string    `json:"table"`
	Cutoff   time.Time `json:"cutoff"`
	Archived int64     `json:"archived"`
	Deleted  int64     `json:"deleted"`
}

type Service interface {
	Prune(ctx context.Context, now time.Time) ([]Result, error)
	Policies() []Policy
}

var ErrArchiveFailed = errors.New("archive_failed")
