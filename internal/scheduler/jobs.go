package scheduler

import (
	"context"
	"errors"
	"time"

	billingdomain "github.com/smallbiznis/trustmeter/internal/billing/domain"
	"github.com/smallbiznis/trustmeter/internal/config"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	retentiondomain "github.com/smallbiznis/trustmeter/internal/retention/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobKPISnapshot        = "kpi_snapshot"
	JobKPIViewRefresh     = "kpi_view_refresh"
	JobRetentionPrune     = "retention_prune"
	JobBillingPeriodClose = "billing_period_close"
	JobBillingDispatch    = "billing_dispatch"
)

type JobsParams struct {
	fx.In

	Config    config.Config
	KPI       kpidomain.Service
	Retention retentiondomain.Service
	Billing   billingdomain.Service
}

// RegisterJobs installs the standard job catalog.
func RegisterJobs(s *Scheduler, p JobsParams) error {
	maxBackfill := p.Config.KPI.MaxBackfill
	if maxBackfill <= 0 {
		maxBackfill = 24
	}

	jobs := []Job{
		{
			Name:       JobKPISnapshot,
			Schedule:   Every(time.Hour),
			Jitter:     2 * time.Minute,
			Timeout:    30 * time.Minute,
			Idempotent: true,
			Run: func(ctx context.Context, tick Tick) error {
				return s.runKPISnapshot(ctx, p.KPI, tick, maxBackfill)
			},
		},
		{
			Name:       JobKPIViewRefresh,
			Schedule:   Every(15 * time.Minute),
			Timeout:    5 * time.Minute,
			Idempotent: true,
			Run: func(ctx context.Context, _ Tick) error {
				n, err := p.KPI.RefreshLatest(ctx)
				AddProcessed(ctx, "snapshot", n)
				return err
			},
		},
		{
			Name:       JobRetentionPrune,
			Schedule:   Daily(3, 15),
			Timeout:    time.Hour,
			Idempotent: true,
			Run: func(ctx context.Context, tick Tick) error {
				results, err := p.Retention.Prune(ctx, tick.Scheduled)
				for _, r := range results {
					AddProcessed(ctx, r.Table, int(r.Deleted))
				}
				return err
			},
		},
		{
			Name:       JobBillingPeriodClose,
			Schedule:   Every(time.Hour),
			Jitter:     time.Minute,
			Timeout:    15 * time.Minute,
			Idempotent: true,
			Run: func(ctx context.Context, _ Tick) error {
				n, err := p.Billing.EnqueueClosedPeriods(ctx, s.clock.Now())
				AddProcessed(ctx, "usage_report", n)
				return err
			},
		},
		{
			Name:       JobBillingDispatch,
			Schedule:   Every(time.Minute),
			Timeout:    5 * time.Minute,
			Idempotent: true,
			Run: func(ctx context.Context, _ Tick) error {
				res, err := p.Billing.Dispatch(ctx)
				AddProcessed(ctx, "usage_report", res.Sent+res.Dead)
				return err
			},
		},
	}

	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// snapshotWindows returns the hourly windows to aggregate for a tick, oldest
// first: every hour since the last completed tick, capped to maxBackfill.
func snapshotWindows(tick Tick, maxBackfill int) [][2]time.Time {
	end := tick.Scheduled.UTC().Truncate(time.Hour)
	from := end.Add(-time.Hour)
	if !tick.Previous.IsZero() {
		prev := tick.Previous.UTC().Truncate(time.Hour)
		if prev.Before(from) {
			from = prev
		}
	}
	if earliest := end.Add(-time.Duration(maxBackfill) * time.Hour); from.Before(earliest) {
		from = earliest
	}

	windows := make([][2]time.Time, 0)
	for ws := from; ws.Before(end); ws = ws.Add(time.Hour) {
		windows = append(windows, [2]time.Time{ws, ws.Add(time.Hour)})
	}
	return windows
}

func (s *Scheduler) runKPISnapshot(ctx context.Context, svc kpidomain.Service, tick Tick, maxBackfill int) error {
	windows := snapshotWindows(tick, maxBackfill)
	end := tick.Scheduled.UTC().Truncate(time.Hour)
	until := end
	if len(windows) > 0 {
		until = windows[0][0]
	}

	retried, err := svc.RetryFailed(ctx, end.Add(-time.Duration(maxBackfill)*time.Hour), until)
	for _, summary := range retried {
		s.recordKPISummary(ctx, summary)
	}
	if err != nil {
		return err
	}

	for _, w := range windows {
		summary, err := svc.RunWindow(ctx, w[0], w[1])
		if err != nil {
			return err
		}
		s.recordKPISummary(ctx, summary)
	}
	return nil
}

func (s *Scheduler) recordKPISummary(ctx context.Context, summary kpidomain.RunSummary) {
	AddProcessed(ctx, "tenant", summary.Succeeded)
	for _, f := range summary.Failures {
		s.logJobError(ctx, "kpi tenant aggregation failed", errors.New(f.Error),
			zap.String("job", JobKPISnapshot),
			zap.String("tenant_id", f.TenantID),
			zap.String("environment", f.Environment),
			zap.Time("window_start", summary.WindowStart),
			zap.Time("window_end", summary.WindowEnd),
		)
	}
}
