package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	billingdomain "github.com/smallbiznis/trustmeter/internal/billing/domain"
	"github.com/smallbiznis/trustmeter/internal/config"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	retentiondomain "github.com/smallbiznis/trustmeter/internal/retention/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKPI struct {
	kpidomain.Service
	mu      sync.Mutex
	windows [][2]time.Time
	retries [][2]time.Time
	calls   []string
}

func (f *fakeKPI) RetryFailed(_ context.Context, since, until time.Time) ([]kpidomain.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, [2]time.Time{since, until})
	f.calls = append(f.calls, "retry")
	return []kpidomain.RunSummary{{
		WindowStart: since,
		WindowEnd:   since.Add(time.Hour),
		Succeeded:   1,
	}}, nil
}

func (f *fakeKPI) RunWindow(_ context.Context, ws, we time.Time) (kpidomain.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]time.Time{ws, we})
	f.calls = append(f.calls, "window")
	return kpidomain.RunSummary{
		WindowStart: ws,
		WindowEnd:   we,
		Succeeded:   1,
		Failed:      1,
		Failures:    []kpidomain.Failure{{TenantID: "acme", Environment: "production", Error: "storage_unavailable"}},
	}, nil
}

func (f *fakeKPI) RefreshLatest(context.Context) (int, error) { return 3, nil }

type fakeRetention struct{ retentiondomain.Service }

func (fakeRetention) Prune(_ context.Context, now time.Time) ([]retentiondomain.Result, error) {
	return []retentiondomain.Result{{Table: retentiondomain.TableEvents, Deleted: 2}}, nil
}

type fakeBilling struct{ billingdomain.Service }

func (fakeBilling) EnqueueClosedPeriods(context.Context, time.Time) (int, error) { return 0, nil }

func (fakeBilling) Dispatch(context.Context) (billingdomain.DispatchResult, error) {
	return billingdomain.DispatchResult{}, nil
}

func hour(h int) time.Time {
	return time.Date(2024, 5, 10, h, 0, 0, 0, time.UTC)
}

func TestSnapshotWindows(t *testing.T) {
	jittered := hour(12).Add(90 * time.Second)

	w := snapshotWindows(Tick{Scheduled: jittered}, 24)
	require.Len(t, w, 1)
	assert.Equal(t, [2]time.Time{hour(11), hour(12)}, w[0])

	w = snapshotWindows(Tick{Scheduled: jittered, Previous: hour(11).Add(time.Minute)}, 24)
	require.Len(t, w, 1, "regular hourly cadence aggregates one window")

	w = snapshotWindows(Tick{Scheduled: jittered, Previous: hour(8), CatchUp: true}, 24)
	require.Len(t, w, 4)
	assert.Equal(t, hour(8), w[0][0])
	assert.Equal(t, hour(12), w[3][1])

	w = snapshotWindows(Tick{Scheduled: jittered, Previous: hour(0)}, 2)
	require.Len(t, w, 2)
	assert.Equal(t, hour(10), w[0][0])
}

func TestRegisterJobsInstallsCatalog(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	kpi := &fakeKPI{}
	err := RegisterJobs(h.sched, JobsParams{
		Config:    config.Config{KPI: config.KPIConfig{MaxBackfill: 24}},
		KPI:       kpi,
		Retention: fakeRetention{},
		Billing:   fakeBilling{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		JobBillingDispatch,
		JobBillingPeriodClose,
		JobKPISnapshot,
		JobKPIViewRefresh,
		JobRetentionPrune,
	}, h.sched.Jobs())

	require.NoError(t, h.sched.runKPISnapshot(context.Background(), kpi, Tick{Scheduled: hour(12), Previous: hour(10)}, 24))
	assert.Equal(t, [][2]time.Time{{hour(10), hour(11)}, {hour(11), hour(12)}}, kpi.windows)
}

func TestKPISnapshotRetriesFailedWindowsFirst(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	kpi := &fakeKPI{}

	require.NoError(t, h.sched.runKPISnapshot(context.Background(), kpi, Tick{Scheduled: hour(13), Previous: hour(12)}, 6))
	assert.Equal(t, []string{"retry", "window"}, kpi.calls)
	require.Len(t, kpi.retries, 1)
	assert.Equal(t, [2]time.Time{hour(7), hour(12)}, kpi.retries[0], "retries stay within the backfill bound and before this tick's windows")
	assert.Equal(t, [][2]time.Time{{hour(12), hour(13)}}, kpi.windows)
}
