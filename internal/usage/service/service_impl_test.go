package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/trustmeter/internal/cache"
	"github.com/smallbiznis/trustmeter/internal/clock"
	"github.com/smallbiznis/trustmeter/internal/plan"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	tenantservice "github.com/smallbiznis/trustmeter/internal/tenant/service"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []usagedomain.QuotaNotification
}

func (r *recordingNotifier) Notify(_ context.Context, n usagedomain.QuotaNotification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingNotifier) levels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.MetricType+":"+n.Level)
	}
	return out
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	clock    *clock.FakeClock
	notifier *recordingNotifier
}

func setup(t *testing.T) fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&usagedomain.UsageRecord{},
		&usagedomain.QuotaNotification{},
	))

	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tn := range []tenantdomain.Tenant{
		{ID: "acme", Name: "Acme", PlanID: "free"},
		{ID: "bigco", Name: "BigCo", PlanID: "unlimited"},
		{ID: "trial", Name: "Trial", PlanID: "capped"},
		{ID: "orphan", Name: "Orphan", PlanID: "retired"},
	} {
		tn.BillingAnchor = anchor
		tn.Status = tenantdomain.StatusActive
		require.NoError(t, db.Create(&tn).Error)
	}

	registry, err := plan.NewRegistry("../../plan/testdata/plans.yml", zap.NewNop())
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(testNow)
	notifier := &recordingNotifier{}
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Plans: registry,
		TenantSvc: tenantservice.NewService(tenantservice.ServiceParam{
			DB:    db,
			Log:   zap.NewNop(),
			Cache: cache.NewNoopCache[string, tenantdomain.Tenant](),
		}),
		Notifier: notifier,
	}).(*Service)

	return fixture{db: db, svc: svc, clock: clk, notifier: notifier}
}

func record(t *testing.T, f fixture, tenantID, metric string, qty int64, at time.Time) *usagedomain.UsageRecord {
	t.Helper()
	rec, recorded, err := f.svc.RecordUsage(context.Background(), usagedomain.RecordRequest{
		TenantID:   tenantID,
		MetricType: metric,
		Quantity:   qty,
		Timestamp:  at,
	})
	require.NoError(t, err)
	require.True(t, recorded)
	return rec
}

func TestQuotaAtAndOverLimit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	record(t, f, "acme", "events", 1000, testNow)

	status, err := f.svc.CheckQuota(ctx, "acme", "events")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, status.Used)
	assert.EqualValues(t, 1000, status.Limit)
	assert.False(t, status.Exceeded)
	assert.EqualValues(t, 0, status.Remaining)
	assert.InDelta(t, 100, status.Percentage, 1e-9)

	allowed, _, err := f.svc.EnforceQuota(ctx, "acme", "events")
	require.NoError(t, err)
	assert.False(t, allowed)

	// Recording past the limit still succeeds.
	record(t, f, "acme", "events", 1, testNow)

	status, err = f.svc.CheckQuota(ctx, "acme", "events")
	require.NoError(t, err)
	assert.EqualValues(t, 1001, status.Used)
	assert.True(t, status.Exceeded)
	assert.EqualValues(t, 0, status.Remaining)
}

func TestDailyWindowResetsAtUTCMidnight(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	record(t, f, "acme", "events", 1000, testNow)
	f.clock.Set(time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC))

	status, err := f.svc.CheckQuota(ctx, "acme", "events")
	require.NoError(t, err)
	assert.Zero(t, status.Used)
	assert.Equal(t, time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC), status.PeriodStart)

	allowed, _, err := f.svc.EnforceQuota(ctx, "acme", "events")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestUnlimitedPlanIsNeverExceeded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	record(t, f, "bigco", "events", 10_000_000, testNow)

	status, err := f.svc.CheckQuota(ctx, "bigco", "events")
	require.NoError(t, err)
	assert.EqualValues(t, plan.Unlimited, status.Limit)
	assert.False(t, status.Exceeded)
	assert.Zero(t, status.Percentage)

	allowed, _, err := f.svc.EnforceQuota(ctx, "bigco", "events")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, f.notifier.levels())
}

func TestSingleUnitLimit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	allowed, status, err := f.svc.EnforceQuota(ctx, "trial", "events")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.EqualValues(t, 1, status.Remaining)

	record(t, f, "trial", "events", 1, testNow)
	allowed, status, err = f.svc.EnforceQuota(ctx, "trial", "events")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.False(t, status.Exceeded)
	assert.InDelta(t, 100, status.Percentage, 1e-9)

	record(t, f, "trial", "events", 1, testNow)
	status, err = f.svc.CheckQuota(ctx, "trial", "events")
	require.NoError(t, err)
	assert.True(t, status.Exceeded)
}

func TestEveryMetricIsCappedOnFreePlan(t *testing.T) {
	f := setup(t)

	status, err := f.svc.CheckQuota(context.Background(), "acme", "storage_mb")
	require.NoError(t, err)
	assert.False(t, status.Unlimited())
	assert.EqualValues(t, 250, status.Limit)
}

func TestThresholdNotificationsFireOncePerPeriod(t *testing.T) {
	f := setup(t)

	record(t, f, "acme", "events", 799, testNow)
	assert.Empty(t, f.notifier.levels())

	record(t, f, "acme", "events", 1, testNow)
	assert.Equal(t, []string{"events:warning"}, f.notifier.levels())

	record(t, f, "acme", "events", 200, testNow)
	assert.Equal(t, []string{"events:warning"}, f.notifier.levels())

	record(t, f, "acme", "events", 1, testNow)
	record(t, f, "acme", "events", 50, testNow)
	assert.Equal(t, []string{"events:warning", "events:hard_limit"}, f.notifier.levels())

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.QuotaNotification{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	// A new day is a new period.
	f.clock.Set(testNow.Add(24 * time.Hour))
	record(t, f, "acme", "events", 900, f.clock.Now())
	assert.Equal(t, []string{"events:warning", "events:hard_limit", "events:warning"}, f.notifier.levels())
}

func TestThresholdsFireAgainAfterMonthlyRollover(t *testing.T) {
	f := setup(t)

	record(t, f, "acme", "api_calls", 101, testNow)
	assert.Equal(t, []string{"api_calls:warning", "api_calls:hard_limit"}, f.notifier.levels())

	record(t, f, "acme", "api_calls", 5, testNow)
	assert.Len(t, f.notifier.levels(), 2)

	next := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	f.clock.Set(next)
	record(t, f, "acme", "api_calls", 80, next)
	assert.Equal(t, []string{"api_calls:warning", "api_calls:hard_limit", "api_calls:warning"}, f.notifier.levels())

	record(t, f, "acme", "api_calls", 21, next)
	assert.Equal(t, []string{
		"api_calls:warning", "api_calls:hard_limit",
		"api_calls:warning", "api_calls:hard_limit",
	}, f.notifier.levels())

	var rows []usagedomain.QuotaNotification
	require.NoError(t, f.db.Order("period_start, level").Find(&rows).Error)
	require.Len(t, rows, 4)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), rows[0].PeriodStart.UTC())
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), rows[3].PeriodStart.UTC())
}

func TestRecordUsageIsIdempotentOnSourceRef(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	req := usagedomain.RecordRequest{
		TenantID:   "acme",
		MetricType: "events",
		Quantity:   1,
		Timestamp:  testNow,
		SourceRef:  "evt-1",
	}

	first, recorded, err := f.svc.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.True(t, recorded)

	second, recorded, err := f.svc.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.Equal(t, first.ID, second.ID)

	status, err := f.svc.CheckQuota(ctx, "acme", "events")
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Used)
}

func TestRecordUsageValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  usagedomain.RecordRequest
		want error
	}{
		{"missing tenant", usagedomain.RecordRequest{MetricType: "events", Quantity: 1}, usagedomain.ErrInvalidTenant},
		{"unknown metric", usagedomain.RecordRequest{TenantID: "acme", MetricType: "bananas", Quantity: 1}, usagedomain.ErrInvalidMetric},
		{"negative quantity", usagedomain.RecordRequest{TenantID: "acme", MetricType: "events", Quantity: -1}, usagedomain.ErrInvalidQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.RecordUsage(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&usagedomain.UsageRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCheckQuotaErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.CheckQuota(ctx, "acme", "bananas")
	assert.ErrorIs(t, err, usagedomain.ErrInvalidMetric)

	_, err = f.svc.CheckQuota(ctx, "ghost", "events")
	assert.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)

	_, err = f.svc.CheckQuota(ctx, "orphan", "events")
	assert.ErrorIs(t, err, plan.ErrPlanNotFound)
}

func TestReportPricesOverage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	record(t, f, "acme", "events", 1500, time.Date(2024, 5, 8, 9, 0, 0, 0, time.UTC))
	record(t, f, "acme", "events", 1200, time.Date(2024, 5, 9, 9, 0, 0, 0, time.UTC))
	record(t, f, "acme", "events", 300, testNow)
	record(t, f, "acme", "api_calls", 150, testNow)
	// Previous cycle is not billed in this report.
	record(t, f, "acme", "api_calls", 999, time.Date(2024, 4, 30, 23, 0, 0, 0, time.UTC))

	report, err := f.svc.Report(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "free", report.PlanID)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), report.PeriodStart)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), report.PeriodEnd)

	byMetric := map[string]usagedomain.MetricReport{}
	for _, m := range report.Metrics {
		byMetric[m.MetricType] = m
	}
	require.Contains(t, byMetric, "events")
	require.Contains(t, byMetric, "api_calls")

	assert.EqualValues(t, 700, byMetric["events"].Overage)
	assert.True(t, decimal.NewFromInt(175).Equal(byMetric["events"].OverageCharge), byMetric["events"].OverageCharge.String())
	assert.EqualValues(t, 300, byMetric["events"].Used)

	assert.EqualValues(t, 50, byMetric["api_calls"].Overage)
	assert.True(t, decimal.NewFromInt(5).Equal(byMetric["api_calls"].OverageCharge))

	assert.True(t, decimal.NewFromInt(180).Equal(report.OverageCharges), report.OverageCharges.String())
	assert.True(t, decimal.NewFromInt(180).Equal(report.TotalCost))
}

func TestPeriodOverage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	record(t, f, "acme", "events", 1500, time.Date(2024, 4, 12, 9, 0, 0, 0, time.UTC))

	overage, err := f.svc.PeriodOverage(ctx, "acme", "events",
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 500, overage.Quantity)
	assert.True(t, decimal.NewFromInt(125).Equal(overage.Amount), overage.Amount.String())

	_, err = f.svc.PeriodOverage(ctx, "acme", "events", testNow, testNow)
	assert.ErrorIs(t, err, usagedomain.ErrInvalidPeriod)

	none, err := f.svc.PeriodOverage(ctx, "bigco", "events",
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, none.Quantity)
	assert.True(t, none.Amount.IsZero())
}
