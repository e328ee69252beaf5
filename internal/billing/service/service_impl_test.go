package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	billingdomain "github.com/smallbiznis/trustmeter/internal/billing/domain"
	"github.com/smallbiznis/trustmeter/internal/billing/memory"
	"github.com/smallbiznis/trustmeter/internal/billing/mocks"
	"github.com/smallbiznis/trustmeter/internal/clock"
	"github.com/smallbiznis/trustmeter/internal/config"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type fakeTenants struct {
	tenants map[string]tenantdomain.Tenant
	order   []string
}

func (f *fakeTenants) Get(_ context.Context, tenantID string) (tenantdomain.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return tenantdomain.Tenant{}, tenantdomain.ErrTenantNotFound
	}
	return t, nil
}

func (f *fakeTenants) ListActiveIDs(context.Context) ([]string, error) { return f.order, nil }

func (f *fakeTenants) Invalidate(string) {}

type fakeUsage struct {
	usagedomain.Service
	overage map[string]int64
	calls   int
}

func (f *fakeUsage) PeriodOverage(_ context.Context, tenantID, metricType string, start, end time.Time) (usagedomain.Overage, error) {
	f.calls++
	qty := f.overage[tenantID+"|"+metricType+"|"+start.Format(time.DateOnly)]
	price := decimal.RequireFromString("0.25")
	return usagedomain.Overage{
		TenantID:    tenantID,
		MetricType:  metricType,
		PeriodStart: start,
		PeriodEnd:   end,
		Quantity:    qty,
		UnitPrice:   price,
		Amount:      price.Mul(decimal.NewFromInt(qty)),
	}, nil
}

type fixture struct {
	db    *gorm.DB
	svc   *Service
	clock *clock.FakeClock
	usage *fakeUsage
}

func setup(t *testing.T, provider billingdomain.Provider) fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&billingdomain.Account{}, &billingdomain.UsageReport{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	tenants := &fakeTenants{
		tenants: map[string]tenantdomain.Tenant{
			"acme":  {ID: "acme", Name: "Acme", PlanID: "free", BillingAnchor: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
			"fresh": {ID: "fresh", Name: "Fresh", PlanID: "free", BillingAnchor: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		},
		order: []string{"acme", "fresh"},
	}
	usage := &fakeUsage{overage: map[string]int64{
		"acme|events|2024-03-15":    700,
		"acme|api_calls|2024-03-15": 0,
		"fresh|events|2024-04-01":   50,
	}}

	clk := clock.NewFakeClock(testNow)
	cfg := config.Config{Billing: config.BillingConfig{MaxAttempts: 3, BatchSize: 10, RetryBackoff: 30 * time.Second}}
	svc := NewService(ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Config:    cfg,
		Provider:  provider,
		UsageSvc:  usage,
		TenantSvc: tenants,
	}).(*Service)

	return fixture{db: db, svc: svc, clock: clk, usage: usage}
}

func (f fixture) report(t *testing.T, id snowflake.ID) billingdomain.UsageReport {
	t.Helper()
	var r billingdomain.UsageReport
	require.NoError(t, f.db.Where("id = ?", id).Take(&r).Error)
	return r
}

func (f fixture) onlyReport(t *testing.T) billingdomain.UsageReport {
	t.Helper()
	var rows []billingdomain.UsageReport
	require.NoError(t, f.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestEnqueueClosedPeriodsIsIdempotent(t *testing.T) {
	f := setup(t, memory.New())
	ctx := context.Background()

	n, err := f.svc.EnqueueClosedPeriods(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.EnqueueClosedPeriods(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	r := f.onlyReport(t)
	assert.Equal(t, "acme", r.TenantID)
	assert.Equal(t, "events", r.MetricType)
	assert.Equal(t, int64(700), r.Quantity)
	assert.True(t, r.Amount.Equal(decimal.NewFromInt(175)))
	assert.True(t, r.PeriodStart.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.PeriodEnd.Equal(time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, billingdomain.ReportStatusPending, r.Status)
}

func TestDispatchSendsWithStableIdempotencyKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	f := setup(t, provider)
	ctx := context.Background()

	_, err := f.svc.EnqueueClosedPeriods(ctx, testNow)
	require.NoError(t, err)
	pending := f.onlyReport(t)

	provider.EXPECT().Name().Return("mock").AnyTimes()
	provider.EXPECT().CreateCustomer(gomock.Any(), "acme", "Acme").
		Return(billingdomain.Customer{Ref: "cus_1", TenantID: "acme"}, nil)
	provider.EXPECT().CreateSubscription(gomock.Any(), "cus_1", "free").
		Return(billingdomain.Subscription{Ref: "sub_1", CustomerRef: "cus_1", PlanID: "free"}, nil)
	provider.EXPECT().RecordUsage(gomock.Any(), "sub_1", "events", int64(700), pending.IdempotencyKey()).
		Return(nil)

	res, err := f.svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.DispatchResult{Sent: 1}, res)

	sent := f.report(t, pending.ID)
	assert.Equal(t, billingdomain.ReportStatusSent, sent.Status)
	assert.Equal(t, 1, sent.Attempts)
	require.NotNil(t, sent.SentAt)

	res, err = f.svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.DispatchResult{}, res)
}

func TestDispatchBacksOffThenGoesDead(t *testing.T) {
	provider := memory.New()
	f := setup(t, provider)
	ctx := context.Background()

	_, err := f.svc.EnsureAccount(ctx, "acme")
	require.NoError(t, err)
	_, err = f.svc.EnqueueClosedPeriods(ctx, testNow)
	require.NoError(t, err)
	id := f.onlyReport(t).ID

	provider.SetUnavailable(true)

	res, err := f.svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.DispatchResult{Retried: 1}, res)
	r := f.report(t, id)
	assert.True(t, r.NextAttemptAt.Equal(testNow.Add(30*time.Second)))
	assert.Contains(t, r.LastError, "billing_provider_unavailable")

	res, err = f.svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.DispatchResult{}, res, "row is not due yet")

	f.clock.Advance(30 * time.Second)
	res, err = f.svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.DispatchResult{Retried: 1}, res)
	r = f.report(t, id)
	assert.True(t, r.NextAttemptAt.Equal(testNow.Add(90*time.Second)))

	f.clock.Advance(60 * time.Second)
	res, err = f.svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.DispatchResult{Dead: 1}, res)
	assert.Equal(t, billingdomain.ReportStatusDead, f.report(t, id).Status)
}

func TestDispatchRejectedIsDeadImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	f := setup(t, provider)
	ctx := context.Background()

	require.NoError(t, f.db.Create(&billingdomain.Account{
		TenantID: "acme", Provider: "mock", CustomerRef: "cus_1", SubscriptionRef: "sub_1",
		PlanID: "free", Status: billingdomain.AccountStatusActive, CreatedAt: testNow, UpdatedAt: testNow,
	}).Error)
	_, err := f.svc.EnqueueClosedPeriods(ctx, testNow)
	require.NoError(t, err)

	provider.EXPECT().Name().Return("mock").AnyTimes()
	provider.EXPECT().RecordUsage(gomock.Any(), "sub_1", "events", int64(700), gomock.Any()).
		Return(fmt.Errorf("%w: status 422", billingdomain.ErrProviderRejected))

	res, err := f.svc.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, billingdomain.DispatchResult{Dead: 1}, res)
}

func TestCancelSubscriptionAndInvoices(t *testing.T) {
	provider := memory.New()
	f := setup(t, provider)
	ctx := context.Background()

	_, err := f.svc.Invoices(ctx, "acme")
	assert.ErrorIs(t, err, billingdomain.ErrAccountNotFound)
	assert.ErrorIs(t, f.svc.CancelSubscription(ctx, "acme"), billingdomain.ErrAccountNotFound)

	account, err := f.svc.EnsureAccount(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, memory.Name, account.Provider)
	require.NoError(t, provider.RecordUsage(ctx, account.SubscriptionRef, "events", 5, "k"))

	invoices, err := f.svc.Invoices(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, account.CustomerRef, invoices[0].CustomerRef)

	again, err := f.svc.EnsureAccount(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, account.CustomerRef, again.CustomerRef)

	require.NoError(t, f.svc.CancelSubscription(ctx, "acme"))
	assert.ErrorIs(t, f.svc.CancelSubscription(ctx, "acme"), billingdomain.ErrAlreadyCancelled)

	_, err = f.svc.EnsureAccount(ctx, "")
	assert.ErrorIs(t, err, billingdomain.ErrInvalidTenant)
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	s := &Service{baseBackoff: time.Second}
	assert.Equal(t, time.Second, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(2))
	assert.Equal(t, 8*time.Second, s.backoff(4))
	assert.Equal(t, maxBackoff, s.backoff(40))
}
