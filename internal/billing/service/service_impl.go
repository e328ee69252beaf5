package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/trustmeter/internal/billing/domain"
	"github.com/smallbiznis/trustmeter/internal/clock"
	"github.com/smallbiznis/trustmeter/internal/config"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"github.com/smallbiznis/trustmeter/internal/plan"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMaxAttempts = 12
	defaultBatchSize   = 50
	defaultBaseBackoff = 30 * time.Second
	maxBackoff         = 6 * time.Hour
	maxErrorLength     = 1024
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Provider   billingdomain.Provider
	UsageSvc   usagedomain.Service
	TenantSvc  tenantdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	provider   billingdomain.Provider
	usageSvc   usagedomain.Service
	tenantSvc  tenantdomain.Service
	obsMetrics *obsmetrics.Metrics

	maxAttempts int
	batchSize   int
	baseBackoff time.Duration
}

func NewService(p ServiceParam) billingdomain.Service {
	maxAttempts := p.Config.Billing.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	batchSize := p.Config.Billing.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	baseBackoff := p.Config.Billing.RetryBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}

	return &Service{
		db:  p.DB,
		log: p.Log.Named("billing.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		provider:   p.Provider,
		usageSvc:   p.UsageSvc,
		tenantSvc:  p.TenantSvc,
		obsMetrics: p.ObsMetrics,

		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		baseBackoff: baseBackoff,
	}
}

// EnqueueClosedPeriods writes one outbox row per tenant and metric with
// overage in the billing cycle that most recently closed before at.
// Rows are unique per cycle, so repeated runs enqueue nothing new.
func (s *Service) EnqueueClosedPeriods(ctx context.Context, at time.Time) (int, error) {
	tenantIDs, err := s.tenantSvc.ListActiveIDs(ctx)
	if err != nil {
		return 0, err
	}

	var (
		enqueued int
		errs     []error
	)
	for _, tenantID := range tenantIDs {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		n, err := s.enqueueTenant(ctx, tenantID, at.UTC())
		enqueued += n
		if err != nil {
			s.log.Warn("billing period close failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
	}
	return enqueued, errors.Join(errs...)
}

func (s *Service) enqueueTenant(ctx context.Context, tenantID string, at time.Time) (int, error) {
	tenant, err := s.tenantSvc.Get(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	currentStart, _ := usagedomain.BillingCycle(tenant.BillingAnchor, at)
	prevStart, prevEnd := usagedomain.BillingCycle(tenant.BillingAnchor, currentStart.Add(-time.Nanosecond))
	if !tenant.BillingAnchor.IsZero() && !prevEnd.After(tenant.BillingAnchor.UTC()) {
		return 0, nil
	}

	enqueued := 0
	for _, metric := range plan.Metrics() {
		overage, err := s.usageSvc.PeriodOverage(ctx, tenant.ID, metric.Type, prevStart, prevEnd)
		if err != nil {
			return enqueued, err
		}
		if overage.Quantity <= 0 {
			continue
		}
		inserted, err := s.insertReport(ctx, overage, at)
		if err != nil {
			return enqueued, err
		}
		if inserted {
			enqueued++
			s.log.Info("billing usage report enqueued",
				zap.String("tenant_id", tenant.ID),
				zap.String("metric_type", metric.Type),
				zap.Time("period_start", prevStart),
				zap.Int64("quantity", overage.Quantity),
				zap.String("amount", overage.Amount.String()),
			)
		}
	}
	return enqueued, nil
}

func (s *Service) insertReport(ctx context.Context, overage usagedomain.Overage, now time.Time) (bool, error) {
	report := billingdomain.UsageReport{
		ID:            s.genID.Generate(),
		TenantID:      overage.TenantID,
		MetricType:    overage.MetricType,
		PeriodStart:   overage.PeriodStart,
		PeriodEnd:     overage.PeriodEnd,
		Quantity:      overage.Quantity,
		UnitPrice:     overage.UnitPrice,
		Amount:        overage.Amount,
		Status:        billingdomain.ReportStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "metric_type"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(&report)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Dispatch sends due outbox rows. Unavailable providers reschedule the row
// with exponential backoff until MaxAttempts, after which it is dead.
// Rejections are dead immediately.
func (s *Service) Dispatch(ctx context.Context) (billingdomain.DispatchResult, error) {
	now := s.clock.Now().UTC()

	var due []billingdomain.UsageReport
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", billingdomain.ReportStatusPending, now).
		Order("next_attempt_at ASC").
		Order("id ASC").
		Limit(s.batchSize).
		Find(&due).Error
	if err != nil {
		return billingdomain.DispatchResult{}, err
	}

	var result billingdomain.DispatchResult
	for _, report := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		status, err := s.dispatchOne(ctx, report)
		if err != nil {
			return result, err
		}
		if status == "" {
			continue
		}
		switch status {
		case billingdomain.ReportStatusSent:
			result.Sent++
		case billingdomain.ReportStatusDead:
			result.Dead++
		case billingdomain.ReportStatusPending:
			result.Retried++
		}
		s.obsMetrics.RecordBillingDispatch(ctx, s.provider.Name(), status)
	}
	return result, nil
}

// dispatchOne returns the row's new status. The returned error is only set
// for local storage failures.
func (s *Service) dispatchOne(ctx context.Context, report billingdomain.UsageReport) (string, error) {
	sendErr := s.send(ctx, report)
	now := s.clock.Now().UTC()
	attempts := report.Attempts + 1

	updates := map[string]any{
		"attempts":   attempts,
		"updated_at": now,
	}
	status := billingdomain.ReportStatusPending

	switch {
	case sendErr == nil:
		status = billingdomain.ReportStatusSent
		updates["sent_at"] = now
		updates["last_error"] = ""
	case isPermanent(sendErr) || attempts >= s.maxAttempts:
		status = billingdomain.ReportStatusDead
		updates["last_error"] = truncate(sendErr.Error())
	default:
		updates["next_attempt_at"] = now.Add(s.backoff(attempts))
		updates["last_error"] = truncate(sendErr.Error())
	}
	updates["status"] = status

	res := s.db.WithContext(ctx).
		Model(&billingdomain.UsageReport{}).
		Where("id = ? AND status = ? AND attempts = ?", report.ID, billingdomain.ReportStatusPending, report.Attempts).
		Updates(updates)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		// Another dispatcher already moved this row.
		return "", nil
	}

	fields := []zap.Field{
		zap.String("report_id", report.ID.String()),
		zap.String("tenant_id", report.TenantID),
		zap.String("metric_type", report.MetricType),
		zap.Int("attempts", attempts),
		zap.String("status", status),
	}
	switch status {
	case billingdomain.ReportStatusSent:
		s.log.Info("billing usage report sent", fields...)
	case billingdomain.ReportStatusDead:
		s.log.Error("billing usage report dead", append(fields, zap.Error(sendErr))...)
	default:
		s.log.Warn("billing usage report retry scheduled", append(fields, zap.Error(sendErr))...)
	}
	return status, nil
}

func (s *Service) send(ctx context.Context, report billingdomain.UsageReport) error {
	account, err := s.EnsureAccount(ctx, report.TenantID)
	if err != nil {
		return err
	}
	if account.Status == billingdomain.AccountStatusCancelled {
		return billingdomain.ErrAccountCancelled
	}
	return s.provider.RecordUsage(ctx, account.SubscriptionRef, report.MetricType, report.Quantity, report.IdempotencyKey())
}

// backoff is base * 2^(attempt-1), capped.
func (s *Service) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// EnsureAccount returns the tenant's billing account, creating the customer
// and subscription on the provider the first time.
func (s *Service) EnsureAccount(ctx context.Context, tenantID string) (billingdomain.Account, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return billingdomain.Account{}, billingdomain.ErrInvalidTenant
	}

	account, err := s.findAccount(ctx, tenantID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, billingdomain.ErrAccountNotFound) {
		return billingdomain.Account{}, err
	}

	tenant, err := s.tenantSvc.Get(ctx, tenantID)
	if err != nil {
		return billingdomain.Account{}, err
	}
	customer, err := s.provider.CreateCustomer(ctx, tenant.ID, tenant.Name)
	if err != nil {
		return billingdomain.Account{}, err
	}
	sub, err := s.provider.CreateSubscription(ctx, customer.Ref, tenant.PlanID)
	if err != nil {
		return billingdomain.Account{}, err
	}

	now := s.clock.Now().UTC()
	account = billingdomain.Account{
		TenantID:        tenant.ID,
		Provider:        s.provider.Name(),
		CustomerRef:     customer.Ref,
		SubscriptionRef: sub.Ref,
		PlanID:          tenant.PlanID,
		Status:          billingdomain.AccountStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tenant_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return billingdomain.Account{}, err
	}

	s.log.Info("billing account provisioned",
		zap.String("tenant_id", tenant.ID),
		zap.String("provider", account.Provider),
		zap.String("customer_ref", account.CustomerRef),
	)
	return s.findAccount(ctx, tenant.ID)
}

func (s *Service) CancelSubscription(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return billingdomain.ErrInvalidTenant
	}
	account, err := s.findAccount(ctx, tenantID)
	if err != nil {
		return err
	}
	if account.Status == billingdomain.AccountStatusCancelled {
		return billingdomain.ErrAlreadyCancelled
	}
	if err := s.provider.CancelSubscription(ctx, account.SubscriptionRef); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).
		Model(&billingdomain.Account{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]any{
			"status":     billingdomain.AccountStatusCancelled,
			"updated_at": s.clock.Now().UTC(),
		}).Error
	if err != nil {
		return err
	}
	s.log.Info("billing subscription cancelled", zap.String("tenant_id", tenantID))
	return nil
}

func (s *Service) Invoices(ctx context.Context, tenantID string) ([]billingdomain.Invoice, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, billingdomain.ErrInvalidTenant
	}
	account, err := s.findAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.provider.GetInvoices(ctx, account.CustomerRef)
}

func (s *Service) findAccount(ctx context.Context, tenantID string) (billingdomain.Account, error) {
	var account billingdomain.Account
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billingdomain.Account{}, billingdomain.ErrAccountNotFound
	}
	if err != nil {
		return billingdomain.Account{}, err
	}
	return account, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, billingdomain.ErrProviderRejected) ||
		errors.Is(err, billingdomain.ErrProviderNotFound) ||
		errors.Is(err, billingdomain.ErrAccountCancelled) ||
		errors.Is(err, tenantdomain.ErrTenantNotFound)
}

func truncate(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength]
}
