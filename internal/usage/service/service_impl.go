package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/trustmeter/internal/clock"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"github.com/smallbiznis/trustmeter/internal/plan"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/smallbiznis/trustmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxSourceRefLength = 255

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Plans      *plan.Registry
	TenantSvc  tenantdomain.Service
	Notifier   usagedomain.Notifier `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	plans      *plan.Registry
	tenantSvc  tenantdomain.Service
	notifier   usagedomain.Notifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		plans:      p.Plans,
		tenantSvc:  p.TenantSvc,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordUsage appends a ledger row. Recording never depends on quota state:
// usage over the limit is still stored and only drives notifications.
// The bool result is false when source_ref was already recorded.
func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.UsageRecord, bool, error) {
	record, err := s.buildRecord(req)
	if err != nil {
		return nil, false, err
	}

	inserted, err := s.insertRecord(ctx, record)
	if err != nil {
		return nil, false, s.storageErr(err)
	}
	if !inserted {
		existing, err := s.findBySourceRef(ctx, record.TenantID, *record.SourceRef)
		if err != nil {
			return nil, false, s.storageErr(err)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("%w: conflicting usage row vanished", usagedomain.ErrStorageUnavailable)
		}
		return existing, false, nil
	}

	s.obsMetrics.RecordUsage(ctx, record.MetricType, record.Quantity)

	if err := s.evaluateThresholds(ctx, record); err != nil {
		s.log.Warn("quota threshold evaluation failed",
			zap.String("tenant_id", record.TenantID),
			zap.String("metric_type", record.MetricType),
			zap.Error(err),
		)
	}
	return record, true, nil
}

func (s *Service) CheckQuota(ctx context.Context, tenantID, metricType string) (usagedomain.QuotaStatus, error) {
	metric, err := plan.LookupMetric(metricType)
	if err != nil {
		return usagedomain.QuotaStatus{}, usagedomain.ErrInvalidMetric
	}
	tenant, p, err := s.resolvePlan(ctx, tenantID)
	if err != nil {
		return usagedomain.QuotaStatus{}, err
	}
	return s.status(ctx, tenant, p, metric, s.clock.Now())
}

// EnforceQuota answers whether the next unit would be within the limit.
// Two concurrent checks may both pass and overshoot by the in-flight units.
func (s *Service) EnforceQuota(ctx context.Context, tenantID, metricType string) (bool, usagedomain.QuotaStatus, error) {
	status, err := s.CheckQuota(ctx, tenantID, metricType)
	if err != nil {
		return false, usagedomain.QuotaStatus{}, err
	}
	allowed := status.Allowed()
	if !allowed {
		s.obsMetrics.RecordQuotaDenied(ctx, status.MetricType)
	}
	return allowed, status, nil
}

func (s *Service) Report(ctx context.Context, tenantID string) (usagedomain.Report, error) {
	tenant, p, err := s.resolvePlan(ctx, tenantID)
	if err != nil {
		return usagedomain.Report{}, err
	}

	now := s.clock.Now().UTC()
	cycleStart, cycleEnd := usagedomain.BillingCycle(tenant.BillingAnchor, now)

	report := usagedomain.Report{
		TenantID:       tenant.ID,
		PlanID:         p.ID,
		PeriodStart:    cycleStart,
		PeriodEnd:      cycleEnd,
		BasePrice:      p.PriceMonthly,
		OverageCharges: decimal.Zero,
	}

	for _, metric := range plan.Metrics() {
		status, err := s.status(ctx, tenant, p, metric, now)
		if err != nil {
			return usagedomain.Report{}, err
		}
		overage, err := s.overage(ctx, tenant.ID, p, metric, cycleStart, minTime(cycleEnd, now))
		if err != nil {
			return usagedomain.Report{}, err
		}
		unitPrice := p.UnitPrice(metric.Type)
		charge := unitPrice.Mul(decimal.NewFromInt(overage))
		report.Metrics = append(report.Metrics, usagedomain.MetricReport{
			QuotaStatus:   status,
			Overage:       overage,
			UnitPrice:     unitPrice,
			OverageCharge: charge,
		})
		report.OverageCharges = report.OverageCharges.Add(charge)
	}
	report.TotalCost = report.BasePrice.Add(report.OverageCharges)
	return report, nil
}

// PeriodOverage prices the overage for one metric across a billing cycle.
// Daily metrics sum each day's overage inside the cycle.
func (s *Service) PeriodOverage(ctx context.Context, tenantID, metricType string, cycleStart, cycleEnd time.Time) (usagedomain.Overage, error) {
	metric, err := plan.LookupMetric(metricType)
	if err != nil {
		return usagedomain.Overage{}, usagedomain.ErrInvalidMetric
	}
	if !cycleEnd.After(cycleStart) {
		return usagedomain.Overage{}, usagedomain.ErrInvalidPeriod
	}
	tenant, p, err := s.resolvePlan(ctx, tenantID)
	if err != nil {
		return usagedomain.Overage{}, err
	}

	quantity, err := s.overage(ctx, tenant.ID, p, metric, cycleStart.UTC(), cycleEnd.UTC())
	if err != nil {
		return usagedomain.Overage{}, err
	}
	unitPrice := p.UnitPrice(metric.Type)
	return usagedomain.Overage{
		TenantID:    tenant.ID,
		MetricType:  metric.Type,
		PeriodStart: cycleStart.UTC(),
		PeriodEnd:   cycleEnd.UTC(),
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Amount:      unitPrice.Mul(decimal.NewFromInt(quantity)),
	}, nil
}

func (s *Service) buildRecord(req usagedomain.RecordRequest) (*usagedomain.UsageRecord, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, usagedomain.ErrInvalidTenant
	}
	metric, err := plan.LookupMetric(req.MetricType)
	if err != nil {
		return nil, usagedomain.ErrInvalidMetric
	}
	if req.Quantity < 0 {
		return nil, usagedomain.ErrInvalidQuantity
	}
	sourceRef := strings.TrimSpace(req.SourceRef)
	if len(sourceRef) > maxSourceRefLength {
		return nil, usagedomain.ErrInvalidSourceRef
	}

	now := s.clock.Now().UTC()
	ts := req.Timestamp.UTC()
	if req.Timestamp.IsZero() {
		ts = now
	}

	record := &usagedomain.UsageRecord{
		ID:         s.genID.Generate(),
		TenantID:   tenantID,
		MetricType: metric.Type,
		Quantity:   req.Quantity,
		Timestamp:  ts,
		CreatedAt:  now,
	}
	if sourceRef != "" {
		record.SourceRef = &sourceRef
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}
	return record, nil
}

func (s *Service) insertRecord(ctx context.Context, record *usagedomain.UsageRecord) (bool, error) {
	tx := s.db.WithContext(ctx)
	if record.SourceRef != nil {
		tx = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "source_ref"}},
			DoNothing: true,
		})
	}
	result := tx.Create(record)
	if result.Error != nil {
		if record.SourceRef != nil && db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) findBySourceRef(ctx context.Context, tenantID, sourceRef string) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND source_ref = ?", tenantID, sourceRef).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) resolvePlan(ctx context.Context, tenantID string) (tenantdomain.Tenant, plan.Plan, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return tenantdomain.Tenant{}, plan.Plan{}, usagedomain.ErrInvalidTenant
	}
	tenant, err := s.tenantSvc.Get(ctx, tenantID)
	if err != nil {
		return tenantdomain.Tenant{}, plan.Plan{}, err
	}
	p, err := s.plans.GetPlan(tenant.PlanID)
	if err != nil {
		// Plan assignments come from the provisioning system; a miss is a config fault.
		s.log.Error("tenant references unknown plan",
			zap.String("tenant_id", tenant.ID),
			zap.String("plan_id", tenant.PlanID),
			zap.String("catalog_version", s.plans.Version()),
		)
		return tenantdomain.Tenant{}, plan.Plan{}, err
	}
	return tenant, p, nil
}

func (s *Service) status(ctx context.Context, tenant tenantdomain.Tenant, p plan.Plan, metric plan.Metric, at time.Time) (usagedomain.QuotaStatus, error) {
	start, end := usagedomain.PeriodWindow(metric.Period, tenant.BillingAnchor, at)
	used, err := s.sumUsage(ctx, tenant.ID, metric.Type, start, end)
	if err != nil {
		return usagedomain.QuotaStatus{}, err
	}
	return usagedomain.BuildStatus(metric.Type, used, p.Limit(metric), start, end), nil
}

func (s *Service) overage(ctx context.Context, tenantID string, p plan.Plan, metric plan.Metric, start, end time.Time) (int64, error) {
	limit := p.Limit(metric)
	if limit < 0 {
		return 0, nil
	}
	if metric.Period != plan.PeriodDaily {
		used, err := s.sumUsage(ctx, tenantID, metric.Type, start, end)
		if err != nil {
			return 0, err
		}
		return usagedomain.OverageQuantity(used, limit), nil
	}

	var total int64
	for day := start; day.Before(end); {
		_, next := usagedomain.DayWindow(day)
		used, err := s.sumUsage(ctx, tenantID, metric.Type, day, minTime(next, end))
		if err != nil {
			return 0, err
		}
		total += usagedomain.OverageQuantity(used, limit)
		day = next
	}
	return total, nil
}

func (s *Service) sumUsage(ctx context.Context, tenantID, metricType string, start, end time.Time) (int64, error) {
	var used int64
	err := s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("tenant_id = ? AND metric_type = ? AND recorded_at >= ? AND recorded_at < ?",
			tenantID, metricType, start.UTC(), end.UTC()).
		Scan(&used).Error
	if err != nil {
		return 0, s.storageErr(err)
	}
	return used, nil
}

func (s *Service) storageErr(err error) error {
	if err == nil || errors.Is(err, usagedomain.ErrStorageUnavailable) {
		return err
	}
	if db.IsTransient(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", usagedomain.ErrStorageUnavailable, err)
	}
	return err
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
