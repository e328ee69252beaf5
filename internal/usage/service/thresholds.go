package service

import (
	"context"

	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/smallbiznis/trustmeter/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// evaluateThresholds persists each newly crossed level for the record's
// period. Only the writer whose insert wins hands the crossing to the notifier.
func (s *Service) evaluateThresholds(ctx context.Context, record *usagedomain.UsageRecord) error {
	status, err := s.CheckQuota(ctx, record.TenantID, record.MetricType)
	if err != nil {
		return err
	}
	if status.Unlimited() {
		return nil
	}
	// Late records for a past period do not notify against the current one.
	if record.Timestamp.Before(status.PeriodStart) || !record.Timestamp.Before(status.PeriodEnd) {
		return nil
	}

	for _, level := range crossedLevels(status) {
		n := &usagedomain.QuotaNotification{
			ID:          s.genID.Generate(),
			TenantID:    record.TenantID,
			MetricType:  status.MetricType,
			PeriodStart: status.PeriodStart,
			PeriodEnd:   status.PeriodEnd,
			Level:       level,
			Used:        status.Used,
			QuotaLimit:  status.Limit,
			Percentage:  status.Percentage,
			CreatedAt:   s.clock.Now().UTC(),
		}
		inserted, err := s.insertNotification(ctx, n)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}

		s.obsMetrics.RecordQuotaNotification(ctx, n.MetricType, n.Level)
		s.log.Info("quota threshold crossed",
			zap.String("tenant_id", n.TenantID),
			zap.String("metric_type", n.MetricType),
			zap.String("level", n.Level),
			zap.Int64("used", n.Used),
			zap.Int64("limit", n.QuotaLimit),
		)
		if s.notifier != nil {
			s.notifier.Notify(ctx, *n)
		}
	}
	return nil
}

func crossedLevels(status usagedomain.QuotaStatus) []string {
	var levels []string
	if status.Percentage >= usagedomain.WarningThresholdPct {
		levels = append(levels, usagedomain.LevelWarning)
	}
	if status.Exceeded {
		levels = append(levels, usagedomain.LevelHardLimit)
	}
	return levels
}

func (s *Service) insertNotification(ctx context.Context, n *usagedomain.QuotaNotification) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"},
				{Name: "metric_type"},
				{Name: "period_start"},
				{Name: "level"},
			},
			DoNothing: true,
		}).
		Create(n)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
