package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/trustmeter/internal/config"
	"github.com/smallbiznis/trustmeter/internal/retention/archive"
	retentiondomain "github.com/smallbiznis/trustmeter/internal/retention/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	day              = 24 * time.Hour
	defaultBatchSize = 1000
	maxBatches       = 10000
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Config   config.Config
	Archiver archive.Archiver `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	archiver  archive.Archiver
	policies  []retentiondomain.Policy
	batchSize int
}

func NewService(p ServiceParam) retentiondomain.Service {
	batchSize := p.Config.Retention.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("retention.service"),

		archiver:  p.Archiver,
		policies:  PoliciesFromConfig(p.Config.Retention),
		batchSize: batchSize,
	}
}

// PoliciesFromConfig maps retention days to policies. Zero or negative days
// keep the table forever.
func PoliciesFromConfig(cfg config.RetentionConfig) []retentiondomain.Policy {
	candidates := []struct {
		table   string
		column  string
		days    int
		archive bool
	}{
		{retentiondomain.TableEvents, "received_at", cfg.EventDays, true},
		{retentiondomain.TableUsageRecords, "recorded_at", cfg.UsageDays, false},
		{retentiondomain.TableTelemetry, "observed_at", cfg.TelemetryDays, false},
		{retentiondomain.TableNotifications, "created_at", cfg.NotificationDays, false},
		{retentiondomain.TableRuns, "started_at", cfg.RunDays, false},
		{retentiondomain.TableSnapshots, "snapshot_at", cfg.SnapshotDays, false},
	}
	out := make([]retentiondomain.Policy, 0, len(candidates))
	for _, c := range candidates {
		if c.days <= 0 {
			continue
		}
		out = append(out, retentiondomain.Policy{
			Table:   c.table,
			Column:  c.column,
			MaxAge:  time.Duration(c.days) * day,
			Archive: c.archive,
		})
	}
	return out
}

func (s *Service) Policies() []retentiondomain.Policy {
	return append([]retentiondomain.Policy(nil), s.policies...)
}

// Prune applies every policy. A failing table does not stop the others.
func (s *Service) Prune(ctx context.Context, now time.Time) ([]retentiondomain.Result, error) {
	results := make([]retentiondomain.Result, 0, len(s.policies))
	var errs []error
	for _, policy := range s.policies {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.prunePolicy(ctx, policy, now.UTC())
		results = append(results, res)
		if err != nil {
			s.log.Error("retention prune failed",
				zap.String("table", policy.Table),
				zap.Time("cutoff", res.Cutoff),
				zap.Int64("deleted", res.Deleted),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", policy.Table, err))
			continue
		}
		s.log.Info("retention prune finished",
			zap.String("table", policy.Table),
			zap.Time("cutoff", res.Cutoff),
			zap.Int64("archived", res.Archived),
			zap.Int64("deleted", res.Deleted),
		)
	}
	return results, errors.Join(errs...)
}

func (s *Service) prunePolicy(ctx context.Context, policy retentiondomain.Policy, now time.Time) (retentiondomain.Result, error) {
	res := retentiondomain.Result{Table: policy.Table, Cutoff: now.Add(-policy.MaxAge)}
	archiving := policy.Archive && s.archiver != nil

	for i := 0; i < maxBatches; i++ {
		var rows []map[string]any
		err := s.db.WithContext(ctx).
			Table(policy.Table).
			Where(policy.Column+" < ?", res.Cutoff).
			Order(policy.Column + " ASC").
			Order("id ASC").
			Limit(s.batchSize).
			Find(&rows).Error
		if err != nil {
			return res, err
		}
		if len(rows) == 0 {
			return res, nil
		}

		ids := make([]any, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row["id"])
		}

		if archiving {
			if _, err := s.archiver.Archive(ctx, policy.Table, now, rows); err != nil {
				return res, fmt.Errorf("%w: %v", retentiondomain.ErrArchiveFailed, err)
			}
			res.Archived += int64(len(rows))
		}

		deleted := s.db.WithContext(ctx).Exec("DELETE FROM "+policy.Table+" WHERE id IN ?", ids)
		if deleted.Error != nil {
			return res, deleted.Error
		}
		res.Deleted += deleted.RowsAffected

		if len(rows) < s.batchSize {
			return res, nil
		}
	}
	return res, nil
}
