package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobState records the last tick each job finished, for catch-up on restart.
type JobState struct {
	JobName         string    `gorm:"primaryKey;type:varchar(64)"`
	LastScheduledAt time.Time `gorm:"not null"`
	LastRunAt       time.Time `gorm:"not null"`
	LastSuccessAt   *time.Time
	LastError       string    `gorm:"type:text"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (JobState) TableName() string { return "scheduler_job_states" }

func (s *Scheduler) loadStates(ctx context.Context) (map[string]JobState, error) {
	var rows []JobState
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]JobState, len(rows))
	for _, r := range rows {
		out[r.JobName] = r
	}
	return out, nil
}

// saveState never moves LastScheduledAt backwards and leaves it alone on
// failure, so a failed tick is caught up after a restart.
func (s *Scheduler) saveState(ctx context.Context, job string, tick Tick, runErr error) {
	if s.db == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now().UTC()

	var err error
	if runErr != nil {
		row := JobState{JobName: job, LastScheduledAt: time.Time{}, LastRunAt: now, LastError: truncateError(runErr.Error()), UpdatedAt: now}
		err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_run_at", "last_error", "updated_at"}),
		}).Create(&row).Error
	} else {
		row := JobState{JobName: job, LastScheduledAt: tick.Scheduled.UTC(), LastRunAt: now, LastSuccessAt: &now, UpdatedAt: now}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var existing JobState
			res := tx.Where("job_name = ?", job).Limit(1).Find(&existing)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return tx.Create(&row).Error
			}
			updates := map[string]any{
				"last_run_at":     now,
				"last_success_at": now,
				"last_error":      "",
				"updated_at":      now,
			}
			if row.LastScheduledAt.After(existing.LastScheduledAt) {
				updates["last_scheduled_at"] = row.LastScheduledAt
			}
			return tx.Model(&JobState{}).Where("job_name = ?", job).Updates(updates).Error
		})
	}
	if err != nil {
		s.log.Warn("scheduler state save failed", zap.String("job", job), zap.Error(err))
	}
}

func truncateError(msg string) string {
	const max = 1024
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
