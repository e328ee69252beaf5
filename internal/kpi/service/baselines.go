package service

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/trustmeter/internal/cache"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Keys look like incident_cost.ticket_breach or freshness_slo_min.shopify.
var baselineKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z0-9][a-z0-9_.-]*$`)

func (s *Service) UpsertBaseline(ctx context.Context, req kpidomain.BaselineRequest) (*kpidomain.Baseline, error) {
	tenantID, environment, err := normalizeScope(req.TenantID, req.Environment)
	if err != nil {
		return nil, err
	}
	key := strings.ToLower(strings.TrimSpace(req.Key))
	if class, ok := strings.CutPrefix(key, kpidomain.FreshnessSLOPrefix); ok {
		// Event sources are stored slugged; the SLO class must match them.
		key = kpidomain.FreshnessSLOPrefix + slug.Make(class)
	}
	if !baselineKeyPattern.MatchString(key) || len(key) > 128 {
		return nil, kpidomain.ErrInvalidBaseline
	}
	if req.Value.IsNegative() {
		return nil, kpidomain.ErrInvalidBaseline
	}

	now := s.clock.Now().UTC()
	row := &kpidomain.Baseline{
		ID:          s.genID.Generate(),
		TenantID:    tenantID,
		Environment: environment,
		Key:         key,
		Value:       req.Value,
		Note:        strings.TrimSpace(req.Note),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "environment"}, {Name: "baseline_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "note", "updated_at"}),
		}).
		Create(row).Error
	if err != nil {
		return nil, err
	}
	s.baselines.Delete(cache.Key(tenantID, environment))

	var stored kpidomain.Baseline
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND environment = ? AND baseline_key = ?", tenantID, environment, key).
		First(&stored).Error
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Service) ListBaselines(ctx context.Context, tenantID, environment string) ([]kpidomain.Baseline, error) {
	tenantID, environment, err := normalizeScope(tenantID, environment)
	if err != nil {
		return nil, err
	}
	cacheKey := cache.Key(tenantID, environment)
	if cached, ok := s.baselines.Get(cacheKey); ok {
		current, err := s.baselinesCurrent(ctx, tenantID, environment, cached)
		if err != nil {
			return nil, err
		}
		if current {
			return cached, nil
		}
	}

	var rows []kpidomain.Baseline
	err = s.db.WithContext(ctx).
		Where("tenant_id = ? AND environment = ?", tenantID, environment).
		Order("baseline_key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	s.baselines.Set(cacheKey, rows, s.cacheTTL)
	return rows, nil
}

// baselinesCurrent reports whether cached still matches the table, which an
// upsert from another process changes without touching this cache.
func (s *Service) baselinesCurrent(ctx context.Context, tenantID, environment string, cached []kpidomain.Baseline) (bool, error) {
	scope := s.db.WithContext(ctx).
		Model(&kpidomain.Baseline{}).
		Where("tenant_id = ? AND environment = ?", tenantID, environment).
		Session(&gorm.Session{})

	var n int64
	if err := scope.Count(&n).Error; err != nil {
		return false, err
	}
	if n != int64(len(cached)) {
		return false, nil
	}
	if n == 0 {
		return true, nil
	}

	var updated []time.Time
	err := scope.
		Order("updated_at DESC").
		Limit(1).
		Pluck("updated_at", &updated).Error
	if err != nil || len(updated) == 0 {
		return false, err
	}
	var newest time.Time
	for _, b := range cached {
		if b.UpdatedAt.After(newest) {
			newest = b.UpdatedAt
		}
	}
	return updated[0].Equal(newest), nil
}
