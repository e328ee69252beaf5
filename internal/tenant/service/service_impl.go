package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/trustmeter/internal/cache"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultTenantTTL = time.Minute

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cache cache.Cache[string, tenantdomain.Tenant] `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	cache cache.Cache[string, tenantdomain.Tenant]
	ttl   time.Duration
}

func NewService(p ServiceParam) tenantdomain.Service {
	c := p.Cache
	if c == nil {
		c = cache.NewTTLCache[string, tenantdomain.Tenant]()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tenant.service"),
		cache: c,
		ttl:   defaultTenantTTL,
	}
}

func (s *Service) Get(ctx context.Context, tenantID string) (tenantdomain.Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return tenantdomain.Tenant{}, tenantdomain.ErrInvalidTenant
	}
	if cached, ok := s.cache.Get(tenantID); ok {
		return cached, nil
	}

	var t tenantdomain.Tenant
	err := s.db.WithContext(ctx).Where("id = ?", tenantID).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tenantdomain.Tenant{}, tenantdomain.ErrTenantNotFound
		}
		return tenantdomain.Tenant{}, err
	}
	t.BillingAnchor = t.BillingAnchor.UTC()
	s.cache.Set(tenantID, t, s.ttl)
	return t, nil
}

func (s *Service) ListActiveIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&tenantdomain.Tenant{}).
		Where("status = ?", tenantdomain.StatusActive).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// Invalidate drops a cached tenant after the provisioning system changes it.
func (s *Service) Invalidate(tenantID string) {
	s.cache.Delete(strings.TrimSpace(tenantID))
}
