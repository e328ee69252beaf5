package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/trustmeter/internal/cache"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTenantDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tenantdomain.Tenant{}))
	return db
}

func TestGetCachesUntilInvalidated(t *testing.T) {
	db := setupTenantDB(t)
	now := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&tenantdomain.Tenant{
		ID: "acme", Name: "Acme", PlanID: "free", BillingAnchor: now,
		Status: tenantdomain.StatusActive, CreatedAt: now, UpdatedAt: now,
	}).Error)

	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop()})
	ctx := context.Background()

	got, err := svc.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "free", got.PlanID)

	require.NoError(t, db.Model(&tenantdomain.Tenant{}).Where("id = ?", "acme").Update("plan_id", "growth").Error)
	got, err = svc.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "free", got.PlanID, "served from cache")

	svc.Invalidate("acme")
	got, err = svc.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "growth", got.PlanID)
}

func TestGetWithNoopCacheReadsThrough(t *testing.T) {
	db := setupTenantDB(t)
	now := time.Now().UTC()
	require.NoError(t, db.Create(&tenantdomain.Tenant{
		ID: "acme", Name: "Acme", PlanID: "free", BillingAnchor: now, Status: tenantdomain.StatusActive,
		CreatedAt: now, UpdatedAt: now,
	}).Error)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Cache: cache.NewNoopCache[string, tenantdomain.Tenant](),
	})
	require.NoError(t, db.Model(&tenantdomain.Tenant{}).Where("id = ?", "acme").Update("plan_id", "starter").Error)
	got, err := svc.Get(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, "starter", got.PlanID)
}

func TestGetErrors(t *testing.T) {
	svc := NewService(ServiceParam{DB: setupTenantDB(t), Log: zap.NewNop()})

	_, err := svc.Get(context.Background(), " ")
	require.ErrorIs(t, err, tenantdomain.ErrInvalidTenant)

	_, err = svc.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)
}

func TestListActiveIDs(t *testing.T) {
	db := setupTenantDB(t)
	now := time.Now().UTC()
	for _, tn := range []tenantdomain.Tenant{
		{ID: "b", Name: "B", PlanID: "free", Status: tenantdomain.StatusActive},
		{ID: "a", Name: "A", PlanID: "free", Status: tenantdomain.StatusActive},
		{ID: "c", Name: "C", PlanID: "free", Status: tenantdomain.StatusSuspended},
	} {
		tn.BillingAnchor, tn.CreatedAt, tn.UpdatedAt = now, now, now
		require.NoError(t, db.Create(&tn).Error)
	}

	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop()})
	ids, err := svc.ListActiveIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}
