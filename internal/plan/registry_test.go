package plan

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadPlansDefaultCatalog(t *testing.T) {
	catalog, err := LoadPlans("")
	require.NoError(t, err)
	require.Contains(t, catalog.Plans, "free")
	require.Contains(t, catalog.Plans, "enterprise")

	free := catalog.Plans["free"]
	events, err := LookupMetric("events")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, free.Limit(events))
	assert.EqualValues(t, Unlimited, catalog.Plans["enterprise"].Limit(events))
}

func TestLoadPlansFromFile(t *testing.T) {
	catalog, err := LoadPlans("testdata/plans.yml")
	require.NoError(t, err)
	assert.Equal(t, "test-1", catalog.Version)

	free := catalog.Plans["free"]
	assert.True(t, free.UnitPrice("events").Equal(decimal.RequireFromString("0.25")))
	assert.True(t, free.UnitPrice("reports").IsZero())

	storage, err := LookupMetric("storage_mb")
	require.NoError(t, err)
	assert.EqualValues(t, 250, free.Limit(storage))
}

func TestDefaultCatalogCapsEveryMetric(t *testing.T) {
	catalog, err := LoadPlans("")
	require.NoError(t, err)
	for id, p := range catalog.Plans {
		for _, m := range Metrics() {
			limit := p.Limit(m)
			assert.True(t, limit == Unlimited || limit > 0, "plan %s metric %s limit %d", id, m.Type, limit)
		}
	}
}

func TestPlanWithoutQuotaGrantsNothing(t *testing.T) {
	storage, err := LookupMetric("storage_mb")
	require.NoError(t, err)
	assert.Zero(t, Plan{ID: "bare"}.Limit(storage))
}

func TestLoadPlansRejectsInvalid(t *testing.T) {
	_, err := LoadPlans("testdata/invalid.yml")
	require.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = LoadPlans("testdata/missing.yml")
	require.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = LoadPlans("testdata/zero_quota.yml")
	require.ErrorIs(t, err, ErrInvalidCatalog)

	_, err = LoadPlans("testdata/partial_quotas.yml")
	require.ErrorIs(t, err, ErrInvalidCatalog)
	assert.Contains(t, err.Error(), "agent_runs_per_month")
}

func TestRegistryUnknownPlan(t *testing.T) {
	r, err := NewRegistry("testdata/plans.yml", zap.NewNop())
	require.NoError(t, err)

	_, err = r.GetPlan("platinum")
	require.ErrorIs(t, err, ErrPlanNotFound)
}

func TestRegistryReturnsCopies(t *testing.T) {
	r, err := NewRegistry("testdata/plans.yml", zap.NewNop())
	require.NoError(t, err)

	p, err := r.GetPlan("free")
	require.NoError(t, err)
	p.Quotas["events_per_day"] = 5

	again, err := r.GetPlan("free")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, again.Quotas["events_per_day"])
}

func TestRegistryReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yml")
	good, err := os.ReadFile("testdata/plans.yml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, good, 0o600))

	r, err := NewRegistry(path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "test-1", r.Version())

	bad, err := os.ReadFile("testdata/invalid.yml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bad, 0o600))

	require.Error(t, r.Reload())
	assert.Equal(t, "test-1", r.Version())
	_, err = r.GetPlan("unlimited")
	require.NoError(t, err)
}

func TestRegistryConcurrentReads(t *testing.T) {
	r, err := NewRegistry("testdata/plans.yml", zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.GetPlan("free")
		}()
		go func() {
			defer wg.Done()
			_ = r.Reload()
		}()
	}
	wg.Wait()
	assert.Equal(t, "test-1", r.Version())
}

func TestLookupMetric(t *testing.T) {
	m, err := LookupMetric(" Events ")
	require.NoError(t, err)
	assert.Equal(t, PeriodDaily, m.Period)

	_, err = LookupMetric("widgets")
	require.ErrorIs(t, err, ErrUnknownMetric)
}
