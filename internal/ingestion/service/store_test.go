package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/trustmeter/internal/clock"
	"github.com/smallbiznis/trustmeter/internal/config"
	eventdomain "github.com/smallbiznis/trustmeter/internal/event/domain"
	eventservice "github.com/smallbiznis/trustmeter/internal/event/service"
	ingestiondomain "github.com/smallbiznis/trustmeter/internal/ingestion/domain"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newStoreBackedService(t *testing.T) (*Service, *mockUsage, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&eventdomain.Event{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	events := eventservice.NewService(eventservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(receivedAt),
	})
	usage := &mockUsage{}
	svc := NewService(ServiceParam{
		Log: zap.NewNop(),
		Config: config.Config{
			Webhook: config.WebhookConfig{SigningSecret: secret, DefaultEnv: "production"},
			Ingest:  config.IngestConfig{Timeout: time.Second},
		},
		EventSvc: events,
		UsageSvc: usage,
		TenantSvc: fakeTenants{tenants: map[string]tenantdomain.Tenant{
			"acme": {ID: "acme", PlanID: "free", Status: tenantdomain.StatusActive},
		}},
	}).(*Service)
	return svc, usage, db
}

func TestInvalidEnvelopeLeavesNoEventRow(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"unknown metric", `{"kind":"order.created","metric":"bogus"}`, usagedomain.ErrInvalidMetric},
		{"quantity overflow", `{"kind":"order.created","quantity":9223372036854775808}`, ingestiondomain.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, usage, db := newStoreBackedService(t)

			// Redelivery with the same key must fail the same way and still store nothing.
			for i := 0; i < 2; i++ {
				_, err := svc.Handle(context.Background(), signed("acme", tc.body))
				require.ErrorIs(t, err, tc.want)
			}

			var count int64
			require.NoError(t, db.Model(&eventdomain.Event{}).Count(&count).Error)
			assert.Zero(t, count)
			usage.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything)
		})
	}
}

func TestValidEnvelopeStoresOneEvent(t *testing.T) {
	svc, usage, db := newStoreBackedService(t)
	usage.On("RecordUsage", mock.Anything, mock.MatchedBy(func(req usagedomain.RecordRequest) bool {
		return req.MetricType == "api_calls" && req.Quantity == 2
	})).Return(&usagedomain.UsageRecord{}, true, nil).Once()
	usage.On("EnforceQuota", mock.Anything, "acme", "api_calls").
		Return(true, usagedomain.QuotaStatus{MetricType: "api_calls", Limit: 100}, nil).Once()

	res, err := svc.Handle(context.Background(), signed("acme", `{"kind":"order.created","metric":" API_Calls ","quantity":2}`))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	var count int64
	require.NoError(t, db.Model(&eventdomain.Event{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	usage.AssertExpectations(t)
}
