package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/trustmeter/internal/clock"
	"github.com/smallbiznis/trustmeter/internal/config"
	eventdomain "github.com/smallbiznis/trustmeter/internal/event/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func setupEventDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&eventdomain.Event{}))
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clk clock.Clock) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Config: config.Config{Ingest: config.IngestConfig{
			Timeout:     5 * time.Second,
			RetryWindow: 10 * time.Minute,
		}},
	}).(*Service)
}

func ingestReq(key string) eventdomain.IngestRequest {
	return eventdomain.IngestRequest{
		TenantID:       "acme",
		Environment:    "production",
		IdempotencyKey: key,
		CorrelationID:  "corr-1",
		Kind:           "order.created",
		Source:         "Shopify Store",
		Payload:        map[string]any{"order_id": "o-1", "total": 12.5},
	}
}

func countEvents(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&eventdomain.Event{}).Count(&n).Error)
	return n
}

func TestIngestIdempotentByKey(t *testing.T) {
	db := setupEventDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(testNow))
	ctx := context.Background()

	first, err := svc.Ingest(ctx, ingestReq("key-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "shopify-store", first.Event.Source)
	assert.Len(t, first.Event.PayloadHash, 64)

	second, err := svc.Ingest(ctx, ingestReq("key-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.EqualValues(t, 1, countEvents(t, db))
}

func TestIngestKeyScopedByEnvironment(t *testing.T) {
	db := setupEventDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(testNow))
	ctx := context.Background()

	prod, err := svc.Ingest(ctx, ingestReq("key-1"))
	require.NoError(t, err)

	req := ingestReq("key-1")
	req.Environment = "Staging"
	staging, err := svc.Ingest(ctx, req)
	require.NoError(t, err)

	assert.False(t, staging.Duplicate)
	assert.NotEqual(t, prod.Event.ID, staging.Event.ID)
	assert.Equal(t, "staging", staging.Event.Environment)
	assert.EqualValues(t, 2, countEvents(t, db))
}

func TestIngestConcurrentSameKeyHasOneWinner(t *testing.T) {
	db := setupEventDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(testNow))
	ctx := context.Background()

	const callers = 8
	results := make([]eventdomain.IngestResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Ingest(ctx, ingestReq("race-key"))
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Event.ID, results[i].Event.ID)
		if !results[i].Duplicate {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.EqualValues(t, 1, countEvents(t, db))
}

func TestIngestWithoutKeyFlagsSuspectedRetry(t *testing.T) {
	db := setupEventDB(t)
	clk := clock.NewFakeClock(testNow)
	svc := newTestService(t, db, clk)
	ctx := context.Background()

	first, err := svc.Ingest(ctx, ingestReq(""))
	require.NoError(t, err)
	assert.Nil(t, first.SuspectedRetryOf)
	assert.Nil(t, first.Event.IdempotencyKey)

	clk.Advance(time.Minute)
	second, err := svc.Ingest(ctx, ingestReq(""))
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	require.NotNil(t, second.SuspectedRetryOf)
	assert.Equal(t, first.Event.ID, *second.SuspectedRetryOf)
	assert.EqualValues(t, 2, countEvents(t, db))

	clk.Advance(time.Hour)
	third, err := svc.Ingest(ctx, ingestReq(""))
	require.NoError(t, err)
	assert.Nil(t, third.SuspectedRetryOf, "outside the retry window")
}

func TestIngestRejectsBeforeWriting(t *testing.T) {
	db := setupEventDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(testNow))
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*eventdomain.IngestRequest)
		want   error
	}{
		{"missing tenant", func(r *eventdomain.IngestRequest) { r.TenantID = "" }, eventdomain.ErrInvalidTenant},
		{"missing environment", func(r *eventdomain.IngestRequest) { r.Environment = " " }, eventdomain.ErrInvalidEnvironment},
		{"missing kind", func(r *eventdomain.IngestRequest) { r.Kind = "" }, eventdomain.ErrInvalidKind},
		{"unusable source", func(r *eventdomain.IngestRequest) { r.Source = "!!!" }, eventdomain.ErrInvalidSource},
		{"nil payload", func(r *eventdomain.IngestRequest) { r.Payload = nil }, eventdomain.ErrInvalidPayload},
		{"unencodable payload", func(r *eventdomain.IngestRequest) { r.Payload = map[string]any{"ch": make(chan int)} }, eventdomain.ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := ingestReq("k")
			tc.mutate(&req)
			_, err := svc.Ingest(ctx, req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.EqualValues(t, 0, countEvents(t, db))
}

func TestIngestClampsFutureOccurredAt(t *testing.T) {
	db := setupEventDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(testNow))

	req := ingestReq("future")
	req.OccurredAt = testNow.Add(time.Hour)
	res, err := svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Event.OccurredAt.Equal(testNow))

	req = ingestReq("past")
	req.OccurredAt = testNow.Add(-time.Hour)
	res, err = svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Event.OccurredAt.Equal(testNow.Add(-time.Hour)))
}

func TestListWindowIsHalfOpen(t *testing.T) {
	db := setupEventDB(t)
	clk := clock.NewFakeClock(testNow)
	svc := newTestService(t, db, clk)
	ctx := context.Background()

	windowStart := testNow
	windowEnd := testNow.Add(time.Hour)

	_, err := svc.Ingest(ctx, ingestReq("at-start"))
	require.NoError(t, err)
	clk.Set(windowEnd)
	_, err = svc.Ingest(ctx, ingestReq("at-end"))
	require.NoError(t, err)

	rows, err := svc.ListWindow(ctx, "acme", "production", windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].ReceivedAt.Equal(windowStart))

	next, err := svc.ListWindow(ctx, "acme", "production", windowEnd, windowEnd.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, next, 1)

	scopes, err := svc.ActiveScopes(ctx, windowStart, windowEnd.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []eventdomain.Scope{{TenantID: "acme", Environment: "production"}}, scopes)
}

func TestIngestStorageFailureIsRetriable(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT "id" FROM "events"`).
		WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})

	svc := newTestService(t, gormDB, clock.NewFakeClock(testNow))
	_, err = svc.Ingest(context.Background(), ingestReq(""))
	require.ErrorIs(t, err, eventdomain.ErrStorageUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPayloadHashIsKeyOrderIndependent(t *testing.T) {
	a, err := PayloadHash(map[string]any{"a": 1, "b": map[string]any{"x": true, "y": "z"}})
	require.NoError(t, err)
	b, err := PayloadHash(map[string]any{"b": map[string]any{"y": "z", "x": true}, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
