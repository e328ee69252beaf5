package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/trustmeter/internal/cache"
	"github.com/smallbiznis/trustmeter/internal/clock"
	"github.com/smallbiznis/trustmeter/internal/config"
	eventdomain "github.com/smallbiznis/trustmeter/internal/event/domain"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	"github.com/smallbiznis/trustmeter/internal/kpi/export"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"github.com/smallbiznis/trustmeter/internal/observability/tracing"
	"github.com/smallbiznis/trustmeter/pkg/db/option"
	"github.com/smallbiznis/trustmeter/pkg/db/pagination"
	"github.com/smallbiznis/trustmeter/pkg/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultConcurrency   = 8
	defaultTenantTimeout = 30 * time.Second
	defaultFreshness     = 60 * time.Minute
	defaultCacheTTL      = 20 * time.Minute
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.Config
	EventSvc      eventdomain.Service
	SnapshotCache cache.Cache[string, kpidomain.MetricsSnapshot] `optional:"true"`
	BaselineCache cache.Cache[string, []kpidomain.Baseline]      `optional:"true"`
	Exporter      export.Exporter                                `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics                            `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID         *snowflake.Node
	clock         clock.Clock
	eventSvc      eventdomain.Service
	snapshotRepo  repository.Repository[kpidomain.MetricsSnapshot]
	telemetryRepo repository.Repository[kpidomain.Telemetry]
	snapshots     cache.Cache[string, kpidomain.MetricsSnapshot]
	baselines     cache.Cache[string, []kpidomain.Baseline]
	exporter      export.Exporter
	obsMetrics    *obsmetrics.Metrics
	validate      *validator.Validate
	tenantLocks   *keyedMutex

	concurrency   int
	tenantTimeout time.Duration
	freshness     time.Duration
	cacheTTL      time.Duration
}

func NewService(p ServiceParam) kpidomain.Service {
	cfg := p.Config.KPI
	svc := &Service{
		db:  p.DB,
		log: p.Log.Named("kpi.service"),

		genID:         p.GenID,
		clock:         p.Clock,
		eventSvc:      p.EventSvc,
		snapshotRepo:  repository.ProvideStore[kpidomain.MetricsSnapshot](p.DB),
		telemetryRepo: repository.ProvideStore[kpidomain.Telemetry](p.DB),
		snapshots:     p.SnapshotCache,
		baselines:     p.BaselineCache,
		exporter:      p.Exporter,
		obsMetrics:    p.ObsMetrics,
		validate:      validator.New(),
		tenantLocks:   newKeyedMutex(),

		concurrency:   cfg.Concurrency,
		tenantTimeout: cfg.TenantTimeout,
		freshness:     cfg.FreshnessGrace,
		cacheTTL:      cfg.CacheTTL,
	}
	if svc.snapshots == nil {
		svc.snapshots = cache.NewTTLCache[string, kpidomain.MetricsSnapshot]()
	}
	if svc.baselines == nil {
		svc.baselines = cache.NewTTLCache[string, []kpidomain.Baseline]()
	}
	if svc.concurrency <= 0 {
		svc.concurrency = defaultConcurrency
	}
	if svc.tenantTimeout <= 0 {
		svc.tenantTimeout = defaultTenantTimeout
	}
	if svc.freshness <= 0 {
		svc.freshness = defaultFreshness
	}
	if svc.cacheTTL <= 0 {
		svc.cacheTTL = defaultCacheTTL
	}
	return svc
}

// ComputeSnapshot reads the window, computes and appends a new snapshot row.
// Runs for the same tenant are serialized; other tenants proceed in parallel.
func (s *Service) ComputeSnapshot(ctx context.Context, tenantID, environment string, windowStart, windowEnd time.Time) (*kpidomain.MetricsSnapshot, error) {
	tenantID, environment, err := normalizeScope(tenantID, environment)
	if err != nil {
		return nil, err
	}
	windowStart, windowEnd = windowStart.UTC(), windowEnd.UTC()
	if !windowEnd.After(windowStart) {
		return nil, kpidomain.ErrInvalidWindow
	}

	unlock, err := s.tenantLocks.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, span := tracing.StartSpan(ctx, "kpi.compute_snapshot",
		attribute.String("environment", environment),
		attribute.String("window_start", windowStart.Format(time.RFC3339)),
	)
	defer span.End()

	input, err := s.loadInput(ctx, tenantID, environment, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	snapshot := kpidomain.Compute(input)
	snapshot.ID = s.genID.Generate()
	snapshot.CreatedAt = s.clock.Now().UTC()

	if err := s.snapshotRepo.Create(ctx, &snapshot); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	s.cacheIfNewer(snapshot)
	return &snapshot, nil
}

// RunWindow computes every tenant scope active in the window. A failing
// tenant is recorded and skipped; it never aborts the others.
func (s *Service) RunWindow(ctx context.Context, windowStart, windowEnd time.Time) (kpidomain.RunSummary, error) {
	windowStart, windowEnd = windowStart.UTC(), windowEnd.UTC()
	summary := kpidomain.RunSummary{WindowStart: windowStart, WindowEnd: windowEnd}
	if !windowEnd.After(windowStart) {
		return summary, kpidomain.ErrInvalidWindow
	}

	scopes, err := s.activeScopes(ctx, windowStart, windowEnd)
	if err != nil {
		return summary, err
	}
	return s.runScopes(ctx, scopes, windowStart, windowEnd), ctx.Err()
}

// RetryFailed re-runs every scope that failed a window starting in
// [since, until) and has not succeeded it since, oldest window first.
func (s *Service) RetryFailed(ctx context.Context, since, until time.Time) ([]kpidomain.RunSummary, error) {
	since, until = since.UTC(), until.UTC()
	if !until.After(since) {
		return nil, nil
	}

	var rows []failedRun
	err := s.db.WithContext(ctx).
		Model(&kpidomain.AggregationRun{}).
		Select("tenant_id, environment, window_start, window_end").
		Where("status = ? AND window_start >= ? AND window_start < ?", kpidomain.RunStatusFailed, since, until).
		Where(`NOT EXISTS (SELECT 1 FROM kpi_aggregation_runs ok
			WHERE ok.tenant_id = kpi_aggregation_runs.tenant_id
			AND ok.environment = kpi_aggregation_runs.environment
			AND ok.window_start = kpi_aggregation_runs.window_start
			AND ok.status = ?)`, kpidomain.RunStatusSucceeded).
		Group("tenant_id, environment, window_start, window_end").
		Order("window_start ASC, tenant_id ASC, environment ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list failed runs: %w", err)
	}

	var summaries []kpidomain.RunSummary
	for i := 0; i < len(rows); {
		j := i
		var scopes []eventdomain.Scope
		for ; j < len(rows) && rows[j].WindowStart.Equal(rows[i].WindowStart); j++ {
			scopes = append(scopes, eventdomain.Scope{TenantID: rows[j].TenantID, Environment: rows[j].Environment})
		}
		summaries = append(summaries, s.runScopes(ctx, scopes, rows[i].WindowStart.UTC(), rows[i].WindowEnd.UTC()))
		if ctx.Err() != nil {
			break
		}
		i = j
	}
	return summaries, ctx.Err()
}

type failedRun struct {
	TenantID    string
	Environment string
	WindowStart time.Time
	WindowEnd   time.Time
}

func (s *Service) runScopes(ctx context.Context, scopes []eventdomain.Scope, windowStart, windowEnd time.Time) kpidomain.RunSummary {
	summary := kpidomain.RunSummary{WindowStart: windowStart, WindowEnd: windowEnd}
	batchID := s.genID.Generate()
	results := make([]runResult, len(scopes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, scope := range scopes {
		g.Go(func() error {
			results[i] = s.runTenant(gctx, batchID, scope, windowStart, windowEnd)
			return nil
		})
	}
	_ = g.Wait()

	var computed []*kpidomain.MetricsSnapshot
	for _, r := range results {
		if r.err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, kpidomain.Failure{
				TenantID:    r.scope.TenantID,
				Environment: r.scope.Environment,
				Error:       r.err.Error(),
			})
			continue
		}
		summary.Succeeded++
		computed = append(computed, r.snapshot)
	}

	s.export(ctx, computed)
	s.log.Info("kpi window aggregated",
		zap.Time("window_start", windowStart),
		zap.Time("window_end", windowEnd),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return summary
}

type runResult struct {
	scope    eventdomain.Scope
	snapshot *kpidomain.MetricsSnapshot
	err      error
}

func (s *Service) runTenant(ctx context.Context, batchID snowflake.ID, scope eventdomain.Scope, windowStart, windowEnd time.Time) runResult {
	started := s.clock.Now().UTC()
	tctx, cancel := context.WithTimeout(ctx, s.tenantTimeout)
	defer cancel()

	snapshot, err := s.ComputeSnapshot(tctx, scope.TenantID, scope.Environment, windowStart, windowEnd)

	run := kpidomain.AggregationRun{
		ID:          s.genID.Generate(),
		BatchID:     batchID,
		TenantID:    scope.TenantID,
		Environment: scope.Environment,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Status:      kpidomain.RunStatusSucceeded,
		DurationMs:  s.clock.Now().Sub(started).Milliseconds(),
		StartedAt:   started,
	}
	if err != nil {
		run.Status = kpidomain.RunStatusFailed
		run.Error = err.Error()
		s.log.Warn("kpi aggregation failed for tenant; its KPIs are stale",
			zap.String("tenant_id", scope.TenantID),
			zap.String("environment", scope.Environment),
			zap.Time("window_start", windowStart),
			zap.Time("window_end", windowEnd),
			zap.Error(err),
		)
	} else {
		run.SnapshotID = &snapshot.ID
	}
	s.obsMetrics.RecordKPITenantRun(ctx, run.Status)

	// The run row is written even if the tenant context expired.
	if rerr := s.db.WithContext(context.WithoutCancel(ctx)).Create(&run).Error; rerr != nil {
		s.log.Warn("record aggregation run failed", zap.String("tenant_id", scope.TenantID), zap.Error(rerr))
	}
	return runResult{scope: scope, snapshot: snapshot, err: err}
}

func (s *Service) Recompute(ctx context.Context, tenantID, environment string, windowStart, windowEnd time.Time) (*kpidomain.MetricsSnapshot, error) {
	if windowEnd.After(s.clock.Now()) {
		return nil, kpidomain.ErrInvalidWindow
	}
	snapshot, err := s.ComputeSnapshot(ctx, tenantID, environment, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	s.log.Info("kpi window recomputed",
		zap.String("tenant_id", snapshot.TenantID),
		zap.String("environment", snapshot.Environment),
		zap.Time("window_start", snapshot.WindowStart),
		zap.Time("window_end", snapshot.WindowEnd),
	)
	return snapshot, nil
}

func (s *Service) Latest(ctx context.Context, tenantID, environment string) (*kpidomain.MetricsSnapshot, error) {
	tenantID, environment, err := normalizeScope(tenantID, environment)
	if err != nil {
		return nil, err
	}
	key := cache.Key(tenantID, environment)
	if cached, ok := s.snapshots.Get(key); ok {
		// Another process may have appended a newer snapshot.
		newest, err := s.latestSnapshotID(ctx, tenantID, environment)
		if err != nil {
			return nil, err
		}
		if newest == cached.ID {
			return &cached, nil
		}
	}

	snapshot, err := s.loadLatest(ctx, tenantID, environment)
	if err != nil {
		return nil, err
	}
	s.snapshots.Set(key, *snapshot, s.cacheTTL)
	return snapshot, nil
}

func (s *Service) History(ctx context.Context, tenantID, environment string, page pagination.Pagination) ([]*kpidomain.MetricsSnapshot, *pagination.PageInfo, error) {
	tenantID, environment, err := normalizeScope(tenantID, environment)
	if err != nil {
		return nil, nil, err
	}
	size := page.Size()
	cursor, err := page.Cursor()
	if err != nil {
		return nil, nil, err
	}

	opts := []option.QueryOption{
		option.WithOrder("snapshot_at", true),
		option.WithOrder("id", true),
		option.WithLimit(size + 1),
	}
	if cursor != nil {
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, pagination.ErrInvalidPageToken
		}
		opts = append(opts, option.WithWhere("(snapshot_at < ? OR (snapshot_at = ? AND id < ?))", cursor.At, cursor.At, id))
	}

	rows, err := s.snapshotRepo.Find(ctx, &kpidomain.MetricsSnapshot{TenantID: tenantID, Environment: environment}, opts...)
	if err != nil {
		return nil, nil, err
	}
	rows, info := pagination.Page(rows, size, func(m *kpidomain.MetricsSnapshot) pagination.Cursor {
		return pagination.Cursor{ID: m.ID.String(), At: m.Timestamp}
	})
	return rows, info, nil
}

// RefreshLatest reloads the newest snapshot of every scope into the read
// cache and re-exports them.
func (s *Service) RefreshLatest(ctx context.Context) (int, error) {
	var scopes []eventdomain.Scope
	err := s.db.WithContext(ctx).
		Model(&kpidomain.MetricsSnapshot{}).
		Distinct("tenant_id", "environment").
		Scan(&scopes).Error
	if err != nil {
		return 0, err
	}

	latest := make([]*kpidomain.MetricsSnapshot, 0, len(scopes))
	for _, scope := range scopes {
		if err := ctx.Err(); err != nil {
			return len(latest), err
		}
		snapshot, err := s.loadLatest(ctx, scope.TenantID, scope.Environment)
		if err != nil {
			if errors.Is(err, kpidomain.ErrSnapshotNotFound) {
				continue
			}
			return len(latest), err
		}
		s.snapshots.Set(cache.Key(scope.TenantID, scope.Environment), *snapshot, s.cacheTTL)
		latest = append(latest, snapshot)
	}
	s.export(ctx, latest)
	return len(latest), nil
}

func (s *Service) RecordTelemetry(ctx context.Context, req kpidomain.TelemetryRequest) (*kpidomain.Telemetry, error) {
	tenantID, environment, err := normalizeScope(req.TenantID, req.Environment)
	if err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", kpidomain.ErrInvalidTelemetry, err)
	}

	now := s.clock.Now().UTC()
	ts := req.Timestamp.UTC()
	if req.Timestamp.IsZero() || ts.After(now) {
		ts = now
	}
	row := &kpidomain.Telemetry{
		ID:               s.genID.Generate(),
		TenantID:         tenantID,
		Environment:      environment,
		AgentID:          strings.TrimSpace(req.AgentID),
		Timestamp:        ts,
		LatencyMs:        req.LatencyMs,
		ErrorCount:       req.ErrorCount,
		PolicyViolations: req.PolicyViolations,
		UptimePct:        req.UptimePct,
		CreatedAt:        now,
	}
	if err := s.telemetryRepo.Create(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) export(ctx context.Context, snapshots []*kpidomain.MetricsSnapshot) {
	if s.exporter == nil || len(snapshots) == 0 {
		return
	}
	if err := s.exporter.Export(ctx, snapshots); err != nil {
		s.log.Warn("kpi export failed", zap.Int("snapshots", len(snapshots)), zap.Error(err))
	}
}

func (s *Service) loadInput(ctx context.Context, tenantID, environment string, windowStart, windowEnd time.Time) (kpidomain.ComputeInput, error) {
	rows, err := s.telemetryRepo.Find(ctx,
		&kpidomain.Telemetry{TenantID: tenantID, Environment: environment},
		option.WithWhere("observed_at >= ? AND observed_at < ?", windowStart, windowEnd),
		option.WithOrder("observed_at", false),
	)
	if err != nil {
		return kpidomain.ComputeInput{}, fmt.Errorf("load telemetry: %w", err)
	}
	telemetry := make([]kpidomain.Telemetry, 0, len(rows))
	for _, row := range rows {
		telemetry = append(telemetry, *row)
	}

	observations, err := s.eventSvc.ListWindow(ctx, tenantID, environment, windowStart, windowEnd)
	if err != nil {
		return kpidomain.ComputeInput{}, fmt.Errorf("load events: %w", err)
	}
	events := make([]kpidomain.EventTiming, 0, len(observations))
	for _, o := range observations {
		events = append(events, kpidomain.EventTiming{Source: o.Source, OccurredAt: o.OccurredAt, ReceivedAt: o.ReceivedAt})
	}

	baselines, err := s.ListBaselines(ctx, tenantID, environment)
	if err != nil {
		return kpidomain.ComputeInput{}, fmt.Errorf("load baselines: %w", err)
	}

	return kpidomain.ComputeInput{
		TenantID:         tenantID,
		Environment:      environment,
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		Telemetry:        telemetry,
		Events:           events,
		Baselines:        baselines,
		DefaultFreshness: s.freshness,
	}, nil
}

func (s *Service) loadLatest(ctx context.Context, tenantID, environment string) (*kpidomain.MetricsSnapshot, error) {
	snapshot, err := s.snapshotRepo.FindOne(ctx,
		&kpidomain.MetricsSnapshot{TenantID: tenantID, Environment: environment},
		option.WithOrder("snapshot_at", true),
		option.WithOrder("created_at", true),
		option.WithOrder("id", true),
	)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, kpidomain.ErrSnapshotNotFound
	}
	return snapshot, nil
}

// latestSnapshotID orders the same way loadLatest does; zero means no rows.
func (s *Service) latestSnapshotID(ctx context.Context, tenantID, environment string) (snowflake.ID, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&kpidomain.MetricsSnapshot{}).
		Where("tenant_id = ? AND environment = ?", tenantID, environment).
		Order("snapshot_at DESC, created_at DESC, id DESC").
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return snowflake.ID(ids[0]), nil
}

// cacheIfNewer keeps recomputations of old windows from replacing the latest value.
func (s *Service) cacheIfNewer(snapshot kpidomain.MetricsSnapshot) {
	key := cache.Key(snapshot.TenantID, snapshot.Environment)
	if cached, ok := s.snapshots.Get(key); ok && cached.Timestamp.After(snapshot.Timestamp) {
		return
	}
	s.snapshots.Set(key, snapshot, s.cacheTTL)
}

// activeScopes is every tenant/environment with events, telemetry or baselines.
func (s *Service) activeScopes(ctx context.Context, windowStart, windowEnd time.Time) ([]eventdomain.Scope, error) {
	fromEvents, err := s.eventSvc.ActiveScopes(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("event scopes: %w", err)
	}

	var fromTelemetry []eventdomain.Scope
	err = s.db.WithContext(ctx).
		Model(&kpidomain.Telemetry{}).
		Distinct("tenant_id", "environment").
		Where("observed_at >= ? AND observed_at < ?", windowStart, windowEnd).
		Scan(&fromTelemetry).Error
	if err != nil {
		return nil, fmt.Errorf("telemetry scopes: %w", err)
	}

	var fromBaselines []eventdomain.Scope
	err = s.db.WithContext(ctx).
		Model(&kpidomain.Baseline{}).
		Distinct("tenant_id", "environment").
		Scan(&fromBaselines).Error
	if err != nil {
		return nil, fmt.Errorf("baseline scopes: %w", err)
	}

	seen := make(map[eventdomain.Scope]struct{})
	var scopes []eventdomain.Scope
	for _, group := range [][]eventdomain.Scope{fromEvents, fromTelemetry, fromBaselines} {
		for _, scope := range group {
			if _, ok := seen[scope]; ok {
				continue
			}
			seen[scope] = struct{}{}
			scopes = append(scopes, scope)
		}
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].TenantID != scopes[j].TenantID {
			return scopes[i].TenantID < scopes[j].TenantID
		}
		return scopes[i].Environment < scopes[j].Environment
	})
	return scopes, nil
}

func normalizeScope(tenantID, environment string) (string, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", "", kpidomain.ErrInvalidTenant
	}
	environment = strings.ToLower(strings.TrimSpace(environment))
	if environment == "" {
		return "", "", kpidomain.ErrInvalidEnvironment
	}
	return tenantID, environment, nil
}
