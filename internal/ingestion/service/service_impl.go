package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/trustmeter/internal/config"
	eventdomain "github.com/smallbiznis/trustmeter/internal/event/domain"
	ingestiondomain "github.com/smallbiznis/trustmeter/internal/ingestion/domain"
	obscontext "github.com/smallbiznis/trustmeter/internal/observability/context"
	obslogger "github.com/smallbiznis/trustmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"github.com/smallbiznis/trustmeter/internal/plan"
	"github.com/smallbiznis/trustmeter/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/trustmeter/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/trustmeter/internal/usage/domain"
	"github.com/smallbiznis/trustmeter/pkg/signature"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Config     config.Config
	EventSvc   eventdomain.Service
	UsageSvc   usagedomain.Service
	TenantSvc  tenantdomain.Service
	Limiter    *ratelimit.IngestLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

type Service struct {
	log *zap.Logger

	secret     string
	defaultEnv string
	timeout    time.Duration

	eventSvc  eventdomain.Service
	usageSvc  usagedomain.Service
	tenantSvc tenantdomain.Service
	limiter   *ratelimit.IngestLimiter

	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) ingestiondomain.Service {
	return &Service{
		log: p.Log.Named("ingestion.service"),

		secret:     p.Config.Webhook.SigningSecret,
		defaultEnv: p.Config.Webhook.DefaultEnv,
		timeout:    p.Config.Ingest.Timeout,

		eventSvc:  p.EventSvc,
		usageSvc:  p.UsageSvc,
		tenantSvc: p.TenantSvc,
		limiter:   p.Limiter,

		obsMetrics: p.ObsMetrics,
	}
}

// Handle runs one webhook delivery: signature, tenant, rate limit, event
// insert, usage record, quota check. A redelivery with the same idempotency
// key finds the stored event and re-attempts metering without double counting,
// so any error returned here is safe to retry.
func (s *Service) Handle(ctx context.Context, req ingestiondomain.Request) (ingestiondomain.Result, error) {
	start := time.Now()
	res, err := s.handle(ctx, req)
	s.obsMetrics.RecordIngest(ctx, req.Source, ingestOutcome(res, err), time.Since(start))
	return res, err
}

func ingestOutcome(res ingestiondomain.Result, err error) string {
	switch {
	case err != nil:
		var rl *ingestiondomain.RateLimitError
		if errors.As(err, &rl) {
			return "rate_limited"
		}
		return "rejected"
	case res.Duplicate:
		return "duplicate"
	default:
		return "accepted"
	}
}

func (s *Service) handle(ctx context.Context, req ingestiondomain.Request) (ingestiondomain.Result, error) {
	if !signature.Verify(req.Body, req.Signature, s.secret) {
		return ingestiondomain.Result{}, ingestiondomain.ErrUnauthorized
	}

	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return ingestiondomain.Result{}, ingestiondomain.ErrMissingTenant
	}
	environment := strings.TrimSpace(req.Environment)
	if environment == "" {
		environment = s.defaultEnv
	}
	ctx = obscontext.WithTenantID(ctx, tenantID)

	if res := s.limiter.Allow(ctx, tenantID); !res.Allowed {
		return ingestiondomain.Result{}, &ingestiondomain.RateLimitError{RetryAfter: res.RetryAfter}
	}

	payload, env, err := decodeBody(req.Body)
	if err != nil {
		return ingestiondomain.Result{}, err
	}
	kind := env.kind()
	if kind == "" {
		return ingestiondomain.Result{}, ingestiondomain.ErrMissingKind
	}
	quantity, err := env.quantity()
	if err != nil {
		return ingestiondomain.Result{}, err
	}
	metric, err := plan.LookupMetric(env.metric())
	if err != nil {
		return ingestiondomain.Result{}, usagedomain.ErrInvalidMetric
	}

	tenant, err := s.tenantSvc.Get(ctx, tenantID)
	if err != nil {
		return ingestiondomain.Result{}, err
	}
	if !tenant.Active() {
		return ingestiondomain.Result{}, ingestiondomain.ErrTenantInactive
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ingestReq := eventdomain.IngestRequest{
		TenantID:       tenantID,
		Environment:    environment,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		Kind:           kind,
		Source:         req.Source,
		Payload:        payload,
	}
	if env.OccurredAt != nil {
		ingestReq.OccurredAt = env.OccurredAt.UTC()
	}
	ingested, err := s.eventSvc.Ingest(ctx, ingestReq)
	if err != nil {
		return ingestiondomain.Result{}, err
	}
	event := ingested.Event

	result := ingestiondomain.Result{
		EventID:          event.ID,
		Duplicate:        ingested.Duplicate,
		SuspectedRetryOf: ingested.SuspectedRetryOf,
	}

	_, inserted, err := s.usageSvc.RecordUsage(ctx, usagedomain.RecordRequest{
		TenantID:   tenantID,
		MetricType: metric.Type,
		Quantity:   quantity,
		Timestamp:  event.ReceivedAt,
		Metadata: map[string]any{
			"event_id":    event.ID.String(),
			"environment": event.Environment,
			"source":      event.Source,
			"kind":        event.Kind,
		},
		SourceRef: event.ID.String(),
	})
	if err != nil {
		obslogger.WithContext(ctx, s.log).Warn("usage record failed after event insert",
			zap.String("tenant_id", tenantID),
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
		return result, err
	}
	result.UsageRecorded = inserted

	allowed, status, err := s.usageSvc.EnforceQuota(ctx, tenantID, metric.Type)
	if err != nil {
		return result, err
	}
	result.Allowed = allowed
	result.Quota = status

	if !allowed {
		obslogger.WithContext(ctx, s.log).Info("tenant over quota",
			zap.String("tenant_id", tenantID),
			zap.String("metric_type", status.MetricType),
			zap.Int64("used", status.Used),
			zap.Int64("limit", status.Limit),
		)
	}
	return result, nil
}
