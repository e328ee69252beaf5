package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string

	// Prometheus exposes domain instruments through the client_golang
	// registry. Registerer defaults to prometheus.DefaultRegisterer.
	Prometheus bool
	Registerer prometheus.Registerer
}

// Metrics exposes application-level instruments.
type Metrics struct {
	eventsIngested     metric.Int64Counter
	eventsDuplicated   metric.Int64Counter
	usageRecorded      metric.Int64Counter
	quotaDenied        metric.Int64Counter
	quotaNotifications metric.Int64Counter
	kpiTenantRuns      metric.Int64Counter
	billingDispatch    metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
	ingestDuration     metric.Float64Histogram
}

// NewProvider builds the meter provider. Domain instruments are read by the
// OTLP exporter when enabled and by a Prometheus reader on the default
// registry, so they show up on /metrics next to the HTTP and scheduler
// collectors.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	var opts []sdkmetric.Option
	if cfg.Enabled {
		exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))))
	}
	if cfg.Prometheus {
		reader, err := otelprom.New(otelprom.WithRegisterer(registerer(cfg)))
		if err != nil {
			return nil, fmt.Errorf("prometheus reader: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	if len(opts) == 0 {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.StopHook(provider.Shutdown))
	}
	if log != nil {
		log.Info("metrics initialized",
			zap.Bool("otlp", cfg.Enabled),
			zap.Bool("prometheus", cfg.Prometheus),
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

func registerer(cfg Config) prometheus.Registerer {
	if cfg.Registerer != nil {
		return cfg.Registerer
	}
	return prometheus.DefaultRegisterer
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "trustmeter"
	}
	meter := provider.Meter(name)
	m := &Metrics{}

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.eventsIngested, "trustmeter_events_ingested_total", "Events stored from adapter webhooks."},
		{&m.eventsDuplicated, "trustmeter_events_duplicate_total", "Redeliveries answered from an existing event."},
		{&m.usageRecorded, "trustmeter_usage_recorded_total", "Usage units appended to the ledger."},
		{&m.quotaDenied, "trustmeter_quota_denied_total", "Quota checks that refused the next unit."},
		{&m.quotaNotifications, "trustmeter_quota_notifications_total", "Threshold notifications persisted."},
		{&m.kpiTenantRuns, "trustmeter_kpi_tenant_runs_total", "Per-tenant KPI aggregation runs by status."},
		{&m.billingDispatch, "trustmeter_billing_dispatch_total", "Usage report deliveries to the billing provider."},
		{&m.rateLimitAllowed, "trustmeter_rate_limit_allowed_total", "Requests admitted by the rate limiter."},
		{&m.rateLimitDenied, "trustmeter_rate_limit_denied_total", "Requests refused by the rate limiter."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.target = counter
	}

	hist, err := meter.Float64Histogram("trustmeter_ingest_duration_seconds",
		metric.WithDescription("Webhook handling latency from signature check to quota evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("histogram ingest duration: %w", err)
	}
	m.ingestDuration = hist
	return m, nil
}

// NewNoop returns instruments backed by a no-op provider, for tests and tools.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordEventIngested counts stored events; duplicates are counted separately.
func (m *Metrics) RecordEventIngested(ctx context.Context, source string, duplicate bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	if duplicate {
		m.eventsDuplicated.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.eventsIngested.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordUsage(ctx context.Context, metricType string, quantity int64) {
	if m == nil || quantity <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("metric_type", strings.TrimSpace(metricType)))
	m.usageRecorded.Add(ctx, quantity, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordQuotaDenied(ctx context.Context, metricType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("metric_type", strings.TrimSpace(metricType)))
	m.quotaDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaNotification counts persisted threshold notifications by level.
func (m *Metrics) RecordQuotaNotification(ctx context.Context, metricType, level string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("metric_type", strings.TrimSpace(metricType)),
		attribute.String("level", strings.TrimSpace(level)),
	)
	m.quotaNotifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordKPITenantRun(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.kpiTenantRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordBillingDispatch(ctx context.Context, provider, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.billingDispatch.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordIngest observes one webhook delivery. outcome is a low-cardinality
// label such as accepted, duplicate or rejected.
func (m *Metrics) RecordIngest(ctx context.Context, source, outcome string, elapsed time.Duration) {
	if m == nil || m.ingestDuration == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", strings.TrimSpace(source)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.ingestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// tenant_id is never a label.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"source":      {},
	"metric_type": {},
	"level":       {},
	"status":      {},
	"provider":    {},
	"reason":      {},
	"outcome":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
