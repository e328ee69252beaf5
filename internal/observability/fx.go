package observability

import (
	"github.com/smallbiznis/trustmeter/internal/observability/logger"
	"github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"github.com/smallbiznis/trustmeter/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Module wires logging, tracing and metrics from one Config. fx's own
// lifecycle events go through the service logger.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.loggerConfig,
		logger.New,
		Config.tracingConfig,
		tracing.NewProvider,
		Config.metricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	}),
	fx.Invoke(announce),
)

func (c Config) loggerConfig() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) tracingConfig() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) metricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
		Prometheus:       c.PrometheusMetrics,
	}
}

// announce forces the tracer provider and scheduler metrics into existence
// and logs what telemetry is active.
func announce(log *zap.Logger, cfg Config, mcfg metrics.Config, _ *sdktrace.TracerProvider) {
	metrics.SchedulerWithConfig(mcfg)
	log.Info("observability configured",
		zap.String("log_level", cfg.LogLevel),
		zap.String("log_format", cfg.LogFormat),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.Bool("prometheus_metrics", cfg.PrometheusMetrics),
		zap.String("otel_protocol", cfg.OtelExporterProtocol),
		zap.Float64("otel_sampling_ratio", cfg.OtelSamplingRatio),
	)
}
