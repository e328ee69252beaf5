package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/trustmeter/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the zap logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
	Debug       bool

	// Sampling applies per message per window; zero values take defaults.
	SamplingInitial    int
	SamplingThereafter int
	SamplingWindow     time.Duration

	IncludeCaller       bool
	IncludeStackOnError bool
}

func (c Config) samplerArgs() (time.Duration, int, int) {
	window, initial, thereafter := c.SamplingWindow, c.SamplingInitial, c.SamplingThereafter
	if window <= 0 {
		window = time.Second
	}
	if initial <= 0 {
		initial = 100
	}
	if thereafter <= 0 {
		thereafter = 100
	}
	return window, initial, thereafter
}

// New builds the process logger: JSON (or console) to stdout, secrets
// scrubbed, bursts sampled. It also becomes zap's global logger.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	levelText := strings.TrimSpace(cfg.Level)
	if levelText == "" {
		levelText = "info"
	}
	level, err := zapcore.ParseLevel(levelText)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelText, err)
	}

	core := redact(zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(level)))
	window, initial, thereafter := cfg.samplerArgs()
	core = zapcore.NewSamplerWithOptions(core, window, initial, thereafter)

	opts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if cfg.IncludeCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.IncludeStackOnError {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "trustmeter"
	}
	log := zap.New(core, opts...).With(
		zap.String("service", serviceName),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
		zap.String("version", strings.TrimSpace(cfg.Version)),
	)
	zap.ReplaceGlobals(log)

	if lc != nil {
		lc.Append(fx.StopHook(func() {
			_ = log.Sync()
		}))
	}
	return log, nil
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}

// FromContext is WithContext on the global logger.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext adds the request, tenant, correlation and trace identifiers
// carried by ctx. Empty identifiers are omitted.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.L()
	}
	if ctx == nil {
		return base
	}

	var fields []zap.Field
	add := func(key, value string) {
		if value != "" {
			fields = append(fields, zap.String(key, value))
		}
	}
	add("request_id", obscontext.RequestIDFromContext(ctx))
	add("tenant_id", obscontext.TenantIDFromContext(ctx))
	add("environment", obscontext.EnvironmentFromContext(ctx))
	add("correlation_id", obscontext.CorrelationIDFromContext(ctx))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		add("trace_id", sc.TraceID().String())
		add("span_id", sc.SpanID().String())
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
