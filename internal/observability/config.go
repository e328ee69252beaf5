package observability

import (
	"strings"

	"github.com/smallbiznis/trustmeter/internal/config"
)

// Config is the slice of application config the telemetry providers need.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	PrometheusMetrics bool
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "trustmeter"
	}
	obs := cfg.Observability
	ratio := obs.OtelSamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             obs.LogLevel,
		LogFormat:            obs.LogFormat,
		OtelEnabled:          obs.OtelEnabled,
		OtelExporterEndpoint: obs.OtelEndpoint,
		OtelExporterProtocol: obs.OtelProtocol,
		OtelSamplingRatio:    ratio,
		PrometheusMetrics:    obs.PrometheusMetrics,
	}
}

// Debug turns on request/response body logging and stack traces.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
