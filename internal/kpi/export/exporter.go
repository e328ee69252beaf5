package export

import (
	"context"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/trustmeter/internal/config"
	kpidomain "github.com/smallbiznis/trustmeter/internal/kpi/domain"
	"go.uber.org/zap"
)

// Exporter publishes the current KPI value per tenant scope.
type Exporter interface {
	Export(ctx context.Context, snapshots []*kpidomain.MetricsSnapshot) error
}

// GaugeExporter keeps one gauge set in a private registry and pushes it whole.
type GaugeExporter struct {
	registry *prometheus.Registry
	pusher   Pusher

	trustScore     *prometheus.GaugeVec
	riskAvoided    *prometheus.GaugeVec
	syncFreshness  *prometheus.GaugeVec
	driftRate      *prometheus.GaugeVec
	complianceSLA  *prometheus.GaugeVec
	snapshotTimeTs *prometheus.GaugeVec
}

func NewGaugeExporter(pusher Pusher) *GaugeExporter {
	labels := []string{"tenant_id", "environment"}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	}
	e := &GaugeExporter{
		registry:       prometheus.NewRegistry(),
		pusher:         pusher,
		trustScore:     gauge("trustmeter_kpi_trust_score", "Mean agent uptime percentage in the latest window."),
		riskAvoided:    gauge("trustmeter_kpi_risk_avoided_usd", "Sum of incident_cost baselines."),
		syncFreshness:  gauge("trustmeter_kpi_sync_freshness_pct", "Events delivered within their freshness SLO."),
		driftRate:      gauge("trustmeter_kpi_drift_rate_pct", "Telemetry rows with policy violations."),
		complianceSLA:  gauge("trustmeter_kpi_compliance_sla_pct", "Days without policy violations."),
		snapshotTimeTs: gauge("trustmeter_kpi_snapshot_timestamp_seconds", "Window end of the exported snapshot."),
	}
	e.registry.MustRegister(e.trustScore, e.riskAvoided, e.syncFreshness, e.driftRate, e.complianceSLA, e.snapshotTimeTs)
	return e
}

func (e *GaugeExporter) Export(ctx context.Context, snapshots []*kpidomain.MetricsSnapshot) error {
	if e == nil || len(snapshots) == 0 {
		return nil
	}
	for _, s := range snapshots {
		if s == nil {
			continue
		}
		lv := []string{s.TenantID, s.Environment}
		e.trustScore.WithLabelValues(lv...).Set(s.TrustScore)
		e.riskAvoided.WithLabelValues(lv...).Set(s.RiskAvoidedUSD.InexactFloat64())
		e.syncFreshness.WithLabelValues(lv...).Set(s.SyncFreshnessPct)
		e.driftRate.WithLabelValues(lv...).Set(s.DriftRatePct)
		e.complianceSLA.WithLabelValues(lv...).Set(s.ComplianceSLAPct)
		e.snapshotTimeTs.WithLabelValues(lv...).Set(float64(s.Timestamp.Unix()))
	}
	if e.pusher == nil {
		return nil
	}
	return e.pusher.Push(ctx, e.registry)
}

// Gatherer exposes the gauge registry, mainly for tests.
func (e *GaugeExporter) Gatherer() prometheus.Gatherer {
	return e.registry
}

// NewExporter builds the exporter from config. Misconfiguration disables
// export with a warning instead of failing startup.
func NewExporter(cfg config.Config, log *zap.Logger) Exporter {
	if log == nil {
		log = zap.NewNop()
	}
	exp := cfg.KPI.Export
	if !exp.Enabled {
		return nil
	}
	if exp.Endpoint == "" {
		log.Warn("kpi export disabled: endpoint is required")
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(exp.Exporter)) {
	case ExporterRemoteWrite:
		if _, err := url.ParseRequestURI(exp.Endpoint); err != nil {
			log.Warn("kpi export disabled: invalid endpoint", zap.Error(err))
			return nil
		}
		return NewGaugeExporter(NewRemoteWritePusher(exp.Endpoint, exp.AuthToken))
	case ExporterPushgateway:
		return NewGaugeExporter(NewPushgatewayPusher(exp.Endpoint, cfg.AppName, map[string]string{
			"environment": strings.TrimSpace(cfg.Environment),
		}))
	default:
		log.Warn("kpi export disabled: unknown exporter", zap.String("exporter", exp.Exporter))
		return nil
	}
}
