package domain

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	IncidentCostPrefix = "incident_cost."
	FreshnessSLOPrefix = "freshness_slo_min."
)

// EventTiming is the part of an event the freshness KPI needs.
type EventTiming struct {
	Source     string
	OccurredAt time.Time
	ReceivedAt time.Time
}

type ComputeInput struct {
	TenantID    string
	Environment string
	WindowStart time.Time
	WindowEnd   time.Time
	Telemetry   []Telemetry
	Events      []EventTiming
	Baselines   []Baseline
	// DefaultFreshness applies to sources without a freshness_slo_min baseline.
	DefaultFreshness time.Duration
}

// Compute derives a snapshot from the rows in [WindowStart, WindowEnd).
// Rows outside the window are ignored. The result depends only on the input.
func Compute(in ComputeInput) MetricsSnapshot {
	ws, we := in.WindowStart.UTC(), in.WindowEnd.UTC()

	telemetry := make([]Telemetry, 0, len(in.Telemetry))
	for _, t := range in.Telemetry {
		if inWindow(t.Timestamp, ws, we) {
			telemetry = append(telemetry, t)
		}
	}
	events := make([]EventTiming, 0, len(in.Events))
	for _, e := range in.Events {
		if inWindow(e.ReceivedAt, ws, we) {
			events = append(events, e)
		}
	}

	return MetricsSnapshot{
		TenantID:         in.TenantID,
		Environment:      in.Environment,
		Timestamp:        we,
		WindowStart:      ws,
		WindowEnd:        we,
		TrustScore:       trustScore(telemetry),
		RiskAvoidedUSD:   riskAvoided(in.Baselines),
		SyncFreshnessPct: syncFreshness(events, in.WindowEnd, in.Baselines, in.DefaultFreshness),
		DriftRatePct:     driftRate(telemetry),
		ComplianceSLAPct: complianceSLA(telemetry),
		TelemetryCount:   len(telemetry),
		EventCount:       len(events),
	}
}

func inWindow(at, start, end time.Time) bool {
	return !at.Before(start) && at.Before(end)
}

func trustScore(rows []Telemetry) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rows {
		sum += r.UptimePct
	}
	return Clamp(sum / float64(len(rows)))
}

func riskAvoided(baselines []Baseline) decimal.Decimal {
	total := decimal.Zero
	for _, b := range baselines {
		if strings.HasPrefix(b.Key, IncidentCostPrefix) {
			total = total.Add(b.Value)
		}
	}
	return total
}

// syncFreshness counts events whose delivery lag fits the source's SLO.
// syncFreshness measures each event's age at the window end, so a recompute of
// the same window always evaluates at the same instant.
func syncFreshness(events []EventTiming, evaluatedAt time.Time, baselines []Baseline, fallback time.Duration) float64 {
	if len(events) == 0 {
		return 0
	}
	slos := make(map[string]time.Duration)
	for _, b := range baselines {
		source, ok := strings.CutPrefix(b.Key, FreshnessSLOPrefix)
		if !ok || source == "" {
			continue
		}
		minutes := b.Value.Mul(decimal.NewFromInt(int64(time.Minute)))
		slos[source] = time.Duration(minutes.IntPart())
	}

	fresh := 0
	for _, e := range events {
		slo, ok := slos[e.Source]
		if !ok {
			slo = fallback
		}
		if evaluatedAt.Sub(e.OccurredAt) <= slo {
			fresh++
		}
	}
	return percent(fresh, len(events))
}

func driftRate(rows []Telemetry) float64 {
	if len(rows) == 0 {
		return 0
	}
	drifted := 0
	for _, r := range rows {
		if r.PolicyViolations > 0 {
			drifted++
		}
	}
	return percent(drifted, len(rows))
}

// complianceSLA is the share of UTC days with telemetry whose violations sum to zero.
func complianceSLA(rows []Telemetry) float64 {
	if len(rows) == 0 {
		return 0
	}
	violations := make(map[string]int64)
	for _, r := range rows {
		day := r.Timestamp.UTC().Format(time.DateOnly)
		violations[day] += r.PolicyViolations
	}
	clean := 0
	for _, v := range violations {
		if v == 0 {
			clean++
		}
	}
	return percent(clean, len(violations))
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return Clamp(float64(n) / float64(total) * 100)
}

// Clamp bounds a percentage to [0, 100]; NaN becomes 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
