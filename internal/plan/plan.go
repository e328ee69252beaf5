package plan

import (
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Unlimited is the quota sentinel for metrics without a cap.
const Unlimited int64 = -1

var (
	ErrPlanNotFound     = errors.New("plan_not_found")
	ErrUnknownMetric    = errors.New("unknown_metric_type")
	ErrInvalidCatalog   = errors.New("invalid_plan_catalog")
	ErrCatalogNotLoaded = errors.New("plan_catalog_not_loaded")
)

// Period is the window a quota limit applies to.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Metric describes a metered usage type and the plan quota that caps it.
type Metric struct {
	Type     string
	QuotaKey string
	Period   Period
}

var metrics = map[string]Metric{
	"events":      {Type: "events", QuotaKey: "events_per_day", Period: PeriodDaily},
	"api_calls":   {Type: "api_calls", QuotaKey: "api_calls_per_month", Period: PeriodMonthly},
	"agent_runs":  {Type: "agent_runs", QuotaKey: "agent_runs_per_month", Period: PeriodMonthly},
	"reports":     {Type: "reports", QuotaKey: "reports_per_month", Period: PeriodMonthly},
	"connectors":  {Type: "connectors", QuotaKey: "connector_syncs_per_month", Period: PeriodMonthly},
	"storage_mb":  {Type: "storage_mb", QuotaKey: "storage_mb_per_month", Period: PeriodMonthly},
	"policy_runs": {Type: "policy_runs", QuotaKey: "policy_runs_per_day", Period: PeriodDaily},
}

// LookupMetric resolves a metric type; unknown types are rejected.
func LookupMetric(metricType string) (Metric, error) {
	m, ok := metrics[strings.ToLower(strings.TrimSpace(metricType))]
	if !ok {
		return Metric{}, ErrUnknownMetric
	}
	return m, nil
}

// Metrics returns the metric catalog sorted by type.
func Metrics() []Metric {
	out := make([]Metric, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func isQuotaKey(key string) bool {
	for _, m := range metrics {
		if m.QuotaKey == key {
			return true
		}
	}
	return false
}

// Plan is immutable after load. Callers receive copies.
type Plan struct {
	ID            string
	Name          string
	PriceMonthly  decimal.Decimal
	PriceAnnual   decimal.Decimal
	Quotas        map[string]int64
	OveragePrices map[string]decimal.Decimal
	Features      []string
}

// Limit returns the quota for a metric. Loaded plans carry every quota; a
// missing one reads as zero so nothing is granted by omission.
func (p Plan) Limit(m Metric) int64 {
	return p.Quotas[m.QuotaKey]
}

// UnitPrice is the overage price per unit for a metric type, zero when unpriced.
func (p Plan) UnitPrice(metricType string) decimal.Decimal {
	if price, ok := p.OveragePrices[metricType]; ok {
		return price
	}
	return decimal.Zero
}

func (p Plan) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

func (p Plan) clone() Plan {
	out := p
	out.Quotas = make(map[string]int64, len(p.Quotas))
	for k, v := range p.Quotas {
		out.Quotas[k] = v
	}
	out.OveragePrices = make(map[string]decimal.Decimal, len(p.OveragePrices))
	for k, v := range p.OveragePrices {
		out.OveragePrices[k] = v
	}
	out.Features = append([]string(nil), p.Features...)
	return out
}

// Catalog is one loaded version of the plan file.
type Catalog struct {
	Version string
	Source  string
	Plans   map[string]Plan
}
