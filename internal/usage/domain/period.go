package domain

import (
	"time"

	"github.com/smallbiznis/trustmeter/internal/plan"
)

// PeriodWindow returns the half-open [start, end) window containing at.
// Daily windows start at UTC midnight. Monthly windows start on the tenant's
// billing anchor day, clamped to the month length.
func PeriodWindow(period plan.Period, anchor, at time.Time) (time.Time, time.Time) {
	if period == plan.PeriodDaily {
		return DayWindow(at)
	}
	return BillingCycle(anchor, at)
}

func DayWindow(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// BillingCycle returns the monthly cycle containing at. A zero anchor means calendar months.
func BillingCycle(anchor, at time.Time) (time.Time, time.Time) {
	day := 1
	if !anchor.IsZero() {
		day = anchor.UTC().Day()
	}
	at = at.UTC()

	start := anchorDate(at.Year(), at.Month(), day)
	if start.After(at) {
		start = anchorDate(at.Year(), at.Month()-1, day)
	}
	end := anchorDate(start.Year(), start.Month()+1, day)
	return start, end
}

func anchorDate(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// BuildStatus derives quota fields from a used total and a plan limit.
func BuildStatus(metricType string, used, limit int64, start, end time.Time) QuotaStatus {
	status := QuotaStatus{
		MetricType:  metricType,
		Used:        used,
		Limit:       limit,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if limit < 0 {
		status.Limit = plan.Unlimited
		status.Remaining = -1
		return status
	}

	status.Exceeded = used > limit
	if remaining := limit - used; remaining > 0 {
		status.Remaining = remaining
	}
	switch {
	case limit > 0:
		status.Percentage = float64(used) / float64(limit) * 100
	case used > 0:
		status.Percentage = 100
	}
	return status
}

// Overage is the quantity above the limit; unlimited plans never overrun.
func OverageQuantity(used, limit int64) int64 {
	if limit < 0 || used <= limit {
		return 0
	}
	return used - limit
}
