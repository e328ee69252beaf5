package domain

import (
	"testing"
	"time"

	"github.com/smallbiznis/trustmeter/internal/plan"
	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestBillingCycle(t *testing.T) {
	cases := []struct {
		name      string
		anchor    time.Time
		at        time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"calendar month", time.Time{}, date(2024, 5, 10, 12), date(2024, 5, 1, 0), date(2024, 6, 1, 0)},
		{"mid-month anchor after", date(2023, 1, 15, 9), date(2024, 5, 20, 0), date(2024, 5, 15, 0), date(2024, 6, 15, 0)},
		{"mid-month anchor before", date(2023, 1, 15, 9), date(2024, 5, 3, 0), date(2024, 4, 15, 0), date(2024, 5, 15, 0)},
		{"anchor 31 clamps in february", date(2023, 1, 31, 0), date(2024, 3, 1, 0), date(2024, 2, 29, 0), date(2024, 3, 31, 0)},
		{"on the boundary", date(2023, 1, 15, 0), date(2024, 5, 15, 0), date(2024, 5, 15, 0), date(2024, 6, 15, 0)},
		{"january wraps to december", date(2023, 1, 20, 0), date(2024, 1, 5, 0), date(2023, 12, 20, 0), date(2024, 1, 20, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := BillingCycle(tc.anchor, tc.at)
			assert.Equal(t, tc.wantStart, start)
			assert.Equal(t, tc.wantEnd, end)
		})
	}
}

func TestPeriodWindowDaily(t *testing.T) {
	start, end := PeriodWindow(plan.PeriodDaily, date(2023, 1, 15, 0), date(2024, 5, 10, 23))
	assert.Equal(t, date(2024, 5, 10, 0), start)
	assert.Equal(t, date(2024, 5, 11, 0), end)
}

func TestBuildStatus(t *testing.T) {
	s := BuildStatus("events", 1000, 1000, time.Time{}, time.Time{})
	assert.False(t, s.Exceeded)
	assert.EqualValues(t, 0, s.Remaining)
	assert.InDelta(t, 100, s.Percentage, 1e-9)
	assert.False(t, s.Allowed())

	s = BuildStatus("events", 1001, 1000, time.Time{}, time.Time{})
	assert.True(t, s.Exceeded)
	assert.EqualValues(t, 0, s.Remaining)

	s = BuildStatus("events", 10_000_000, -1, time.Time{}, time.Time{})
	assert.False(t, s.Exceeded)
	assert.True(t, s.Allowed())
	assert.EqualValues(t, -1, s.Remaining)
	assert.Zero(t, s.Percentage)

	s = BuildStatus("events", 1, 0, time.Time{}, time.Time{})
	assert.True(t, s.Exceeded)
	assert.InDelta(t, 100, s.Percentage, 1e-9)

	s = BuildStatus("events", 0, 0, time.Time{}, time.Time{})
	assert.False(t, s.Exceeded)
	assert.False(t, s.Allowed())
}

func TestQuotaMonotonicity(t *testing.T) {
	const limit = int64(50)
	for used := int64(0); used <= 2*limit; used++ {
		s := BuildStatus("api_calls", used, limit, time.Time{}, time.Time{})
		assert.Equal(t, used > limit, s.Exceeded, "used=%d", used)
		assert.False(t, BuildStatus("api_calls", used, plan.Unlimited, time.Time{}, time.Time{}).Exceeded)
	}
}

func TestOverageQuantity(t *testing.T) {
	assert.EqualValues(t, 500, OverageQuantity(1500, 1000))
	assert.EqualValues(t, 0, OverageQuantity(1000, 1000))
	assert.EqualValues(t, 0, OverageQuantity(9999, -1))
}
