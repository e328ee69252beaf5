package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next due time strictly after the given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

type intervalSchedule struct {
	every time.Duration
}

// Every fires on multiples of d since the Unix epoch, so an hourly job is due
// at the top of each hour regardless of when the process started.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		d = time.Minute
	}
	return intervalSchedule{every: d}
}

func (s intervalSchedule) Next(after time.Time) time.Time {
	return after.UTC().Truncate(s.every).Add(s.every)
}

type cronSchedule struct {
	spec cron.Schedule
}

// Daily fires once a day at hour:minute UTC.
func Daily(hour, minute int) Schedule {
	s, err := Cron(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		panic(err)
	}
	return s
}

// Cron parses a standard five-field crontab expression evaluated in UTC.
func Cron(spec string) (Schedule, error) {
	parsed, err := cron.ParseStandard("CRON_TZ=UTC " + spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return cronSchedule{spec: parsed}, nil
}

func (s cronSchedule) Next(after time.Time) time.Time {
	return s.spec.Next(after.UTC()).UTC()
}

// lastDue returns the latest due time in (after, now], or zero when none.
func lastDue(s Schedule, after, now time.Time) time.Time {
	const maxSteps = 100000
	var last time.Time
	t := s.Next(after)
	for i := 0; i < maxSteps && !t.After(now); i++ {
		last = t
		t = s.Next(t)
	}
	return last
}
