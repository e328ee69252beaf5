package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const dateOnlyLayout = "2006-01-02"

// windowQuery is the [window_start, window_end) pair accepted by the KPI
// endpoints. Bare dates are read as UTC midnight.
type windowQuery struct {
	Start time.Time
	End   time.Time
}

func bindWindowQuery(c *gin.Context) (windowQuery, error) {
	start, err := requiredTimeQuery(c, "window_start")
	if err != nil {
		return windowQuery{}, err
	}
	end, err := requiredTimeQuery(c, "window_end")
	if err != nil {
		return windowQuery{}, err
	}
	if !end.After(start) {
		return windowQuery{}, newValidationError("window_end", "invalid_window", "window_end must be after window_start")
	}
	return windowQuery{Start: start, End: end}, nil
}

func requiredTimeQuery(c *gin.Context, key string) (time.Time, error) {
	parsed, ok := parseTime(c.Query(key))
	if !ok {
		return time.Time{}, newValidationError(key, "invalid_time", "RFC3339 time or date required")
	}
	return parsed, nil
}

func parseTime(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, false
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed.UTC(), true
	}
	if parsed, err := time.ParseInLocation(dateOnlyLayout, trimmed, time.UTC); err == nil {
		return parsed, true
	}
	return time.Time{}, false
}
