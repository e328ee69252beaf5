package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonConnection           = "connection"
	SchedulerJobReasonUnknown              = "unknown"
)

const (
	SchedulerSkipReasonRunning  = "already_running"
	SchedulerSkipReasonLockHeld = "lock_held"
	SchedulerSkipReasonDisabled = "disabled"
)

// SchedulerMetrics captures job health signals for the background scheduler.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobSkipped     *prometheus.CounterVec
	jobCatchUps    *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	lastSuccess    *prometheus.GaugeVec
	runLoopLag     prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "trustmeter"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SchedulerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "trustmeter_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "trustmeter_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "trustmeter_scheduler_job_timeouts_total",
			Help:        "Scheduler job runs that hit their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "trustmeter_scheduler_job_errors_total",
			Help:        "Scheduler job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "trustmeter_scheduler_job_skipped_total",
			Help:        "Scheduler ticks that did not start a run.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobCatchUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "trustmeter_scheduler_job_catchups_total",
			Help:        "Catch-up runs triggered for ticks missed while the process was down.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "trustmeter_scheduler_batch_processed_total",
			Help:        "Items processed by scheduler jobs.",
			ConstLabels: constLabels,
		}, []string{"job", "resource"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "trustmeter_scheduler_job_last_success_timestamp_seconds",
			Help:        "Unix time of the last successful run per job.",
			ConstLabels: constLabels,
		}, []string{"job"}),
	}
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "trustmeter_scheduler_runloop_lag_seconds",
		Help:        "Delay between a job's due time and its start.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	m.runLoopLag = runLoopLag

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.jobSkipped,
		m.jobCatchUps,
		m.batchProcessed,
		m.lastSuccess,
		runLoopLag,
	)
	return m
}

// IncJobRun increments the run counter for a scheduler job.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the scheduler job.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the scheduler job error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// IncJobSkipped counts ticks that were coalesced or yielded to another replica.
func (m *SchedulerMetrics) IncJobSkipped(job, reason string) {
	if m == nil || m.jobSkipped == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job, reason).Inc()
}

func (m *SchedulerMetrics) IncJobCatchUp(job string) {
	if m == nil || m.jobCatchUps == nil {
		return
	}
	m.jobCatchUps.WithLabelValues(job).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SchedulerMetrics) SetLastSuccess(job string, at time.Time) {
	if m == nil || m.lastSuccess == nil {
		return
	}
	m.lastSuccess.WithLabelValues(job).Set(float64(at.Unix()))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the scheduler error should be retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps scheduler job errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if isDBLockTimeout(err) {
		return SchedulerJobReasonDBLockTimeout
	}
	if isSerializationFailure(err) {
		return SchedulerJobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return SchedulerJobReasonUniqueViolation
	}
	if IsConnectionError(err) {
		return SchedulerJobReasonConnection
	}
	return SchedulerJobReasonUnknown
}

// IsConnectionError reports PostgreSQL connection class failures (SQLSTATE 08xxx, 57P0x).
func IsConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	return IsConnectionError(err)
}
