package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/trustmeter/internal/observability/context"
	obslogger "github.com/smallbiznis/trustmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"github.com/smallbiznis/trustmeter/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// jobRun tracks one execution of a job for the start/finish log pair.
type jobRun struct {
	job       string
	runID     string
	tick      Tick
	startedAt time.Time
	processed map[string]int
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) addProcessed(resource string, count int) {
	if r == nil || count <= 0 {
		return
	}
	if r.processed == nil {
		r.processed = make(map[string]int)
	}
	r.processed[resource] += count
}

func (r *jobRun) total() int {
	n := 0
	for _, c := range r.processed {
		n += c
	}
	return n
}

func (r *jobRun) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.runID),
	}
	if !r.tick.Scheduled.IsZero() {
		fields = append(fields,
			zap.Time("scheduled_at", r.tick.Scheduled),
			zap.Int64("lag_ms", r.startedAt.Sub(r.tick.Scheduled).Milliseconds()),
		)
	}
	if r.tick.CatchUp {
		fields = append(fields, zap.Bool("catch_up", true))
	}
	return fields
}

// startJobRun stamps the run id as request and correlation id so that rows
// and outbound calls made by the job can be traced back to this run.
func (s *Scheduler) startJobRun(ctx context.Context, job string, tick Tick) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		tick:      tick,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithRequestID(ctx, run.runID)
	ctx = correlation.ContextWithCorrelationID(ctx, run.runID)
	return ctx, run
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

// AddProcessed lets a job report how many items of resource it handled.
func AddProcessed(ctx context.Context, resource string, count int) {
	run := jobRunFromContext(ctx)
	if run == nil {
		return
	}
	run.addProcessed(resource, count)
	obsmetrics.Scheduler().AddBatchProcessed(run.job, resource, count)
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start", run.fields()...)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := append(run.fields(),
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.total()),
		zap.Int("error_count", run.errors),
	)
	if len(run.processed) > 0 {
		fields = append(fields, zap.Any("processed", run.processed))
	}
	log := s.logger(ctx)
	if run.errors > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

// logJobError records a per-item failure without failing the whole run.
func (s *Scheduler) logJobError(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run := jobRunFromContext(ctx); run != nil {
		run.errors++
	}
	base := []zap.Field{
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}
	s.logger(ctx).Error(msg, append(base, fields...)...)
}
