package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/trustmeter/internal/clock"
	obsmetrics "github.com/smallbiznis/trustmeter/internal/observability/metrics"
	"github.com/smallbiznis/trustmeter/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrInvalidJob    = errors.New("invalid_job")
	ErrDuplicateJob  = errors.New("duplicate_job")
)

// Tick describes one invocation. Previous is the last scheduled time that
// completed successfully, zero when unknown.
type Tick struct {
	Scheduled time.Time
	Previous  time.Time
	CatchUp   bool
}

type Job struct {
	Name     string
	Schedule Schedule
	Jitter   time.Duration
	Timeout  time.Duration
	// Idempotent jobs are eligible for a catch-up run after downtime.
	Idempotent bool
	Run        func(ctx context.Context, tick Tick) error
}

type jobState struct {
	job Job

	next          time.Time
	lastCompleted time.Time

	running bool
	pending *Tick
}

type Params struct {
	fx.In

	DB     *gorm.DB `optional:"true"`
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config Config            `optional:"true"`
	Locker *ratelimit.Locker `optional:"true"`
}

type Scheduler struct {
	db     *gorm.DB
	log    *zap.Logger
	cfg    Config
	genID  *snowflake.Node
	clock  clock.Clock
	locker *ratelimit.Locker

	jitter func(max time.Duration) time.Duration

	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	locker := p.Locker
	if !cfg.DistributedLock {
		locker = nil
	}
	return &Scheduler{
		db:     p.DB,
		log:    p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:    cfg,
		genID:  p.GenID,
		clock:  p.Clock,
		locker: locker,
		jitter: randomJitter,
		jobs:   make(map[string]*jobState),
	}, nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Register adds a job. Jobs not listed in EnabledJobs are accepted and ignored.
func (s *Scheduler) Register(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" || job.Schedule == nil || job.Run == nil {
		return ErrInvalidJob
	}
	if job.Timeout <= 0 {
		job.Timeout = s.cfg.DefaultTimeout
	}
	if !s.isJobEnabled(job.Name) {
		s.log.Info("scheduler job disabled", zap.String("job", job.Name))
		obsmetrics.Scheduler().IncJobSkipped(job.Name, obsmetrics.SchedulerSkipReasonDisabled)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	s.jobs[job.Name] = &jobState{
		job:  job,
		next: s.nextDue(job, s.clock.Now()),
	}
	return nil
}

// Jobs lists registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) nextDue(job Job, after time.Time) time.Time {
	return job.Schedule.Next(after).Add(s.jitter(job.Jitter))
}

// Tick starts every job whose due time has passed. A job that is still
// running gets one pending follow-up run instead of a concurrent one.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.sortedNamesLocked() {
		st := s.jobs[name]
		if now.Before(st.next) {
			continue
		}
		scheduled := st.next
		st.next = s.nextDue(st.job, now)
		obsmetrics.Scheduler().ObserveRunLoopLag(now.Sub(scheduled))
		s.dispatchLocked(ctx, st, Tick{Scheduled: scheduled, Previous: st.lastCompleted})
	}
}

// CatchUp runs idempotent jobs whose last recorded tick is older than their
// most recent due time. Jobs with no recorded state are not caught up.
func (s *Scheduler) CatchUp(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	states, err := s.loadStates(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.sortedNamesLocked() {
		st := s.jobs[name]
		persisted, ok := states[name]
		if !ok || persisted.LastScheduledAt.IsZero() {
			continue
		}
		st.lastCompleted = persisted.LastScheduledAt
		if !st.job.Idempotent {
			continue
		}
		missed := lastDue(st.job.Schedule, persisted.LastScheduledAt, now)
		if missed.IsZero() {
			continue
		}
		obsmetrics.Scheduler().IncJobCatchUp(name)
		s.log.Info("scheduler.job.catch_up",
			zap.String("job", name),
			zap.Time("last_scheduled_at", persisted.LastScheduledAt),
			zap.Time("missed_tick", missed),
		)
		s.dispatchLocked(ctx, st, Tick{Scheduled: missed, Previous: persisted.LastScheduledAt, CatchUp: true})
	}
	return nil
}

func (s *Scheduler) dispatchLocked(ctx context.Context, st *jobState, tick Tick) {
	if st.running {
		// Coalesce: keep the newest scheduled time, the earliest Previous.
		if st.pending == nil {
			st.pending = &tick
		} else {
			st.pending.Scheduled = tick.Scheduled
			st.pending.CatchUp = st.pending.CatchUp || tick.CatchUp
		}
		obsmetrics.Scheduler().IncJobSkipped(st.job.Name, obsmetrics.SchedulerSkipReasonRunning)
		return
	}
	st.running = true
	s.wg.Add(1)
	go s.loop(ctx, st, tick)
}

func (s *Scheduler) loop(ctx context.Context, st *jobState, tick Tick) {
	defer s.wg.Done()
	for {
		if err := s.execute(ctx, st.job, tick); err != nil {
			s.log.Warn("scheduler job failed", zap.String("job", st.job.Name), zap.Error(err))
		}

		s.mu.Lock()
		next := st.pending
		st.pending = nil
		if next == nil || ctx.Err() != nil {
			st.running = false
			s.mu.Unlock()
			return
		}
		next.Previous = st.lastCompleted
		tick = *next
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job, tick Tick) error {
	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, "scheduler:"+job.Name, job.Timeout+time.Minute)
		switch {
		case errors.Is(err, ratelimit.ErrLockHeld):
			obsmetrics.Scheduler().IncJobSkipped(job.Name, obsmetrics.SchedulerSkipReasonLockHeld)
			return nil
		case err != nil:
			s.log.Warn("scheduler lock unavailable, running without it", zap.String("job", job.Name), zap.Error(err))
		default:
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					s.log.Warn("scheduler lock release failed", zap.String("job", job.Name), zap.Error(err))
				}
			}()
		}
	}

	err := s.runJob(ctx, job.Name, tick, job.Timeout, func(ctx context.Context) error {
		return job.Run(ctx, tick)
	})
	if err != nil {
		s.saveState(ctx, job.Name, tick, err)
		return err
	}

	s.mu.Lock()
	if st, ok := s.jobs[job.Name]; ok && tick.Scheduled.After(st.lastCompleted) {
		st.lastCompleted = tick.Scheduled
	}
	s.mu.Unlock()
	s.saveState(ctx, job.Name, tick, nil)
	return nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	tick Tick,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name, tick)
	s.logJobStart(ctx, run)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errors == 0 {
		run.errors++
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		schedMetrics.SetLastSuccess(name, s.clock.Now())
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunForever catches up, then ticks until ctx is cancelled. In-flight jobs
// finish before it returns.
func (s *Scheduler) RunForever(ctx context.Context) {
	if err := s.CatchUp(ctx); err != nil {
		s.log.Warn("scheduler catch-up failed", zap.Error(err))
	}
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Wait blocks until no job is running.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) sortedNamesLocked() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs in this process.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
