// Package watchdog repairs delivery state that the dispatcher left behind:
// stalled jobs, retriable failures, targets stuck mid-send, orphaned pending
// work and scheduled jobs whose time has come.
//
// Every repair ends in a re-trigger, which only enqueues a dispatch. The
// dispatcher's lease makes a re-trigger of a live job harmless.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/metrics"
	"groupcast/internal/task/engine"
	logx "groupcast/pkg/logx"
)

type Store interface {
	StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]broadcast.Job, error)
	RetriableTargets(ctx context.Context, maxRetries int, cutoff time.Time, limit int) ([]broadcast.Target, error)
	RequeueFailedTarget(ctx context.Context, id string, maxRetries int) (bool, error)
	StuckTargets(ctx context.Context, cutoff time.Time, limit int) ([]broadcast.Target, error)
	ResetStuckTarget(ctx context.Context, id string, cutoff time.Time) (bool, error)
	OrphanedJobs(ctx context.Context, cutoff, now time.Time, limit int) ([]broadcast.Job, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]broadcast.Job, error)
	ReviveJob(ctx context.Context, id string) (bool, error)
	RefreshCounters(ctx context.Context, id string) error
}

// Trigger enqueues a dispatch for a job. queue.Queue satisfies it.
type Trigger interface {
	Enqueue(ctx context.Context, jobID string) error
}

type Config struct {
	StaleAfter   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	SweepLimit   int
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 200
	}
	return c
}

// Report is the outcome of one sweep, also served by /sweep.
type Report struct {
	StuckJobsFixed         int      `json:"stuckJobsFixed"`
	RetriedTargets         int      `json:"retriedTargets"`
	StuckTargetsReset      int      `json:"stuckTargetsReset"`
	OrphanedJobsRevived    int      `json:"orphanedJobsRevived"`
	ScheduledJobsTriggered int      `json:"scheduledJobsTriggered"`
	Errors                 []string `json:"errors"`
}

func (r *Report) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

type Option func(*Watchdog)

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		if now != nil {
			w.now = now
		}
	}
}

type Watchdog struct {
	store   Store
	trigger Trigger
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(store Store, trigger Trigger, cfg Config, log logx.Logger, m *metrics.Metrics, opts ...Option) *Watchdog {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watchdog{
		store:   store,
		trigger: trigger,
		metrics: m,
		log:     log.With(logx.String("comp", "watchdog")),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Watchdog) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	w.log.Info("watchdog config applied",
		logx.Duration("stale_after", cfg.StaleAfter),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Duration("retry_backoff", cfg.RetryBackoff),
		logx.Int("sweep_limit", cfg.SweepLimit))
}

func (w *Watchdog) Config() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// sweep carries the per-run state shared by the passes.
type sweep struct {
	w         *Watchdog
	cfg       Config
	now       time.Time
	rep       *Report
	triggered map[string]bool
}

// Sweep runs every pass once. Failures are recorded per item in the report
// and never stop the remaining work.
func (w *Watchdog) Sweep(ctx context.Context) Report {
	began := time.Now()
	rep := Report{Errors: []string{}}
	s := &sweep{w: w, cfg: w.Config(), now: w.now(), rep: &rep, triggered: map[string]bool{}}

	s.stuckJobs(ctx)
	s.retriableTargets(ctx)
	s.stuckTargets(ctx)
	s.orphanedJobs(ctx)
	s.dueJobs(ctx)

	w.metrics.SweepRepaired("stuck_jobs", rep.StuckJobsFixed)
	w.metrics.SweepRepaired("retried_targets", rep.RetriedTargets)
	w.metrics.SweepRepaired("stuck_targets", rep.StuckTargetsReset)
	w.metrics.SweepRepaired("orphaned_jobs", rep.OrphanedJobsRevived)
	w.metrics.SweepRepaired("scheduled_jobs", rep.ScheduledJobsTriggered)
	w.metrics.SweepFinished(time.Since(began), len(rep.Errors))

	fields := []logx.Field{
		logx.Int("stuck_jobs", rep.StuckJobsFixed),
		logx.Int("retried", rep.RetriedTargets),
		logx.Int("stuck_targets", rep.StuckTargetsReset),
		logx.Int("orphans", rep.OrphanedJobsRevived),
		logx.Int("scheduled", rep.ScheduledJobsTriggered),
		logx.Int("errors", len(rep.Errors)),
		logx.Duration("took", time.Since(began)),
	}
	if len(rep.Errors) > 0 || len(s.triggered) > 0 {
		w.log.Info("sweep finished", fields...)
	} else {
		w.log.Debug("sweep finished", fields...)
	}
	return rep
}

// retrigger enqueues a dispatch once per sweep. A finished job that got
// pending work back is revived first, since dispatch ignores finished jobs.
func (s *sweep) retrigger(ctx context.Context, jobID string) error {
	if s.triggered[jobID] {
		return nil
	}
	if _, err := s.w.store.ReviveJob(ctx, jobID); err != nil {
		return fmt.Errorf("revive: %w", err)
	}
	if err := s.w.trigger.Enqueue(ctx, jobID); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	s.triggered[jobID] = true
	return nil
}

func (s *sweep) stuckJobs(ctx context.Context) {
	jobs, err := s.w.store.StaleJobs(ctx, s.now.Add(-s.cfg.StaleAfter), s.cfg.SweepLimit)
	if err != nil {
		s.rep.fail("stale jobs: %v", err)
		return
	}
	for _, j := range jobs {
		if err := s.retrigger(ctx, j.ID); err != nil {
			s.rep.fail("stale job %s: %v", j.ID, err)
			continue
		}
		s.rep.StuckJobsFixed++
		s.w.log.Info("stale job re-triggered", logx.Job(j.ID), logx.Time("updated_at", j.UpdatedAt))
	}
}

func (s *sweep) retriableTargets(ctx context.Context) {
	if s.cfg.MaxRetries == 0 {
		return
	}
	targets, err := s.w.store.RetriableTargets(ctx, s.cfg.MaxRetries, s.now.Add(-s.cfg.RetryBackoff), s.cfg.SweepLimit)
	if err != nil {
		s.rep.fail("retriable targets: %v", err)
		return
	}
	jobs := []string{}
	seen := map[string]bool{}
	for _, t := range targets {
		ok, err := s.w.store.RequeueFailedTarget(ctx, t.ID, s.cfg.MaxRetries)
		if err != nil {
			s.rep.fail("requeue target %s: %v", t.ID, err)
			continue
		}
		if !ok {
			continue
		}
		s.rep.RetriedTargets++
		if !seen[t.JobID] {
			seen[t.JobID] = true
			jobs = append(jobs, t.JobID)
		}
	}
	for _, id := range jobs {
		if err := s.w.store.RefreshCounters(ctx, id); err != nil {
			s.rep.fail("refresh counters %s: %v", id, err)
		}
		if err := s.retrigger(ctx, id); err != nil {
			s.rep.fail("retry job %s: %v", id, err)
		}
	}
	if s.rep.RetriedTargets > 0 {
		s.w.log.Info("failed targets requeued", logx.Int("targets", s.rep.RetriedTargets), logx.Int("jobs", len(jobs)))
	}
}

func (s *sweep) stuckTargets(ctx context.Context) {
	cutoff := s.now.Add(-s.cfg.StaleAfter)
	targets, err := s.w.store.StuckTargets(ctx, cutoff, s.cfg.SweepLimit)
	if err != nil {
		s.rep.fail("stuck targets: %v", err)
		return
	}
	for _, t := range targets {
		ok, err := s.w.store.ResetStuckTarget(ctx, t.ID, cutoff)
		if err != nil {
			s.rep.fail("reset target %s: %v", t.ID, err)
			continue
		}
		if !ok {
			continue
		}
		s.rep.StuckTargetsReset++
		s.w.log.Warn("stuck target reset", logx.Job(t.JobID), logx.Target(t.ID))
		if err := s.w.store.RefreshCounters(ctx, t.JobID); err != nil {
			s.rep.fail("refresh counters %s: %v", t.JobID, err)
		}
		if err := s.retrigger(ctx, t.JobID); err != nil {
			s.rep.fail("stuck target job %s: %v", t.JobID, err)
		}
	}
}

func (s *sweep) orphanedJobs(ctx context.Context) {
	jobs, err := s.w.store.OrphanedJobs(ctx, s.now.Add(-s.cfg.StaleAfter), s.now, s.cfg.SweepLimit)
	if err != nil {
		s.rep.fail("orphaned jobs: %v", err)
		return
	}
	for _, j := range jobs {
		if err := s.retrigger(ctx, j.ID); err != nil {
			s.rep.fail("orphaned job %s: %v", j.ID, err)
			continue
		}
		s.rep.OrphanedJobsRevived++
		s.w.log.Info("orphaned job revived", logx.Job(j.ID), logx.String("was", string(j.Status)))
	}
}

func (s *sweep) dueJobs(ctx context.Context) {
	jobs, err := s.w.store.DueJobs(ctx, s.now, s.cfg.SweepLimit)
	if err != nil {
		s.rep.fail("due jobs: %v", err)
		return
	}
	for _, j := range jobs {
		if s.triggered[j.ID] {
			continue
		}
		if err := s.retrigger(ctx, j.ID); err != nil {
			s.rep.fail("scheduled job %s: %v", j.ID, err)
			continue
		}
		s.rep.ScheduledJobsTriggered++
	}
}

const TaskName = "watchdog"

// Task wraps one sweep for the scheduler. Sweeps never overlap and are not
// retried; the next tick is the retry.
func (w *Watchdog) Task() (timeout time.Duration, opt engine.TaskOptions, run func(ctx context.Context) error) {
	run = func(ctx context.Context) error {
		rep := w.Sweep(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if n := len(rep.Errors); n > 0 {
			return fmt.Errorf("sweep finished with %d errors, first: %s", n, rep.Errors[0])
		}
		return nil
	}
	return w.Config().Timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1, CircuitTripFailures: -1}, run
}
