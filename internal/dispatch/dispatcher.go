// Package dispatch drains the pending Targets of one Job through the gateway,
// one bounded batch per invocation.
//
// A Job is drained by at most one invocation at a time: each run holds a
// lease on the Job row and renews it before every send. Work left after a
// batch is handed to the continuation queue instead of looping, so every
// invocation stays short.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"groupcast/internal/broadcast"
	"groupcast/internal/gateway"
	"groupcast/internal/metrics"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

var (
	// ErrLeaseHeld means another live invocation owns the Job.
	ErrLeaseHeld = errors.New("job lease held by another invocation")
	// ErrNotDue means the Job is scheduled for later.
	ErrNotDue = errors.New("job not due yet")
)

// Store is the slice of the Job Store the dispatcher uses.
type Store interface {
	GetJob(ctx context.Context, id string) (broadcast.Job, error)
	StartJob(ctx context.Context, id string) (bool, error)
	FinalizeJob(ctx context.Context, id string, status broadcast.JobStatus) (bool, error)
	RefreshCounters(ctx context.Context, id string) error

	ListTargets(ctx context.Context, jobID string, status broadcast.TargetStatus, limit int) ([]broadcast.Target, error)
	CountTargets(ctx context.Context, jobID string) (broadcast.TargetCounts, error)
	ClaimTarget(ctx context.Context, id string) (bool, error)
	MarkTargetSent(ctx context.Context, id, providerMessageID string) error
	MarkTargetFailed(ctx context.Context, id, errorMessage string) error
	ReleaseTarget(ctx context.Context, id string) error

	AcquireLease(ctx context.Context, id, token string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, id, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, id, token string) error
}

// Enqueuer schedules a continuation invocation. queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

type Config struct {
	BatchSize         int
	InterSendDelay    time.Duration
	LeaseTTL          time.Duration
	InvocationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.InterSendDelay < 0 {
		c.InterSendDelay = 0
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.InvocationTimeout < 0 {
		c.InvocationTimeout = 0
	}
	return c
}

// Result summarizes one invocation.
type Result struct {
	JobID     string              `json:"jobId"`
	Status    broadcast.JobStatus `json:"status"`
	Sent      int                 `json:"sent"`
	Failed    int                 `json:"failed"`
	Continued bool                `json:"continued"`
}

type Option func(*Dispatcher)

// WithClock sets the time source for due checks.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

type Dispatcher struct {
	store   Store
	adapter gateway.Adapter
	next    Enqueuer
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config
}

func New(store Store, adapter gateway.Adapter, next Enqueuer, cfg Config, log logx.Logger, m *metrics.Metrics, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		store:   store,
		adapter: adapter,
		next:    next,
		metrics: m,
		log:     log.With(logx.String("comp", "dispatcher")),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps the thresholds. Running invocations keep the values they started with.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.log.Info("dispatcher config applied",
		logx.Int("batch_size", cfg.BatchSize),
		logx.Duration("inter_send_delay", cfg.InterSendDelay),
		logx.Duration("lease_ttl", cfg.LeaseTTL))
}

func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Ready reports whether the gateway can send at all.
func (d *Dispatcher) Ready(ctx context.Context) error {
	return d.adapter.Ready(ctx)
}

// Run performs one invocation for jobID.
func (d *Dispatcher) Run(ctx context.Context, jobID string) (res Result, err error) {
	res.JobID = jobID
	defer func() { d.metrics.Invocation(invocationResult(res, err)) }()

	cfg := d.Config()
	log := d.log.With(logx.Job(jobID))

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("load job: %w", err)
	}
	res.Status = job.Status
	if job.Status.Terminal() {
		log.Debug("job already finished", logx.String("status", string(job.Status)))
		return res, nil
	}
	if job.Status == broadcast.JobPending && !job.Due(d.now()) {
		return res, ErrNotDue
	}
	if err := d.adapter.Ready(ctx); err != nil {
		return res, fmt.Errorf("gateway %s: %w", d.adapter.Name(), err)
	}

	token := uuid.NewString()
	ok, err := d.store.AcquireLease(ctx, jobID, token, cfg.LeaseTTL)
	if err != nil {
		return res, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return res, ErrLeaseHeld
	}
	held := true
	release := func() {
		if !held {
			return
		}
		held = false
		if err := d.store.ReleaseLease(context.WithoutCancel(ctx), jobID, token); err != nil {
			log.Warn("release lease failed", logx.Err(err))
		}
	}
	defer release()

	if job.Status == broadcast.JobPending {
		if _, err := d.store.StartJob(ctx, jobID); err != nil {
			return res, fmt.Errorf("start job: %w", err)
		}
		res.Status = broadcast.JobProcessing
		log.Info("job started", logx.Int("targets", job.TotalTargets))
	}

	batch, err := d.store.ListTargets(ctx, jobID, broadcast.TargetPending, cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list pending targets: %w", err)
	}
	if len(batch) > 0 {
		stop, err := d.drain(ctx, job, batch, token, cfg, &res, log)
		if err != nil || stop {
			return res, err
		}
	}
	release()

	counts, err := d.store.CountTargets(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("count targets: %w", err)
	}
	if counts.Pending > 0 {
		if d.next == nil {
			log.Warn("pending targets left but no continuation queue", logx.Int("pending", counts.Pending))
			return res, nil
		}
		if err := d.next.Enqueue(ctx, jobID); err != nil {
			return res, fmt.Errorf("enqueue continuation: %w", err)
		}
		res.Continued = true
		d.metrics.ContinuationEnqueued()
		log.Debug("continuation enqueued", logx.Int("pending", counts.Pending))
		return res, nil
	}
	return res, d.finalize(ctx, jobID, counts, &res, log)
}

// drain sends one batch. stop is true when the invocation must end without
// continuing: the Job was cancelled or the lease was lost.
func (d *Dispatcher) drain(ctx context.Context, job broadcast.Job, batch []broadcast.Target, token string, cfg Config, res *Result, log logx.Logger) (stop bool, err error) {
	lim := rate.NewLimiter(rate.Every(cfg.InterSendDelay), 1)
	if job.SuccessfulSends+job.FailedSends > 0 {
		// An earlier invocation may have sent moments ago; the first send
		// of this batch waits a full interval too.
		lim.Reserve()
	}
	provider := d.adapter.Name()

	for _, t := range batch {
		if err := lim.Wait(ctx); err != nil {
			return true, err
		}

		cur, err := d.store.GetJob(ctx, job.ID)
		if err != nil {
			return true, fmt.Errorf("reload job: %w", err)
		}
		if cur.Status == broadcast.JobCancelled {
			res.Status = broadcast.JobCancelled
			log.Info("job cancelled, stopping", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
			return true, nil
		}
		renewed, err := d.store.RenewLease(ctx, job.ID, token, cfg.LeaseTTL)
		if err != nil {
			return true, fmt.Errorf("renew lease: %w", err)
		}
		if !renewed {
			log.Warn("lease lost, stopping")
			return true, fmt.Errorf("renew lease: %w", ErrLeaseHeld)
		}

		claimed, err := d.store.ClaimTarget(ctx, t.ID)
		if err != nil {
			return true, fmt.Errorf("claim target: %w", err)
		}
		if !claimed {
			continue
		}

		tlog := log.With(logx.Target(t.ID))
		began := time.Now()
		out, err := d.adapter.Send(ctx, gateway.MessageFor(job, t.Destination))
		if err != nil {
			if rerr := d.store.ReleaseTarget(context.WithoutCancel(ctx), t.ID); rerr != nil {
				tlog.Warn("release target failed", logx.Err(rerr))
			}
			var throttled *gateway.ThrottledError
			if errors.As(err, &throttled) {
				d.metrics.ObserveSend(provider, metrics.OutcomeThrottled, time.Since(began))
				tlog.Warn("provider throttled, aborting batch", logx.Duration("retry_after", throttled.RetryAfter))
			} else {
				d.metrics.ObserveSend(provider, metrics.OutcomeFatal, time.Since(began))
				tlog.Error("gateway rejected credentials, aborting", logx.Err(err))
			}
			return true, fmt.Errorf("send: %w", err)
		}

		if out.OK {
			d.metrics.ObserveSend(provider, metrics.OutcomeSent, time.Since(began))
			err = d.store.MarkTargetSent(ctx, t.ID, out.ProviderMessageID)
		} else {
			d.metrics.ObserveSend(provider, metrics.OutcomeFailed, time.Since(began))
			tlog.Debug("send failed", logx.String("dest", t.Destination), logx.String("error", out.Error))
			err = d.store.MarkTargetFailed(ctx, t.ID, out.Error)
		}
		switch {
		case errors.Is(err, storage.ErrConflict):
			// Someone reset the target mid-send. It may be sent again.
			tlog.Warn("target changed during send")
		case err != nil:
			return true, fmt.Errorf("record outcome: %w", err)
		case out.OK:
			res.Sent++
		default:
			res.Failed++
		}

		if err := d.store.RefreshCounters(ctx, job.ID); err != nil {
			return true, fmt.Errorf("refresh counters: %w", err)
		}
	}
	return false, nil
}

func (d *Dispatcher) finalize(ctx context.Context, jobID string, counts broadcast.TargetCounts, res *Result, log logx.Logger) error {
	if err := d.store.RefreshCounters(ctx, jobID); err != nil {
		return fmt.Errorf("refresh counters: %w", err)
	}
	status, ok := counts.Outcome()
	if !ok {
		log.Info("targets still in flight, leaving job processing", logx.Int("processing", counts.Processing))
		return nil
	}
	done, err := d.store.FinalizeJob(ctx, jobID, status)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if !done {
		// Cancelled or finalized by someone else.
		if cur, err := d.store.GetJob(ctx, jobID); err == nil {
			res.Status = cur.Status
		}
		return nil
	}
	res.Status = status
	d.metrics.JobFinalized(string(status))
	log.Info("job finalized",
		logx.String("status", string(status)),
		logx.Int("sent", counts.Sent),
		logx.Int("failed", counts.Failed))
	return nil
}

func invocationResult(res Result, err error) string {
	switch {
	case errors.Is(err, ErrLeaseHeld), errors.Is(err, ErrNotDue):
		return "skipped"
	case err != nil:
		return "error"
	case res.Continued:
		return "continued"
	case res.Status == broadcast.JobCancelled:
		return "cancelled"
	default:
		return "completed"
	}
}
