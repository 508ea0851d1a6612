package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/broadcast"
	"groupcast/internal/dispatch"
	"groupcast/internal/gateway"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memQueue struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (q *memQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, jobID)
	return nil
}

func (q *memQueue) drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	return out
}

// scriptedAdapter fails every destination listed in failing.
type scriptedAdapter struct {
	mu      sync.Mutex
	failing map[string]bool
	sends   int
}

func (a *scriptedAdapter) Name() string                { return "scripted" }
func (a *scriptedAdapter) Ready(context.Context) error { return nil }

func (a *scriptedAdapter) Send(_ context.Context, msg gateway.Message) (gateway.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends++
	if a.failing[msg.Destination] {
		return gateway.Result{Error: "rate limited"}, nil
	}
	return gateway.Result{OK: true, ProviderMessageID: "p-" + msg.Destination}, nil
}

func (a *scriptedAdapter) setFailing(dest string, v bool) {
	a.mu.Lock()
	a.failing[dest] = v
	a.mu.Unlock()
}

type fixture struct {
	clk   *clock
	store *storage.SQLStore
	queue *memQueue
	ad    *scriptedAdapter
	disp  *dispatch.Dispatcher
	wd    *Watchdog
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "wd.db")}, logx.Nop(), storage.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{clk: clk, store: st, queue: &memQueue{}, ad: &scriptedAdapter{failing: map[string]bool{}}}
	f.disp = dispatch.New(st, f.ad, f.queue, dispatch.Config{}, logx.Nop(), nil, dispatch.WithClock(clk.Now))
	f.wd = New(st, f.queue, cfg, logx.Nop(), nil, WithClock(clk.Now))
	return f
}

func (f *fixture) createJob(t *testing.T, dests ...string) broadcast.Job {
	t.Helper()
	job := &broadcast.Job{Content: "hi", MessageType: broadcast.MessageText}
	require.NoError(t, f.store.CreateJob(context.Background(), job, dests))
	return *job
}

// runQueued dispatches everything the queue holds until it is empty.
func (f *fixture) runQueued(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		ids := f.queue.drain()
		if len(ids) == 0 {
			return
		}
		for _, id := range ids {
			_, err := f.disp.Run(context.Background(), id)
			require.NoError(t, err)
		}
	}
	t.Fatal("queue never drained")
}

func (f *fixture) job(t *testing.T, id string) broadcast.Job {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestRetryCountNeverExceedsMax(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxRetries: 2, RetryBackoff: time.Minute})
	job := f.createJob(t, "ok", "flaky")
	f.ad.setFailing("flaky", true)

	_, err := f.disp.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, broadcast.JobPartial, f.job(t, job.ID).Status)

	retried := 0
	for i := 0; i < 5; i++ {
		f.clk.Advance(2 * time.Minute)
		rep := f.wd.Sweep(context.Background())
		require.Empty(t, rep.Errors)
		retried += rep.RetriedTargets
		f.runQueued(t)

		failed, err := f.store.ListTargets(context.Background(), job.ID, broadcast.TargetFailed, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.LessOrEqual(t, failed[0].RetryCount, 2)
	}
	assert.Equal(t, 2, retried)
	assert.Equal(t, 4, f.ad.sends, "one ok, one first attempt, two retries")

	got := f.job(t, job.ID)
	assert.Equal(t, broadcast.JobPartial, got.Status)
	assert.Equal(t, 1, got.SuccessfulSends)
	assert.Equal(t, 1, got.FailedSends)
}

func TestRetryRecoversTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxRetries: 3, RetryBackoff: time.Minute})
	job := f.createJob(t, "a", "b")
	f.ad.setFailing("b", true)
	_, err := f.disp.Run(context.Background(), job.ID)
	require.NoError(t, err)

	// Within the backoff window nothing is retried.
	rep := f.wd.Sweep(context.Background())
	assert.Zero(t, rep.RetriedTargets)

	f.ad.setFailing("b", false)
	f.clk.Advance(2 * time.Minute)
	rep = f.wd.Sweep(context.Background())
	assert.Equal(t, 1, rep.RetriedTargets)
	f.runQueued(t)

	got := f.job(t, job.ID)
	assert.Equal(t, broadcast.JobSent, got.Status)
	assert.Equal(t, 2, got.SuccessfulSends)
	assert.Zero(t, got.FailedSends)
}

func TestStuckTargetRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	job := f.createJob(t, "a", "b")

	// A crashed invocation: job started and one target claimed, nothing else.
	_, err := f.store.StartJob(ctx, job.ID)
	require.NoError(t, err)
	pending, err := f.store.ListTargets(ctx, job.ID, broadcast.TargetPending, 10)
	require.NoError(t, err)
	ok, err := f.store.ClaimTarget(ctx, pending[0].ID)
	require.NoError(t, err)
	require.True(t, ok)

	rep := f.wd.Sweep(ctx)
	assert.Zero(t, rep.StuckTargetsReset, "not stale yet")
	assert.Empty(t, f.queue.drain())

	f.clk.Advance(11 * time.Minute)
	rep = f.wd.Sweep(ctx)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, 1, rep.StuckJobsFixed)
	assert.Equal(t, 1, rep.StuckTargetsReset)

	ids := f.queue.drain()
	assert.Equal(t, []string{job.ID}, ids, "re-triggered once per sweep")
	for _, id := range ids {
		_, err := f.disp.Run(ctx, id)
		require.NoError(t, err)
	}
	f.runQueued(t)

	got := f.job(t, job.ID)
	assert.Equal(t, broadcast.JobSent, got.Status)
	assert.Equal(t, 2, got.SuccessfulSends)
}

func TestOrphanedFinishedJobRevived(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{StaleAfter: 10 * time.Minute})
	ctx := context.Background()
	job := f.createJob(t, "a", "b")
	f.ad.setFailing("b", true)
	_, err := f.disp.Run(ctx, job.ID)
	require.NoError(t, err)

	// Requeued but the trigger was lost.
	failed, err := f.store.ListTargets(ctx, job.ID, broadcast.TargetFailed, 10)
	require.NoError(t, err)
	ok, err := f.store.RequeueFailedTarget(ctx, failed[0].ID, 5)
	require.NoError(t, err)
	require.True(t, ok)
	f.ad.setFailing("b", false)

	f.clk.Advance(11 * time.Minute)
	rep := f.wd.Sweep(ctx)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, 1, rep.OrphanedJobsRevived)
	assert.Equal(t, broadcast.JobProcessing, f.job(t, job.ID).Status)

	f.runQueued(t)
	assert.Equal(t, broadcast.JobSent, f.job(t, job.ID).Status)
}

func TestCancelledJobsAreLeftAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxRetries: 3})
	ctx := context.Background()
	job := f.createJob(t, "a")
	ok, err := f.store.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	f.clk.Advance(time.Hour)
	rep := f.wd.Sweep(ctx)
	assert.Equal(t, Report{Errors: []string{}}, rep)
	assert.Empty(t, f.queue.drain())
}

func TestDueScheduledJobTriggered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	at := f.clk.Now().Add(time.Minute)
	job := &broadcast.Job{Content: "later", MessageType: broadcast.MessageText, ScheduledAt: &at}
	require.NoError(t, f.store.CreateJob(ctx, job, []string{"a"}))

	rep := f.wd.Sweep(ctx)
	assert.Zero(t, rep.ScheduledJobsTriggered)

	f.clk.Advance(2 * time.Minute)
	rep = f.wd.Sweep(ctx)
	assert.Equal(t, 1, rep.ScheduledJobsTriggered)
	f.runQueued(t)
	assert.Equal(t, broadcast.JobSent, f.job(t, job.ID).Status)
}

func TestSweepCollectsErrorsAndContinues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{StaleAfter: time.Minute})
	ctx := context.Background()
	for _, d := range []string{"a", "b"} {
		j := f.createJob(t, d)
		_, err := f.store.StartJob(ctx, j.ID)
		require.NoError(t, err)
	}
	f.queue.err = errors.New("broker down")
	f.clk.Advance(5 * time.Minute)

	rep := f.wd.Sweep(ctx)
	assert.Zero(t, rep.StuckJobsFixed)
	// Both stale jobs are attempted; orphan detection skips processing jobs.
	assert.Len(t, rep.Errors, 2)
	assert.Contains(t, rep.Errors[0], "broker down")

	_, _, run := f.wd.Task()
	assert.Error(t, run(ctx))
}

func TestReportJSONShape(t *testing.T) {
	t.Parallel()
	raw, err := json.Marshal(Report{Errors: []string{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stuckJobsFixed":0,"retriedTargets":0,"stuckTargetsReset":0,"orphanedJobsRevived":0,"scheduledJobsTriggered":0,"errors":[]}`, string(raw))
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	w := New(nil, nil, Config{}, logx.Nop(), nil)
	assert.Equal(t, 10*time.Minute, w.Config().StaleAfter)
	assert.Equal(t, 200, w.Config().SweepLimit)
	w.Apply(Config{MaxRetries: 5, SweepLimit: 10})
	assert.Equal(t, 5, w.Config().MaxRetries)
	assert.Equal(t, 10, w.Config().SweepLimit)
}
