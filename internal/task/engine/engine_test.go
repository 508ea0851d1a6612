package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "groupcast/pkg/logx"
)

type countingObserver struct {
	mu       sync.Mutex
	started  int
	results  map[string]int
	rejected map[string]int
}

func newObserver() *countingObserver {
	return &countingObserver{results: map[string]int{}, rejected: map[string]int{}}
}

func (o *countingObserver) TaskStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) TaskFinished(_ string, result string, _ time.Duration) {
	o.mu.Lock()
	o.results[result]++
	o.mu.Unlock()
}

func (o *countingObserver) TaskRejected(_ string, reason string) {
	o.mu.Lock()
	o.rejected[reason]++
	o.mu.Unlock()
}

func (o *countingObserver) result(k string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results[k]
}

func startEngine(t *testing.T, cfg Config, obs Observer) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), obs)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	obs := newObserver()
	s := startEngine(t, Config{Workers: 2}, obs)

	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "hello", Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	require.Eventually(t, func() bool { return obs.result(ResultOK) == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)

	s = startEngine(t, Config{}, nil)
	require.Error(t, s.Enqueue(Task{Name: "x"}))
	require.Error(t, s.Enqueue(Task{Name: " ", Run: func(context.Context) error { return nil }}))
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)

	var calls int32
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never succeeded")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	obs := newObserver()
	s := startEngine(t, Config{Workers: 1}, obs)

	var calls int32
	require.NoError(t, s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return NoRetry(errors.New("bad input"))
		},
	}))
	require.Eventually(t, func() bool { return obs.result(ResultError) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	h := s.Snapshot().History
	require.NotEmpty(t, h)
	assert.Equal(t, "bad input", h[len(h)-1].Error)
	assert.True(t, IsNoRetry(NoRetry(errors.New("x"))))
	assert.Nil(t, NoRetry(nil))
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	obs := newObserver()
	s := startEngine(t, Config{Workers: 1}, obs)

	require.NoError(t, s.Enqueue(Task{
		Name: "boom",
		Opt:  TaskOptions{RetryMax: -1},
		Run:  func(context.Context) error { panic("kaput") },
	}))
	require.Eventually(t, func() bool { return obs.result(ResultError) == 1 }, 2*time.Second, 5*time.Millisecond)

	// The worker survives.
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(done); return nil }}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	obs := newObserver()
	s := startEngine(t, Config{Workers: 2}, obs)

	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name: "sweep",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	require.NoError(t, s.Enqueue(task))
	<-started
	require.ErrorIs(t, s.Enqueue(task), ErrOverlapSkip)
	close(release)

	require.Eventually(t, func() bool { return obs.result(ResultOK) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		err := s.Enqueue(Task{Name: "sweep", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }})
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOverlapAllowRunsConcurrently(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 3}, nil)

	var running, peak int32
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(Task{Name: "dispatch", Key: "job-1", Run: func(context.Context) error {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}}))
	}
	wg.Wait()
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	obs := newObserver()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, obs)

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error { close(started); <-block; return nil }}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}))
	require.ErrorIs(t, s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().Dropped)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Submit(ctx, Task{Name: "d", Run: func(context.Context) error { return nil }}), context.DeadlineExceeded)
}

func TestTimeoutCancelsTask(t *testing.T) {
	t.Parallel()
	obs := newObserver()
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, obs)

	require.NoError(t, s.Enqueue(Task{Name: "slow", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	require.Eventually(t, func() bool { return obs.result(ResultError) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCircuitBreakerOpens(t *testing.T) {
	t.Parallel()
	obs := newObserver()
	s := startEngine(t, Config{Workers: 1, CircuitTripFailures: 2, CircuitBaseDelay: time.Minute}, obs)

	fail := Task{Name: "down", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { return errors.New("x") }}
	require.NoError(t, s.Enqueue(fail))
	require.NoError(t, s.Enqueue(fail))
	require.Eventually(t, func() bool { return obs.result(ResultError) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.Enqueue(fail), ErrCircuitOpen)
	snap := s.Snapshot()
	assert.Equal(t, 1, snap.CircuitOpen)

	// A task with the breaker disabled is never blocked.
	off := fail
	off.Opt.CircuitTripFailures = -1
	require.NoError(t, s.Enqueue(off))
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	opt := TaskOptions{}.withDefaults(Config{}.withDefaults())
	for retry := 1; retry < 20; retry++ {
		d := backoffDelay(opt, retry, rng)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, opt.RetryMaxDelay)
	}
	d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), rng)
	assert.LessOrEqual(t, d, opt.RetryMaxDelay)
}

func TestApplyRestartsOnResize(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Apply(ctx, Config{Workers: 3, QueueSize: 8})

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, 3, snap.Workers)
	assert.Equal(t, 8, snap.QueueCap)
}
