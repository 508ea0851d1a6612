package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/task/engine"
	logx "groupcast/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/2 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "CRON:0 3 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "2m", kind: SpecInterval, source: "duration", duration: 2 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every: 00:05", kind: SpecInterval, source: "hhmm", duration: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				assert.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "-5m", "00:00", "01:75", "cron:", "interval:"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}

func TestSpreadDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now, "sweep")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 30*time.Second)

	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.WithinDuration(t, first.Add(time.Minute), sched.Next(first), time.Second)
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return nil
}

func (r *recordingEnqueuer) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Name)
	}
	return out
}

func TestAddScheduleValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordingEnqueuer{}, logx.Nop())
	noop := func(context.Context) error { return nil }

	require.Error(t, s.AddSchedule("", "1m", 0, engine.TaskOptions{}, noop))
	require.Error(t, s.AddSchedule("x", "1m", 0, engine.TaskOptions{}, nil))
	require.Error(t, s.AddSchedule("x", "61 * * * *", 0, engine.TaskOptions{}, noop))
	require.NoError(t, s.AddSchedule("watchdog", "2m", time.Minute, engine.TaskOptions{}, noop))
	require.NoError(t, s.AddSchedule("watchdog", "*/5 * * * *", time.Minute, engine.TaskOptions{}, noop))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "*/5 * * * *", snap.Schedules[0].Spec)
	assert.True(t, s.Remove("watchdog"))
	assert.False(t, s.Remove("watchdog"))
}

func TestStartRegistersSchedules(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, &recordingEnqueuer{}, logx.Nop())
	require.NoError(t, s.AddSchedule("watchdog", "@every 1h", 0, engine.TaskOptions{}, func(context.Context) error { return nil }))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 1)
	assert.False(t, snap.Schedules[0].Next.IsZero())
}

func TestAddOnceFiresOnce(t *testing.T) {
	t.Parallel()
	rec := &recordingEnqueuer{}
	s := New(Config{}, rec, logx.Nop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddOnce("dispatch:a", time.Now().Add(10*time.Millisecond), 0, engine.TaskOptions{}, noop))
	require.NoError(t, s.AddOnce("dispatch:b", time.Now().Add(time.Hour), 0, engine.TaskOptions{}, noop))
	// Replacing a pending trigger keeps only the newest.
	require.NoError(t, s.AddOnce("dispatch:a", time.Now().Add(20*time.Millisecond), 0, engine.TaskOptions{}, noop))

	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"dispatch:a"}, rec.names())
	assert.Equal(t, []string{"dispatch:b"}, s.Snapshot().Pending)

	assert.True(t, s.CancelOnce("dispatch:b"))
	assert.False(t, s.CancelOnce("dispatch:b"))
}
