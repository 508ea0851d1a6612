package app

import (
	"context"
	"time"

	"groupcast/internal/queue"
	"groupcast/internal/task/engine"
	"groupcast/internal/task/scheduler"
)

// deferredDispatch arms a one-shot scheduler entry that enqueues the job
// when its scheduledAt arrives. Re-arming the same job replaces the timer.
// The watchdog's due-job sweep covers timers lost to a restart.
type deferredDispatch struct {
	sched *scheduler.Service
	q     queue.Queue
}

func (d deferredDispatch) DispatchAt(jobID string, at time.Time) error {
	return d.sched.AddOnce("dispatch-at:"+jobID, at, 30*time.Second,
		engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		func(ctx context.Context) error { return d.q.Enqueue(ctx, jobID) })
}
