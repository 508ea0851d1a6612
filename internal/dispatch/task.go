package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"groupcast/internal/gateway"
	"groupcast/internal/storage"
	"groupcast/internal/task/engine"
)

const TaskName = "dispatch"

var taskSeq atomic.Uint64

// Task wraps one invocation for the task engine. Errors that another attempt
// cannot fix are marked NoRetry; store hiccups are left to the engine's backoff.
func (d *Dispatcher) Task(jobID string) engine.Task {
	return engine.Task{
		ID:      TaskName + ":" + jobID + ":" + strconv.FormatUint(taskSeq.Add(1), 10),
		Name:    TaskName,
		Key:     TaskName + ":" + jobID,
		Timeout: d.Config().InvocationTimeout,
		Opt: engine.TaskOptions{
			Overlap:             engine.OverlapAllow,
			RetryBase:           time.Second,
			RetryMaxDelay:       time.Minute,
			CircuitTripFailures: -1,
		},
		Run: func(ctx context.Context) error {
			_, err := d.Run(ctx, jobID)
			return Classify(err)
		},
	}
}

// Classify marks errors that are final for this invocation. A provider
// throttle is retried no sooner than the provider asked.
func Classify(err error) error {
	var throttled *gateway.ThrottledError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, ErrNotDue),
		errors.Is(err, ErrLeaseHeld),
		errors.Is(err, gateway.ErrNotConfigured):
		return engine.NoRetry(err)
	case errors.As(err, &throttled):
		return engine.RetryAfter(err, throttled.RetryAfter)
	}
	return err
}
