// Package scheduler turns cron expressions, intervals and one-shot times
// into task-engine enqueues. It never runs work itself.
package scheduler
