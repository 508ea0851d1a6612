package storage

import (
	"context"
	"time"

	"groupcast/internal/broadcast"
)

// StaleJobs lists processing jobs not touched since cutoff.
func (s *SQLStore) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]broadcast.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+jobColumns+` FROM broadcast_jobs
		WHERE status = 'processing' AND updated_at < ? ORDER BY updated_at LIMIT ?`), cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return toJobs(rows)
}

// RetriableTargets lists failed targets below maxRetries whose last attempt
// is older than cutoff. Targets of cancelled jobs are skipped.
func (s *SQLStore) RetriableTargets(ctx context.Context, maxRetries int, cutoff time.Time, limit int) ([]broadcast.Target, error) {
	var rows []targetRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+prefixed("t", targetColumns)+`
		FROM broadcast_targets t JOIN broadcast_jobs j ON j.id = t.job_id
		WHERE t.status = 'failed' AND t.retry_count < ? AND t.updated_at < ? AND j.status <> 'cancelled'
		ORDER BY t.updated_at LIMIT ?`), maxRetries, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return toTargets(rows), nil
}

// RequeueFailedTarget puts a failed target back to pending and counts the
// retry. The guard keeps retry_count at or below maxRetries.
func (s *SQLStore) RequeueFailedTarget(ctx context.Context, id string, maxRetries int) (bool, error) {
	return s.exec(ctx, `UPDATE broadcast_targets SET status = 'pending', retry_count = retry_count + 1,
		error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed' AND retry_count < ?`, s.nowMS(), id, maxRetries)
}

// StuckTargets lists processing targets not touched since cutoff.
func (s *SQLStore) StuckTargets(ctx context.Context, cutoff time.Time, limit int) ([]broadcast.Target, error) {
	var rows []targetRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+targetColumns+` FROM broadcast_targets
		WHERE status = 'processing' AND updated_at < ? ORDER BY updated_at LIMIT ?`), cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return toTargets(rows), nil
}

// ResetStuckTarget returns a processing target to pending if it is still
// older than cutoff, so a send that completed meanwhile is left alone.
func (s *SQLStore) ResetStuckTarget(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	return s.exec(ctx, `UPDATE broadcast_targets SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'processing' AND updated_at < ?`, s.nowMS(), id, cutoff.UnixMilli())
}

// OrphanedJobs lists jobs that hold pending targets older than cutoff while
// nothing is draining them: the job is neither processing nor cancelled,
// and not scheduled for later than now.
func (s *SQLStore) OrphanedJobs(ctx context.Context, cutoff, now time.Time, limit int) ([]broadcast.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+jobColumns+` FROM broadcast_jobs j
		WHERE j.status NOT IN ('processing', 'cancelled')
		AND (j.scheduled_at IS NULL OR j.scheduled_at <= ?)
		AND EXISTS (SELECT 1 FROM broadcast_targets t
			WHERE t.job_id = j.id AND t.status = 'pending' AND t.updated_at < ?)
		ORDER BY j.updated_at LIMIT ?`), now.UnixMilli(), cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return toJobs(rows)
}

// DueJobs lists pending scheduled jobs whose time has come.
func (s *SQLStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]broadcast.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+jobColumns+` FROM broadcast_jobs
		WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at LIMIT ?`), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return toJobs(rows)
}
