package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/broadcast"
)

// CreateJob persists job in pending state together with one pending Target
// per distinct destination, in a single transaction. job is updated in place
// with the generated id, timestamps and totals.
func (s *SQLStore) CreateJob(ctx context.Context, job *broadcast.Job, destinations []string) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	dests := normalizeDestinations(destinations)
	if len(dests) == 0 {
		return ErrNoTargets
	}

	now := s.now()
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	job.Status = broadcast.JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	job.SentAt = nil
	job.SuccessfulSends = 0
	job.FailedSends = 0
	job.TotalTargets = len(dests)

	var polls any
	if len(job.PollOptions) > 0 {
		b, err := json.Marshal(job.PollOptions)
		if err != nil {
			return err
		}
		polls = string(b)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO broadcast_jobs
		(id, content, media_url, message_type, poll_options, status, scheduled_at, total_targets, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Content, nullStr(job.MediaURL), string(job.MessageType), polls, string(job.Status),
		timeArg(job.ScheduledAt), job.TotalTargets, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO broadcast_targets
		(id, job_id, seq, destination, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, d := range dests {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), job.ID, int64(i), d, string(broadcast.TargetPending), now.UnixMilli(), now.UnixMilli()); err != nil {
			return fmt.Errorf("insert target %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func normalizeDestinations(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (broadcast.Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+jobColumns+` FROM broadcast_jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.Job{}, ErrNotFound
	}
	if err != nil {
		return broadcast.Job{}, err
	}
	return r.toJob()
}

// ListJobs returns the most recently created jobs, optionally filtered by status.
func (s *SQLStore) ListJobs(ctx context.Context, status broadcast.JobStatus, limit int) ([]broadcast.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []jobRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+jobColumns+` FROM broadcast_jobs
			ORDER BY created_at DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+jobColumns+` FROM broadcast_jobs
			WHERE status = ? ORDER BY created_at DESC LIMIT ?`), string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	return toJobs(rows)
}

// StartJob moves a pending job to processing and stamps sent_at once.
// It reports false if the job was not pending.
func (s *SQLStore) StartJob(ctx context.Context, id string) (bool, error) {
	now := s.nowMS()
	return s.exec(ctx, `UPDATE broadcast_jobs SET status = 'processing', sent_at = COALESCE(sent_at, ?), updated_at = ?
		WHERE id = ? AND status = 'pending'`, now, now, id)
}

// FinalizeJob writes a terminal outcome. It only applies to a processing job,
// so a concurrent cancel is never overwritten.
func (s *SQLStore) FinalizeJob(ctx context.Context, id string, status broadcast.JobStatus) (bool, error) {
	if !broadcast.JobProcessing.CanTransition(status) || status == broadcast.JobCancelled {
		return false, fmt.Errorf("finalize: invalid outcome %q", status)
	}
	return s.exec(ctx, `UPDATE broadcast_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = 'processing'`,
		string(status), s.nowMS(), id)
}

// ReviveJob forces a finalized job back to processing.
func (s *SQLStore) ReviveJob(ctx context.Context, id string) (bool, error) {
	return s.exec(ctx, `UPDATE broadcast_jobs SET status = 'processing', updated_at = ?
		WHERE id = ? AND status IN ('sent', 'partial', 'failed')`, s.nowMS(), id)
}

// CancelJob marks a pending or processing job cancelled.
func (s *SQLStore) CancelJob(ctx context.Context, id string) (bool, error) {
	return s.exec(ctx, `UPDATE broadcast_jobs SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`, s.nowMS(), id)
}

// RefreshCounters recomputes the denormalized counters from the target rows.
func (s *SQLStore) RefreshCounters(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE broadcast_jobs SET
		successful_sends = (SELECT COUNT(*) FROM broadcast_targets WHERE job_id = ? AND status = 'sent'),
		failed_sends = (SELECT COUNT(*) FROM broadcast_targets WHERE job_id = ? AND status = 'failed'),
		updated_at = ?
		WHERE id = ?`, id, id, s.nowMS(), id)
	return err
}

// AcquireLease takes the dispatch lease for a job if it is free, expired,
// or already held under token.
func (s *SQLStore) AcquireLease(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	return s.exec(ctx, `UPDATE broadcast_jobs SET lease_token = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND (lease_token IS NULL OR lease_until IS NULL OR lease_until < ? OR lease_token = ?)`,
		token, now.Add(ttl).UnixMilli(), now.UnixMilli(), id, now.UnixMilli(), token)
}

// RenewLease extends a lease still held under token.
func (s *SQLStore) RenewLease(ctx context.Context, id, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	return s.exec(ctx, `UPDATE broadcast_jobs SET lease_until = ?, updated_at = ? WHERE id = ? AND lease_token = ?`,
		now.Add(ttl).UnixMilli(), now.UnixMilli(), id, token)
}

func (s *SQLStore) ReleaseLease(ctx context.Context, id, token string) error {
	_, err := s.exec(ctx, `UPDATE broadcast_jobs SET lease_token = NULL, lease_until = NULL WHERE id = ? AND lease_token = ?`,
		id, token)
	return err
}
