package storage

import (
	"context"

	"groupcast/internal/broadcast"
)

// ListTargets returns up to limit targets of a job, oldest first.
// An empty status lists all targets.
func (s *SQLStore) ListTargets(ctx context.Context, jobID string, status broadcast.TargetStatus, limit int) ([]broadcast.Target, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []targetRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+targetColumns+` FROM broadcast_targets
			WHERE job_id = ? ORDER BY created_at, seq LIMIT ?`), jobID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+targetColumns+` FROM broadcast_targets
			WHERE job_id = ? AND status = ? ORDER BY created_at, seq LIMIT ?`), jobID, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	return toTargets(rows), nil
}

func (s *SQLStore) CountTargets(ctx context.Context, jobID string) (broadcast.TargetCounts, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT status, COUNT(*) AS n FROM broadcast_targets
		WHERE job_id = ? GROUP BY status`), jobID)
	if err != nil {
		return broadcast.TargetCounts{}, err
	}
	var c broadcast.TargetCounts
	for _, r := range rows {
		switch broadcast.TargetStatus(r.Status) {
		case broadcast.TargetPending:
			c.Pending = r.N
		case broadcast.TargetProcessing:
			c.Processing = r.N
		case broadcast.TargetSent:
			c.Sent = r.N
		case broadcast.TargetFailed:
			c.Failed = r.N
		}
	}
	return c, nil
}

// ClaimTarget moves a pending target to processing. It reports false when
// the target is no longer pending.
func (s *SQLStore) ClaimTarget(ctx context.Context, id string) (bool, error) {
	return s.exec(ctx, `UPDATE broadcast_targets SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending'`, s.nowMS(), id)
}

func (s *SQLStore) MarkTargetSent(ctx context.Context, id, providerMessageID string) error {
	now := s.nowMS()
	return s.execOne(ctx, `UPDATE broadcast_targets SET status = 'sent', provider_message_id = ?, error_message = NULL,
		sent_at = ?, updated_at = ? WHERE id = ? AND status = 'processing'`, nullStr(providerMessageID), now, now, id)
}

func (s *SQLStore) MarkTargetFailed(ctx context.Context, id, errorMessage string) error {
	if errorMessage == "" {
		errorMessage = "unknown error"
	}
	return s.execOne(ctx, `UPDATE broadcast_targets SET status = 'failed', provider_message_id = NULL, error_message = ?,
		updated_at = ? WHERE id = ? AND status = 'processing'`, errorMessage, s.nowMS(), id)
}

// ReleaseTarget hands a claimed target back to pending without an outcome.
func (s *SQLStore) ReleaseTarget(ctx context.Context, id string) error {
	return s.execOne(ctx, `UPDATE broadcast_targets SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'processing'`, s.nowMS(), id)
}
