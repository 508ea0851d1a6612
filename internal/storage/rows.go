package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/broadcast"
)

const jobColumns = `id, content, media_url, message_type, poll_options, status, scheduled_at, sent_at,
	successful_sends, failed_sends, total_targets, lease_token, lease_until, created_at, updated_at`

const targetColumns = `id, job_id, seq, destination, status, retry_count, provider_message_id,
	error_message, sent_at, created_at, updated_at`

// prefixed qualifies a column list for use in joins.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type jobRow struct {
	ID              string         `db:"id"`
	Content         string         `db:"content"`
	MediaURL        sql.NullString `db:"media_url"`
	MessageType     string         `db:"message_type"`
	PollOptions     sql.NullString `db:"poll_options"`
	Status          string         `db:"status"`
	ScheduledAt     sql.NullInt64  `db:"scheduled_at"`
	SentAt          sql.NullInt64  `db:"sent_at"`
	SuccessfulSends int            `db:"successful_sends"`
	FailedSends     int            `db:"failed_sends"`
	TotalTargets    int            `db:"total_targets"`
	LeaseToken      sql.NullString `db:"lease_token"`
	LeaseUntil      sql.NullInt64  `db:"lease_until"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
}

// toJob fails on a poll_options value that is not a JSON string array, so a
// poll never reaches the gateway without its options.
func (r jobRow) toJob() (broadcast.Job, error) {
	j := broadcast.Job{
		ID:              r.ID,
		Content:         r.Content,
		MediaURL:        r.MediaURL.String,
		MessageType:     broadcast.MessageType(r.MessageType),
		Status:          broadcast.JobStatus(r.Status),
		ScheduledAt:     msPtr(r.ScheduledAt),
		SentAt:          msPtr(r.SentAt),
		CreatedAt:       time.UnixMilli(r.CreatedAt),
		UpdatedAt:       time.UnixMilli(r.UpdatedAt),
		SuccessfulSends: r.SuccessfulSends,
		FailedSends:     r.FailedSends,
		TotalTargets:    r.TotalTargets,
		LeaseToken:      r.LeaseToken.String,
		LeaseUntil:      msPtr(r.LeaseUntil),
	}
	if r.PollOptions.Valid && r.PollOptions.String != "" {
		if err := json.Unmarshal([]byte(r.PollOptions.String), &j.PollOptions); err != nil {
			return broadcast.Job{}, fmt.Errorf("job %s: decode poll_options: %w", r.ID, err)
		}
	}
	return j, nil
}

type targetRow struct {
	ID                string         `db:"id"`
	JobID             string         `db:"job_id"`
	Seq               int64          `db:"seq"`
	Destination       string         `db:"destination"`
	Status            string         `db:"status"`
	RetryCount        int            `db:"retry_count"`
	ProviderMessageID sql.NullString `db:"provider_message_id"`
	ErrorMessage      sql.NullString `db:"error_message"`
	SentAt            sql.NullInt64  `db:"sent_at"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r targetRow) toTarget() broadcast.Target {
	return broadcast.Target{
		ID:                r.ID,
		JobID:             r.JobID,
		Seq:               r.Seq,
		Destination:       r.Destination,
		Status:            broadcast.TargetStatus(r.Status),
		RetryCount:        r.RetryCount,
		ProviderMessageID: r.ProviderMessageID.String,
		ErrorMessage:      r.ErrorMessage.String,
		SentAt:            msPtr(r.SentAt),
		CreatedAt:         time.UnixMilli(r.CreatedAt),
		UpdatedAt:         time.UnixMilli(r.UpdatedAt),
	}
}

func toJobs(rows []jobRow) ([]broadcast.Job, error) {
	out := make([]broadcast.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func toTargets(rows []targetRow) []broadcast.Target {
	out := make([]broadcast.Target, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTarget())
	}
	return out
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
