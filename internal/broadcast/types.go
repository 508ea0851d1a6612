package broadcast

import (
	"errors"
	"strings"
	"time"
)

// Job is one broadcast request: a single payload fanned out to many Targets.
type Job struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	MediaURL    string      `json:"mediaUrl,omitempty"`
	MessageType MessageType `json:"messageType"`
	PollOptions []string    `json:"pollOptions,omitempty"`
	Status      JobStatus   `json:"status"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	SuccessfulSends int `json:"successfulSends"`
	FailedSends     int `json:"failedSends"`
	TotalTargets    int `json:"totalTargets"`

	LeaseToken string     `json:"-"`
	LeaseUntil *time.Time `json:"-"`
}

// Due reports whether the Job may be dispatched at now.
func (j Job) Due(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// Validate checks the payload fields that the gateway depends on.
func (j Job) Validate() error {
	if !j.MessageType.Valid() {
		return errors.New("invalid message type")
	}
	if j.MessageType.NeedsMedia() && strings.TrimSpace(j.MediaURL) == "" {
		return errors.New("mediaUrl is required for " + string(j.MessageType))
	}
	if j.MessageType == MessagePoll && len(j.PollOptions) < 2 {
		return errors.New("poll requires at least 2 options")
	}
	// Media types treat content as an optional caption.
	if !j.MessageType.NeedsMedia() && strings.TrimSpace(j.Content) == "" {
		return errors.New("content is required")
	}
	return nil
}

// Target is one destination of a Job and the unit of delivery and retry.
type Target struct {
	ID                string       `json:"id"`
	JobID             string       `json:"jobId"`
	Seq               int64        `json:"seq"`
	Destination       string       `json:"destination"`
	Status            TargetStatus `json:"status"`
	RetryCount        int          `json:"retryCount"`
	ProviderMessageID string       `json:"providerMessageId,omitempty"`
	ErrorMessage      string       `json:"errorMessage,omitempty"`
	SentAt            *time.Time   `json:"sentAt,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// TargetCounts is the per-status Target tally for one Job.
type TargetCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

func (c TargetCounts) Total() int { return c.Pending + c.Processing + c.Sent + c.Failed }

// Drained is true when no Target is pending or in flight.
func (c TargetCounts) Drained() bool { return c.Pending == 0 && c.Processing == 0 }

// Outcome computes the terminal Job status. ok is false while work remains.
// A Job without Targets counts as sent.
func (c TargetCounts) Outcome() (status JobStatus, ok bool) {
	if !c.Drained() {
		return "", false
	}
	switch {
	case c.Total() > 0 && c.Failed == c.Total():
		return JobFailed, true
	case c.Failed == 0:
		return JobSent, true
	default:
		return JobPartial, true
	}
}
