package broadcast

import (
	"fmt"
	"strings"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobPartial    JobStatus = "partial"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobCancelled},
	JobProcessing: {JobSent, JobPartial, JobFailed, JobCancelled},
	// Orphan revival only.
	JobSent:      {JobProcessing},
	JobPartial:   {JobProcessing},
	JobFailed:    {JobProcessing},
	JobCancelled: nil,
}

func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// Terminal reports whether the drain loop has finished with this Job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSent, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, t := range jobTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

// TargetStatus is the delivery state of one Target.
type TargetStatus string

const (
	TargetPending    TargetStatus = "pending"
	TargetProcessing TargetStatus = "processing"
	TargetSent       TargetStatus = "sent"
	TargetFailed     TargetStatus = "failed"
)

// failed->pending and processing->pending are watchdog resets.
var targetTransitions = map[TargetStatus][]TargetStatus{
	TargetPending:    {TargetProcessing},
	TargetProcessing: {TargetSent, TargetFailed, TargetPending},
	TargetSent:       nil,
	TargetFailed:     {TargetPending},
}

func (s TargetStatus) Valid() bool {
	_, ok := targetTransitions[s]
	return ok
}

func (s TargetStatus) Terminal() bool { return s == TargetSent || s == TargetFailed }

func (s TargetStatus) CanTransition(to TargetStatus) bool {
	for _, t := range targetTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

func ParseTargetStatus(raw string) (TargetStatus, error) {
	s := TargetStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown target status %q", raw)
	}
	return s, nil
}

// MessageType is the payload kind sent to every Target of a Job.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessagePoll     MessageType = "poll"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageDocument, MessagePoll:
		return true
	}
	return false
}

// NeedsMedia reports whether a media URL is mandatory for this type.
func (t MessageType) NeedsMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio, MessageDocument:
		return true
	}
	return false
}

// ParseMessageType accepts a message type in any letter case.
func ParseMessageType(raw string) (MessageType, error) {
	t := MessageType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown message type %q", raw)
	}
	return t, nil
}
