// Package gateway sends one message to one destination through an external
// messaging provider.
//
// Adapters never retry. Ordinary delivery failures come back as a Result with
// OK=false; the error return is reserved for conditions that make every
// further send pointless, such as missing or rejected credentials or a
// provider asking the caller to back off.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"groupcast/internal/broadcast"
)

// ErrNotConfigured is wrapped by every fatal credential error.
var ErrNotConfigured = errors.New("gateway not configured")

// ThrottledError means the provider rate-limited the sender. RetryAfter is
// the provider's hint, zero when it gave none.
type ThrottledError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s throttled sends, retry after %s", e.Provider, e.RetryAfter)
	}
	return e.Provider + " throttled sends"
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}

type Message struct {
	Type        broadcast.MessageType
	Destination string
	Content     string
	MediaURL    string
	PollOptions []string
}

// MessageFor builds the gateway message for one target of job.
func MessageFor(job broadcast.Job, destination string) Message {
	return Message{
		Type:        job.MessageType,
		Destination: destination,
		Content:     job.Content,
		MediaURL:    job.MediaURL,
		PollOptions: job.PollOptions,
	}
}

type Result struct {
	OK                bool
	ProviderMessageID string
	Error             string
}

func failed(msg string) Result { return Result{OK: false, Error: msg} }

type Adapter interface {
	Name() string
	// Ready reports ErrNotConfigured when credentials are missing.
	Ready(ctx context.Context) error
	Send(ctx context.Context, msg Message) (Result, error)
}
