// Package queue carries dispatch continuations: "run another invocation for
// this job". Delivery is at-least-once; duplicates are harmless because the
// dispatcher holds a per-job lease.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	logx "groupcast/pkg/logx"
)

var ErrClosed = errors.New("queue closed")

// Handler receives one continuation. Its error is logged; the message is not redelivered.
type Handler func(ctx context.Context, jobID string) error

type Queue interface {
	Name() string
	Enqueue(ctx context.Context, jobID string) error
	// Consume blocks, feeding messages to h until ctx is done or the queue is closed.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

type Config struct {
	Driver string // memory (default), redis, amqp
	URL    string
	Name   string
	Buffer int // memory only
}

const defaultName = "groupcast:dispatch"

func Open(ctx context.Context, cfg Config, log logx.Logger) (Queue, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = defaultName
	}
	log = log.With(logx.String("queue", name))
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "memory":
		m := NewMemory(cfg.Buffer)
		m.log = log
		return m, nil
	case "redis":
		return OpenRedis(ctx, cfg.URL, name, log)
	case "amqp", "rabbitmq":
		return OpenAMQP(cfg.URL, name, log)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", d)
	}
}

type envelope struct {
	JobID string `json:"jobId"`
}

func encode(jobID string) ([]byte, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("empty job id")
	}
	return json.Marshal(envelope{JobID: jobID})
}

func decode(b []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return "", err
	}
	if e.JobID == "" {
		return "", errors.New("message has no jobId")
	}
	return e.JobID, nil
}

func handle(ctx context.Context, log logx.Logger, h Handler, jobID string) {
	if err := h(ctx, jobID); err != nil {
		log.Warn("continuation handler failed", logx.Job(jobID), logx.Err(err))
	}
}
