package queue

import (
	"context"
	"sync"

	logx "groupcast/pkg/logx"
)

// Memory is an in-process queue for single-node deployments and tests.
type Memory struct {
	ch   chan string
	done chan struct{}
	once sync.Once
	log  logx.Logger
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{ch: make(chan string, buffer), done: make(chan struct{}), log: logx.Nop()}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Enqueue(ctx context.Context, jobID string) error {
	if _, err := encode(jobID); err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- jobID:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case id := <-m.ch:
			handle(ctx, m.log, h, id)
		}
	}
}

// Len reports the number of buffered continuations.
func (m *Memory) Len() int { return len(m.ch) }

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
