package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	logx "groupcast/pkg/logx"
)

const (
	redisPopTimeout   = 5 * time.Second
	redisErrorBackoff = time.Second
)

// Redis is a list-backed queue: RPUSH to enqueue, BLPOP to consume.
type Redis struct {
	client *redis.Client
	key    string
	log    logx.Logger
	closed atomic.Bool
}

// OpenRedis connects using a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, rawURL, key string, log logx.Logger) (*Redis, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("redis queue url is required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, key, log), nil
}

func NewRedis(client *redis.Client, key string, log logx.Logger) *Redis {
	if key == "" {
		key = defaultName
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, key: key, log: log}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Enqueue(ctx context.Context, jobID string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	b, err := encode(jobID)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.key, b).Err()
}

func (r *Redis) Consume(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil || r.closed.Load() {
			return nil
		}
		res, err := r.client.BLPop(ctx, redisPopTimeout, r.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil || r.closed.Load() {
				return nil
			}
			r.log.Warn("redis pop failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(redisErrorBackoff):
			}
			continue
		}
		// BLPOP replies with [key, value].
		if len(res) != 2 {
			continue
		}
		jobID, err := decode([]byte(res[1]))
		if err != nil {
			r.log.Warn("dropping malformed continuation", logx.Err(err))
			continue
		}
		handle(ctx, r.log, h, jobID)
	}
}

// Len reports the list length.
func (r *Redis) Len(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.key).Result()
}

func (r *Redis) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.client.Close()
}
