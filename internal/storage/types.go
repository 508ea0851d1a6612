package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update matched no row: the record
	// was not in the expected state.
	ErrConflict  = errors.New("state conflict")
	ErrNoTargets = errors.New("job has no destinations")
)

// Config configures the store.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL, DSN is a lib/pq connection string
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

type Option func(*SQLStore)

// WithClock overrides the time source used for every timestamp the store writes.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}
