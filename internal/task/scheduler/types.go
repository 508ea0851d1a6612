package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/task/engine"
	logx "groupcast/pkg/logx"
)

type Config struct {
	Timezone string // IANA name, e.g. "America/Sao_Paulo". Empty means local time.
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	opt     engine.TaskOptions
	job     Job
	entryID cron.EntryID
	every   time.Duration // set for interval schedules
}

type onceDef struct {
	at    time.Time
	timer *time.Timer
	ver   uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	target Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	tmu   sync.Mutex
	once  map[string]*onceDef
	onceN uint64

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	Pending   []string       `json:"pending_once,omitempty"`
}
