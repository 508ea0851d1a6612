package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "2m"). Omitted
// fields fall back to the defaults of the component they configure.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	HTTP       HTTPConfig        `json:"http"`
	Storage    StorageConfig     `json:"storage"`
	Queue      QueueConfig       `json:"queue"`
	Gateway    GatewayConfig     `json:"gateway"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Dispatcher DispatcherConfig  `json:"dispatcher"`
	Watchdog   WatchdogConfig    `json:"watchdog"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "console" (default) or "json".
	Format string        `json:"format,omitempty"`
	File   LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the API listener. Token, when set, is required as a
// bearer token on every route except /healthz and /metrics.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	Token        string `json:"token,omitempty"`
	PProf        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the job store.
//
//   - driver "sqlite" (default) uses Path.
//   - driver "postgres" uses DSN (lib/pq syntax).
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// QueueConfig selects the continuation queue: memory (default), redis or amqp.
type QueueConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url,omitempty"`
	Name   string `json:"name,omitempty"`
	Buffer int    `json:"buffer,omitempty"`
}

// GatewayConfig holds the static provider credentials. Values stored in the
// gateway_settings table take precedence at send time.
type GatewayConfig struct {
	Provider    string `json:"provider"`
	Endpoint    string `json:"endpoint,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"`
	Token       string `json:"token,omitempty"`
	ClientToken string `json:"client_token,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs invocations and sweeps.
//
// Defaults (when omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 2
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type DispatcherConfig struct {
	BatchSize         int    `json:"batch_size,omitempty"`
	InterSendDelay    string `json:"inter_send_delay,omitempty"`
	LeaseTTL          string `json:"lease_ttl,omitempty"`
	InvocationTimeout string `json:"invocation_timeout,omitempty"`
}

// WatchdogConfig controls the recovery sweep. Schedule accepts a cron spec
// or an interval ("2m", "every:5m").
type WatchdogConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Schedule     string `json:"schedule,omitempty"`
	StaleAfter   string `json:"stale_after,omitempty"`
	MaxRetries   *int   `json:"max_retries,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"`
	SweepLimit   int    `json:"sweep_limit,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// Defaults applied by Normalize.
const (
	DefaultHTTPAddr         = "127.0.0.1:8080"
	DefaultSQLitePath       = "./data/groupcast.db"
	DefaultGatewayProvider  = "zapi"
	DefaultBatchSize        = 50
	DefaultInterSendDelay   = "1s"
	DefaultLeaseTTL         = "2m"
	DefaultWatchdogSchedule = "2m"
	DefaultStaleAfter       = "10m"
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = "5m"
	DefaultSweepLimit       = 200
)

// WatchdogEnabled reports whether the scheduled sweep should be registered.
// Omitted means enabled.
func (c *Config) WatchdogEnabled() bool {
	return c.Watchdog.Enabled == nil || *c.Watchdog.Enabled
}

// Retries returns the configured retry cap. Omitted means
// DefaultMaxRetries; an explicit 0 disables retries.
func (w WatchdogConfig) Retries() int {
	if w.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *w.MaxRetries
}
