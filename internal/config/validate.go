package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"groupcast/internal/task/scheduler"
)

// Normalize fills omitted fields with their defaults so diffs and logs show
// effective values.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Driver == "sqlite" && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultSQLitePath
	}

	cfg.Queue.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}

	cfg.Gateway.Provider = strings.ToLower(strings.TrimSpace(cfg.Gateway.Provider))
	if cfg.Gateway.Provider == "" {
		cfg.Gateway.Provider = DefaultGatewayProvider
	}

	d := &cfg.Dispatcher
	if d.BatchSize <= 0 {
		d.BatchSize = DefaultBatchSize
	}
	if strings.TrimSpace(d.InterSendDelay) == "" {
		d.InterSendDelay = DefaultInterSendDelay
	}
	if strings.TrimSpace(d.LeaseTTL) == "" {
		d.LeaseTTL = DefaultLeaseTTL
	}

	w := &cfg.Watchdog
	if strings.TrimSpace(w.Schedule) == "" {
		w.Schedule = DefaultWatchdogSchedule
	}
	if strings.TrimSpace(w.StaleAfter) == "" {
		w.StaleAfter = DefaultStaleAfter
	}
	if w.MaxRetries == nil {
		n := DefaultMaxRetries
		w.MaxRetries = &n
	}
	if strings.TrimSpace(w.RetryBackoff) == "" {
		w.RetryBackoff = DefaultRetryBackoff
	}
	if w.SweepLimit <= 0 {
		w.SweepLimit = DefaultSweepLimit
	}
}

// Validate reports every problem found in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled=true"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required when storage.driver=postgres (or set %s)", EnvStorageDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.MaxOpenConns < 0 {
		errs = append(errs, errors.New("storage.max_open_conns must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)) {
	case "", "memory":
	case "redis", "amqp", "rabbitmq":
		if strings.TrimSpace(cfg.Queue.URL) == "" {
			errs = append(errs, fmt.Errorf("queue.url is required when queue.driver=%s (or set %s)", cfg.Queue.Driver, EnvQueueURL))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unknown driver %q", cfg.Queue.Driver))
	}
	if cfg.Queue.Buffer < 0 {
		errs = append(errs, errors.New("queue.buffer must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Provider)) {
	case "", "zapi", "telegram":
	default:
		errs = append(errs, fmt.Errorf("gateway.provider: unknown provider %q", cfg.Gateway.Provider))
	}
	dur("gateway.timeout", cfg.Gateway.Timeout)

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			errs = append(errs, errors.New("task_engine: counts must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	if cfg.Dispatcher.BatchSize < 0 {
		errs = append(errs, errors.New("dispatcher.batch_size must be >= 0"))
	}
	dur("dispatcher.inter_send_delay", cfg.Dispatcher.InterSendDelay)
	lease := dur("dispatcher.lease_ttl", cfg.Dispatcher.LeaseTTL)
	dur("dispatcher.invocation_timeout", cfg.Dispatcher.InvocationTimeout)

	if strings.TrimSpace(cfg.Watchdog.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(cfg.Watchdog.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("watchdog.schedule: %w", err))
		}
	}
	stale := dur("watchdog.stale_after", cfg.Watchdog.StaleAfter)
	dur("watchdog.retry_backoff", cfg.Watchdog.RetryBackoff)
	dur("watchdog.timeout", cfg.Watchdog.Timeout)
	if cfg.Watchdog.Retries() < 0 {
		errs = append(errs, errors.New("watchdog.max_retries must be >= 0"))
	}
	if cfg.Watchdog.SweepLimit < 0 {
		errs = append(errs, errors.New("watchdog.sweep_limit must be >= 0"))
	}
	// A revived job must be able to take over a dead holder's lease.
	if lease > 0 && stale > 0 && lease >= stale {
		errs = append(errs, fmt.Errorf("dispatcher.lease_ttl (%s) must be shorter than watchdog.stale_after (%s)", lease, stale))
	}

	return errors.Join(errs...)
}
