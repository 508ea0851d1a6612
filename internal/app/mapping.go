package app

import (
	"fmt"
	"strings"
	"time"

	"groupcast/internal/config"
	"groupcast/internal/dispatch"
	"groupcast/internal/gateway"
	"groupcast/internal/httpapi"
	"groupcast/internal/queue"
	"groupcast/internal/storage"
	"groupcast/internal/task/engine"
	"groupcast/internal/task/scheduler"
	"groupcast/internal/watchdog"
	logx "groupcast/pkg/logx"
)

// The map* helpers translate the file config into component configs. They
// run after config.Validate, so errors here are unexpected but still returned.

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.TrimSpace(sc.Driver),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Driver: cfg.Queue.Driver,
		URL:    cfg.Queue.URL,
		Name:   cfg.Queue.Name,
		Buffer: cfg.Queue.Buffer,
	}
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, gateway.Credentials, error) {
	timeout, err := parseDurationOrDefault("gateway.timeout", cfg.Gateway.Timeout, 15*time.Second)
	if err != nil {
		return gateway.Config{}, gateway.Credentials{}, err
	}
	g := cfg.Gateway
	return gateway.Config{Provider: g.Provider, Timeout: timeout}, gateway.Credentials{
		Endpoint:    g.Endpoint,
		InstanceID:  g.InstanceID,
		Token:       g.Token,
		ClientToken: g.ClientToken,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{}, nil
	}
	defTimeout, err := parseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := parseDurationOrDefault("task_engine.max_queue_delay", te.MaxQueueDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatcher
	delay, err := parseDurationOrDefault("dispatcher.inter_send_delay", dc.InterSendDelay, time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	lease, err := parseDurationOrDefault("dispatcher.lease_ttl", dc.LeaseTTL, 2*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	inv, err := parseDurationOrDefault("dispatcher.invocation_timeout", dc.InvocationTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		BatchSize:         dc.BatchSize,
		InterSendDelay:    delay,
		LeaseTTL:          lease,
		InvocationTimeout: inv,
	}, nil
}

func mapWatchdogConfig(cfg *config.Config) (watchdog.Config, error) {
	wc := cfg.Watchdog
	stale, err := parseDurationOrDefault("watchdog.stale_after", wc.StaleAfter, 10*time.Minute)
	if err != nil {
		return watchdog.Config{}, err
	}
	backoff, err := parseDurationOrDefault("watchdog.retry_backoff", wc.RetryBackoff, 5*time.Minute)
	if err != nil {
		return watchdog.Config{}, err
	}
	timeout, err := parseDurationOrDefault("watchdog.timeout", wc.Timeout, 0)
	if err != nil {
		return watchdog.Config{}, err
	}
	return watchdog.Config{
		StaleAfter:   stale,
		MaxRetries:   wc.Retries(),
		RetryBackoff: backoff,
		SweepLimit:   wc.SweepLimit,
		Timeout:      timeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	var out httpapi.Config
	out.Addr, out.Token, out.PProf = hc.Addr, hc.Token, hc.PProf
	for _, f := range []struct {
		path, raw string
		dst       *time.Duration
		def       time.Duration
	}{
		{"http.read_timeout", hc.ReadTimeout, &out.ReadTimeout, 30 * time.Second},
		{"http.write_timeout", hc.WriteTimeout, &out.WriteTimeout, time.Minute},
		{"http.idle_timeout", hc.IdleTimeout, &out.IdleTimeout, 2 * time.Minute},
	} {
		d, err := parseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return httpapi.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

// components bundles every mapped config so New and the reload loop share
// one validation path.
type components struct {
	log        logx.Config
	storage    storage.Config
	queue      queue.Config
	gateway    gateway.Config
	creds      gateway.Credentials
	engine     engine.Config
	dispatcher dispatch.Config
	watchdog   watchdog.Config
	http       httpapi.Config
	scheduler  scheduler.Config
}

func mapAll(cfg *config.Config) (components, error) {
	if cfg == nil {
		return components{}, fmt.Errorf("config is nil")
	}
	var (
		c   components
		err error
	)
	c.log = mapLoggingConfig(cfg)
	c.queue = mapQueueConfig(cfg)
	c.scheduler = mapSchedulerConfig(cfg)
	if c.storage, err = mapStorageConfig(cfg); err != nil {
		return c, err
	}
	if c.gateway, c.creds, err = mapGatewayConfig(cfg); err != nil {
		return c, err
	}
	if c.engine, err = mapTaskEngineConfig(cfg); err != nil {
		return c, err
	}
	if c.dispatcher, err = mapDispatcherConfig(cfg); err != nil {
		return c, err
	}
	if c.watchdog, err = mapWatchdogConfig(cfg); err != nil {
		return c, err
	}
	if c.http, err = mapHTTPConfig(cfg); err != nil {
		return c, err
	}
	return c, nil
}
