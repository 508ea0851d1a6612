package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "groupcast/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists the top-level keys that differ, sorted.
	Sections []string
	// RestartRequired lists sections whose new values only apply after a
	// process restart (listeners, drivers, connections).
	RestartRequired []string
	// Fields are safe to log: secrets are reduced to "is set" flags.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Diff compares two normalized configs.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http", true,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.PProf),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		mark("queue", true,
			logx.String("queue.driver", newCfg.Queue.Driver),
			logx.String("queue.name", newCfg.Queue.Name),
		)
	}

	// Credentials are resolved per send; only the provider choice is fixed.
	og, ng := oldCfg.Gateway, newCfg.Gateway
	if !reflect.DeepEqual(og, ng) {
		mark("gateway", og.Provider != ng.Provider || og.Timeout != ng.Timeout,
			logx.String("gateway.provider", ng.Provider),
			logx.Bool("gateway.endpoint_set", ng.Endpoint != ""),
			logx.Bool("gateway.token_set", ng.Token != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		mark("scheduler", false, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}

	if !reflect.DeepEqual(derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)) {
		te := derefTaskEngine(newCfg.TaskEngine)
		mark("task_engine", false,
			logx.Int("task_engine.workers", te.Workers),
			logx.Int("task_engine.queue_size", te.QueueSize),
			logx.Int("task_engine.retry_max", te.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		d := newCfg.Dispatcher
		mark("dispatcher", false,
			logx.Int("dispatcher.batch_size", d.BatchSize),
			logx.String("dispatcher.inter_send_delay", d.InterSendDelay),
			logx.String("dispatcher.lease_ttl", d.LeaseTTL),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watchdog, newCfg.Watchdog) {
		w := newCfg.Watchdog
		mark("watchdog", false,
			logx.Bool("watchdog.enabled", newCfg.WatchdogEnabled()),
			logx.String("watchdog.schedule", w.Schedule),
			logx.String("watchdog.stale_after", w.StaleAfter),
			logx.Int("watchdog.max_retries", w.Retries()),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
