package app

import (
	"context"
	"strings"

	"groupcast/internal/config"
	logx "groupcast/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Bursts are coalesced
// so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, cfg)
		}
	}
}

// applyConfig pushes the live-reloadable sections into running components.
// Sections bound to connections or listeners are only reported.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	comp, err := mapAll(cfg)
	if err != nil {
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}

	a.mu.Lock()
	prev := a.applied
	a.mu.Unlock()
	change := config.Diff(prev, cfg)
	if change.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	if change.Has("logging") {
		a.logs.Apply(comp.log)
	}
	if change.Has("gateway") {
		a.creds.set(comp.creds)
	}
	if change.Has("task_engine") {
		a.engine.Apply(ctx, comp.engine)
	}
	if change.Has("scheduler") {
		a.sched.Apply(comp.scheduler)
	}
	if change.Has("dispatcher") {
		a.disp.Apply(comp.dispatcher)
	}
	if change.Has("watchdog") {
		a.wd.Apply(comp.watchdog)
		if err := a.syncWatchdogSchedule(cfg); err != nil {
			a.log.Warn("watchdog schedule not updated", logx.Err(err))
		}
	}

	a.mu.Lock()
	a.applied = cfg
	a.mu.Unlock()

	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.RestartRequired, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Info("config applied", fields...)
}
