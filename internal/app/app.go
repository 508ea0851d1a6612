package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"groupcast/internal/config"
	"groupcast/internal/dispatch"
	"groupcast/internal/gateway"
	"groupcast/internal/httpapi"
	"groupcast/internal/metrics"
	"groupcast/internal/queue"
	"groupcast/internal/runtime/supervisor"
	"groupcast/internal/storage"
	"groupcast/internal/task/engine"
	"groupcast/internal/task/scheduler"
	"groupcast/internal/watchdog"
	logx "groupcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	metrics *metrics.Metrics

	store   *storage.SQLStore
	queue   queue.Queue
	creds   *liveCredentials
	adapter gateway.Adapter

	engine *engine.Service
	sched  *scheduler.Service
	disp   *dispatch.Dispatcher
	wd     *watchdog.Watchdog
	http   *httpapi.Server

	// consumerCancel stops the queue consumer ahead of the engine so no
	// new invocations are accepted while workers drain.
	consumerCancel context.CancelFunc
	consumerDone   chan struct{}
	consumerOnce   sync.Once

	mu      sync.Mutex
	applied *config.Config
	wdSpec  string
}

// NewApp loads the config at cfgPath and builds every component. Store and
// queue connections are opened here; listeners and workers start in Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	comp, err := mapAll(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(comp.log)
	m := metrics.New()

	st, err := storage.Open(ctx, comp.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	q, err := queue.Open(ctx, comp.queue, log.With(logx.String("comp", "queue")))
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	creds := newLiveCredentials(st, comp.creds)
	ad, err := gateway.New(comp.gateway, creds, log)
	if err != nil {
		_ = q.Close()
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	eng := engine.New(comp.engine, log, m)
	sched := scheduler.New(comp.scheduler, eng, log.With(logx.String("comp", "scheduler")))
	disp := dispatch.New(st, ad, q, comp.dispatcher, log, m)
	wd := watchdog.New(st, q, comp.watchdog, log, m)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		metrics: m,
		store:   st,
		queue:   q,
		creds:   creds,
		adapter: ad,
		engine:  eng,
		sched:   sched,
		disp:    disp,
		wd:      wd,
		applied: cfg,
	}
	router := httpapi.NewRouter(httpapi.Deps{
		Store:    st,
		Gateway:  ad,
		Trigger:  q,
		Watchdog: wd,
		Later:    deferredDispatch{sched: sched, q: q},
		Metrics:  m,
		Log:      log,
		Health:   a.health,
	}, comp.http.Token, comp.http.PProf)
	a.http = httpapi.NewServer(comp.http, router, log)

	a.log.Info("app built",
		logx.String("store", comp.storage.Driver),
		logx.String("queue", q.Name()),
		logx.String("gateway", ad.Name()),
	)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr is the bound API address, useful when configured with port 0.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapAll(cfg)
		return err
	})

	if err := a.disp.Ready(ctx); err != nil {
		// Not fatal: credentials can arrive later through PUT /settings/gateway.
		a.log.Warn("gateway not ready; dispatch requests will be rejected until configured", logx.Err(err))
	}

	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	if err := a.syncWatchdogSchedule(a.cfgm.Get()); err != nil {
		return err
	}

	consumerCtx, cancel := context.WithCancel(runCtx)
	a.consumerCancel = cancel
	a.consumerDone = make(chan struct{})
	a.sup.GoRestart("queue.consume", func(context.Context) error {
		err := a.queue.Consume(consumerCtx, a.handleContinuation)
		if consumerCtx.Err() != nil || errors.Is(err, queue.ErrClosed) {
			a.consumerOnce.Do(func() { close(a.consumerDone) })
			return nil
		}
		if err == nil {
			err = errors.New("queue consumer exited")
		}
		return err
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	if err := a.http.Start(runCtx); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("http", a.http.Addr()))
	return nil
}

// handleContinuation turns one queue message into an engine task. Submit
// blocks while the engine queue is full, which applies backpressure to the
// consumer instead of dropping continuations.
func (a *App) handleContinuation(ctx context.Context, jobID string) error {
	return a.engine.Submit(ctx, a.disp.Task(jobID))
}

// syncWatchdogSchedule registers, replaces or removes the sweep schedule.
func (a *App) syncWatchdogSchedule(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !cfg.WatchdogEnabled() {
		if a.sched.Remove(watchdog.TaskName) {
			a.log.Info("watchdog schedule removed")
		}
		a.wdSpec = ""
		return nil
	}
	timeout, opt, run := a.wd.Task()
	if err := a.sched.AddSchedule(watchdog.TaskName, cfg.Watchdog.Schedule, timeout, opt, run); err != nil {
		return fmt.Errorf("watchdog schedule: %w", err)
	}
	if a.wdSpec != cfg.Watchdog.Schedule {
		a.log.Info("watchdog scheduled", logx.String("schedule", cfg.Watchdog.Schedule))
	}
	a.wdSpec = cfg.Watchdog.Schedule
	return nil
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"engine":    a.engine.Snapshot(),
		"scheduler": a.sched.Snapshot(),
		"queue":     a.queue.Name(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}
