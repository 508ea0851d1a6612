package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/task/engine"
	logx "groupcast/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func New(cfg Config, target Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		target: target,
		// SecondOptional accepts both 5- and 6-field specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:        map[string]*scheduleDef{},
		once:        map[string]*onceDef{},
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins triggering every registered schedule. It is idempotent.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and pending one-shots. Definitions survive so a
// later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for name, o := range s.once {
		o.timer.Stop()
		delete(s.once, name)
	}
	s.tmu.Unlock()
	s.log.Info("scheduler stopped")
}

// Apply swaps the config. A timezone change rebuilds the cron runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		d.entryID = 0
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
}

// AddSchedule registers or replaces the schedule called name. schedule
// accepts anything ParseSchedule does.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	d := &scheduleDef{name: name, timeout: timeout, opt: opt, job: job}
	switch ps.Kind {
	case SpecInterval:
		d.every = ps.Every
		d.spec = "@every " + ps.Every.String()
	default:
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("parse cron %q: %w", ps.Cron, err)
		}
		d.spec = ps.Cron
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		delete(s.defs, name)
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec), logx.Time("next", s.c.Entry(d.entryID).Next))
	return nil
}

// Remove drops a recurring schedule. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *scheduleDef) error {
	fire := func() { s.fire(d.name, d.timeout, d.opt, d.job) }
	if d.every > 0 {
		sched, _ := makeIntervalScheduleWithSpread(d.every, time.Now(), d.name)
		d.entryID = s.c.Schedule(sched, cron.FuncJob(fire))
		return nil
	}
	id, err := s.c.AddFunc(d.spec, fire)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// AddOnce enqueues job a single time at the given instant. Registering the
// same name again replaces the pending trigger. Times in the past fire
// immediately.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev, ok := s.once[name]; ok {
		prev.timer.Stop()
	}
	s.onceN++
	ver := s.onceN
	o := &onceDef{at: at, ver: ver}
	o.timer = time.AfterFunc(max(time.Until(at), 0), func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		s.tmu.Unlock()
		s.fire(name, timeout, opt, job)
	})
	s.once[name] = o
	return nil
}

// CancelOnce drops a pending one-shot trigger.
func (s *Service) CancelOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	o, ok := s.once[name]
	if !ok {
		return false
	}
	o.timer.Stop()
	delete(s.once, name)
	return true
}

func (s *Service) fire(name string, timeout time.Duration, opt engine.TaskOptions, job Job) {
	if s.target == nil {
		return
	}
	err := s.target.Enqueue(engine.Task{
		ID:      fmt.Sprintf("%s@%d", name, time.Now().UnixNano()),
		Name:    name,
		Timeout: timeout,
		Opt:     opt,
		Run:     job,
	})
	s.reportEnqueueError(name, err)
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// An overlapping previous run is normal for sweeps.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	s.mu.Unlock()
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })

	s.tmu.Lock()
	for name := range s.once {
		snap.Pending = append(snap.Pending, name)
	}
	s.tmu.Unlock()
	sort.Strings(snap.Pending)
	return snap
}
