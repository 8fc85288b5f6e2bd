package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"promobot/internal/domain"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// Validate reports whether spec would be accepted by AddSchedule.
func Validate(spec string) error {
	_, _, err := compile(spec)
	return err
}

// compile turns a schedule string into a cron expression and its parsed
// schedule. Intervals become "@every" descriptors.
func compile(raw string) (string, cron.Schedule, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	expr := ps.Cron
	if ps.Kind == SpecInterval {
		expr = "@every " + ps.Every.String()
	}
	sched, err := Parser.Parse(expr)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, raw, err)
	}
	return expr, sched, nil
}

// AddSchedule registers job under name, replacing any previous registration
// with that name. The spec is validated first; on error nothing changes.
//
// Accepted specs:
//   - cron: "*/5 * * * *", "0 30 9 * * 1", "@daily"
//   - interval: "5m", "2h30m", "00:50"
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, spec, timeout, TaskOptions{}, job)
}

func (s *Service) AddScheduleOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	expr, sched, err := compile(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: expr, schedule: sched, timeout: timeout, job: job, opt: opt}
	s.defs[name] = d
	if s.c != nil {
		s.registerLocked(d)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", expr), logx.String("next", s.previewLocked(sched, 3)))
	return nil
}

// AddDaily fires at HH:MM every day in the scheduler zone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddDailyOpt(name, atHHMM, timeout, TaskOptions{}, job)
}

func (s *Service) AddDailyOpt(name, atHHMM string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	h, m, err := domain.ParseHHMM(atHHMM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return s.AddScheduleOpt(name, fmt.Sprintf("%d %d * * *", m, h), timeout, opt, job)
}

// AddWeekly fires at HH:MM on weekday in the scheduler zone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddWeeklyOpt(name, weekday, atHHMM, timeout, TaskOptions{}, job)
}

func (s *Service) AddWeeklyOpt(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	h, m, err := domain.ParseHHMM(atHHMM)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return s.AddScheduleOpt(name, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), timeout, opt, job)
}

// Remove unregisters name. It reports whether anything was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[strings.TrimSpace(name)]
	return ok
}

// Names lists registered schedules, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.defs))
	for n := range s.defs {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Trigger enqueues name's job now, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	d := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("schedule %q: %w", name, domain.ErrNotFound)
	}
	return s.fire(d)
}

// NextRuns returns the next n fire times of spec after from, in loc.
func NextRuns(spec string, from time.Time, loc *time.Location, n int) ([]time.Time, error) {
	_, sched, err := compile(spec)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) registerLocked(d *scheduleDef) {
	d.entryID = s.c.Schedule(d.schedule, cron.FuncJob(func() {
		if err := s.fire(d); err != nil {
			s.reportEnqueueError(d.name, err)
		}
	}))
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

func (s *Service) fire(d *scheduleDef) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Task{Name: d.name, Timeout: d.timeout, Run: d.job, Opt: d.opt})
}

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	// Overlap skips are routine when a run outlasts its interval.
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

func (s *Service) previewLocked(sched cron.Schedule, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
