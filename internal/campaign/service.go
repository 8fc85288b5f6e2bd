// Package campaign drives campaign lifecycles on top of the task registry:
// recurring sweeps, per-campaign cron tasks and the operator operations.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"promobot/internal/dispatch"
	"promobot/internal/domain"
	"promobot/internal/observability"
	"promobot/internal/reconcile"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// Registered task names.
const (
	TaskDaily  = "campaign.daily"
	TaskWeekly = "campaign.weekly"
	TaskDue    = "campaign.due"
	TaskStatus = "message.status"
)

// runOpt is used by every task that may dispatch. Such tasks can hold on
// for hours of batch delays, so each gets its own goroutine and the status
// sweep always finds a free worker.
var runOpt = engine.TaskOptions{Dedicated: true}

// TaskName is the registry key of a campaign's dedicated task.
func TaskName(id string) string { return "campaign:" + id }

type Config struct {
	DailyAt     string // HH:MM
	WeeklyDay   time.Weekday
	WeeklyAt    string // HH:MM
	DueSweep    string // registry spec, e.g. "5m"
	StatusSweep string
	// RunTimeout bounds one campaign run, including its inter-batch delays.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DailyAt == "" {
		c.DailyAt = "09:00"
	}
	if c.WeeklyAt == "" {
		c.WeeklyAt = c.DailyAt
	}
	if c.DueSweep == "" {
		c.DueSweep = "5m"
	}
	if c.StatusSweep == "" {
		c.StatusSweep = "2m"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 6 * time.Hour
	}
	return c
}

type Store interface {
	LoadCampaign(ctx context.Context, id string) (domain.Campaign, error)
	SaveCampaign(ctx context.Context, c domain.Campaign) error
	ListCampaigns(ctx context.Context, f storage.CampaignFilter) ([]domain.Campaign, error)
}

type Resolver interface {
	Resolve(ctx context.Context, rule domain.TargetingRule) ([]domain.Customer, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, camp domain.Campaign, recipients []domain.Customer) (dispatch.SendReport, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Summary, error)
}

// Registry is the named cron table tasks are registered in.
type Registry interface {
	AddSchedule(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error
	AddScheduleOpt(name, spec string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error
	AddDailyOpt(name, atHHMM string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error
	AddWeeklyOpt(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) error
	Remove(name string) bool
	Has(name string) bool
	Location() *time.Location
}

type Deps struct {
	Store      Store
	Resolver   Resolver
	Dispatcher Dispatcher
	Reconciler Reconciler
	Registry   Registry
	Log        logx.Logger
	Metrics    *observability.Metrics
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store      Store
	resolver   Resolver
	dispatcher Dispatcher
	reconciler Reconciler
	registry   Registry
	log        logx.Logger
	metrics    *observability.Metrics

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	Now func() time.Time
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		store:      deps.Store,
		resolver:   deps.Resolver,
		dispatcher: deps.Dispatcher,
		reconciler: deps.Reconciler,
		registry:   deps.Registry,
		log:        log.With(logx.String("comp", "campaign")),
		metrics:    deps.Metrics,
		runs:       map[string]context.CancelFunc{},
		Now:        time.Now,
	}
}

// Register installs the sweep tasks. Calling it again replaces them.
func (s *Service) Register() error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var errs []error
	if err := s.registry.AddDailyOpt(TaskDaily, cfg.DailyAt, cfg.RunTimeout, runOpt, func(ctx context.Context) error {
		return s.sweepRecurring(ctx, domain.RecurDaily)
	}); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", TaskDaily, err))
	}
	if err := s.registry.AddWeeklyOpt(TaskWeekly, cfg.WeeklyDay, cfg.WeeklyAt, cfg.RunTimeout, runOpt, func(ctx context.Context) error {
		return s.sweepRecurring(ctx, domain.RecurWeekly)
	}); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", TaskWeekly, err))
	}
	if err := s.registry.AddScheduleOpt(TaskDue, cfg.DueSweep, cfg.RunTimeout, runOpt, s.sweepDue); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", TaskDue, err))
	}
	if s.reconciler != nil {
		if err := s.registry.AddSchedule(TaskStatus, cfg.StatusSweep, 0, s.reconcile); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", TaskStatus, err))
		}
	}
	return errors.Join(errs...)
}

// Apply swaps sweep settings and re-registers the sweeps.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	return s.Register()
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) location() *time.Location {
	if s.registry != nil {
		if loc := s.registry.Location(); loc != nil {
			return loc
		}
	}
	return time.Local
}

func (s *Service) now() time.Time { return s.Now().In(s.location()) }

// HasTask reports whether id has a dedicated registry task.
func (s *Service) HasTask(id string) bool { return s.registry.Has(TaskName(id)) }
