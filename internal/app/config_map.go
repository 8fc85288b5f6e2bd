package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	alerttg "promobot/internal/alert/telegram"
	"promobot/internal/campaign"
	"promobot/internal/config"
	"promobot/internal/dispatch"
	"promobot/internal/domain"
	"promobot/internal/gateway/httpbridge"
	"promobot/internal/observability"
	"promobot/internal/reconcile"
	"promobot/internal/render"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/scheduler"
	logx "promobot/pkg/logx"
)

// Settings is the file config mapped onto component configs.
type Settings struct {
	Logging    logx.Config
	Alerts     *alerttg.Config // nil when alerts are not configured
	RunReports bool
	Scheduler  scheduler.Config
	Engine     engine.Config
	Campaign   campaign.Config
	Dispatch   dispatch.Config
	Reconciler reconcile.Config
	DateLayout string
	RenderLoc  *time.Location
	Gateway    httpbridge.Config
	Storage    storage.Config
	Ops        observability.ServerConfig
}

// Resolve validates cfg and maps it. Every problem is reported, not just
// the first.
func Resolve(cfg *config.Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	hhmm := func(path, raw string) {
		if raw == "" {
			return
		}
		if _, _, err := domain.ParseHHMM(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	nonNeg := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}

	var s Settings

	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when logging.file.enabled"))
	}
	if cfg.Alerts.Token != "" && cfg.Alerts.ChatID != 0 {
		s.Alerts = &alerttg.Config{Token: cfg.Alerts.Token, ChatID: cfg.Alerts.ChatID, ThreadID: cfg.Alerts.ThreadID}
		s.RunReports = cfg.Alerts.RunReports
	} else if cfg.Logging.Alerts.Enabled || cfg.Alerts.RunReports {
		errs = append(errs, errors.New("logging.alerts and alerts.run_reports need alerts.token and alerts.chat_id"))
	}

	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	s.Scheduler = scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}

	te := cfg.TaskEngine
	enabled := cfg.Scheduler.Enabled
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		errs = append(errs, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true"))
	}
	nonNeg("task_engine.workers", te.Workers)
	nonNeg("task_engine.queue_size", te.QueueSize)
	nonNeg("task_engine.history_size", te.HistorySize)
	nonNeg("task_engine.retry_max", te.RetryMax)
	s.Engine = engine.Config{
		Enabled:        enabled,
		Workers:        orInt(te.Workers, 2),
		QueueSize:      orInt(te.QueueSize, 256),
		DefaultTimeout: dur("task_engine.default_timeout", te.DefaultTimeout, 0),
		MaxQueueDelay:  dur("task_engine.max_queue_delay", te.MaxQueueDelay, 0),
		HistorySize:    orInt(te.HistorySize, 200),
		RetryMax:       orInt(te.RetryMax, 3),
	}

	weekday, err := config.ParseWeekday(cfg.Scheduler.WeeklyDay)
	if err != nil {
		errs = append(errs, err)
	}
	hhmm("scheduler.daily_at", cfg.Scheduler.DailyAt)
	hhmm("scheduler.weekly_at", cfg.Scheduler.WeeklyAt)
	for path, spec := range map[string]string{"scheduler.due_sweep": cfg.Scheduler.DueSweep, "scheduler.status_sweep": cfg.Scheduler.StatusSweep} {
		if spec == "" {
			continue
		}
		if err := scheduler.Validate(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	s.Campaign = campaign.Config{
		DailyAt:     cfg.Scheduler.DailyAt,
		WeeklyDay:   weekday,
		WeeklyAt:    cfg.Scheduler.WeeklyAt,
		DueSweep:    cfg.Scheduler.DueSweep,
		StatusSweep: cfg.Scheduler.StatusSweep,
		RunTimeout:  dur("scheduler.run_timeout", cfg.Scheduler.RunTimeout, 6*time.Hour),
	}

	nonNeg("dispatch.batch_size", cfg.Dispatch.BatchSize)
	nonNeg("dispatch.max_recipients", cfg.Dispatch.MaxRecipients)
	s.Dispatch = dispatch.Config{
		BatchSize:     cfg.Dispatch.BatchSize,
		BatchDelay:    dur("dispatch.batch_delay", cfg.Dispatch.BatchDelay, 0),
		SendTimeout:   dur("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second),
		MaxRecipients: cfg.Dispatch.MaxRecipients,
	}

	nonNeg("reconciler.batch_limit", cfg.Reconciler.BatchLimit)
	s.Reconciler = reconcile.Config{
		BatchLimit:  cfg.Reconciler.BatchLimit,
		PollTimeout: dur("reconciler.poll_timeout", cfg.Reconciler.PollTimeout, 10*time.Second),
	}

	s.DateLayout = cfg.Render.DateLayout
	if s.DateLayout == "" {
		s.DateLayout = render.DefaultDateLayout
	}
	renderTZ := strings.TrimSpace(cfg.Render.Timezone)
	if renderTZ == "" {
		renderTZ = tz
	}
	s.RenderLoc = time.Local
	if renderTZ != "" {
		if loc, err := time.LoadLocation(renderTZ); err == nil {
			s.RenderLoc = loc
		} else {
			errs = append(errs, fmt.Errorf("render.timezone: invalid %q: %w", renderTZ, err))
		}
	}

	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		errs = append(errs, errors.New("gateway.base_url is required"))
	}
	br := cfg.Gateway.Breaker
	s.Gateway = httpbridge.Config{
		BaseURL: strings.TrimSpace(cfg.Gateway.BaseURL),
		Token:   cfg.Gateway.Token,
		Timeout: dur("gateway.timeout", cfg.Gateway.Timeout, 15*time.Second),
		Breaker: httpbridge.BreakerConfig{
			MaxRequests:         br.MaxRequests,
			Interval:            dur("gateway.breaker.interval", br.Interval, 0),
			OpenTimeout:         dur("gateway.breaker.open_timeout", br.OpenTimeout, 20*time.Second),
			ConsecutiveFailures: br.ConsecutiveFailures,
		},
	}

	st, err := mapStorage(cfg.Storage)
	if err != nil {
		errs = append(errs, err)
	}
	st.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	s.Storage = st

	s.Ops = observability.ServerConfig{
		Enabled:       cfg.Ops.Enabled,
		Addr:          strings.TrimSpace(cfg.Ops.Addr),
		Token:         strings.TrimSpace(cfg.Ops.Token),
		AllowInsecure: cfg.Ops.AllowInsecure,
		ReadTimeout:   dur("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second),
		WriteTimeout:  dur("ops.write_timeout", cfg.Ops.WriteTimeout, 60*time.Second),
		IdleTimeout:   dur("ops.idle_timeout", cfg.Ops.IdleTimeout, 60*time.Second),
	}

	return s, errors.Join(errs...)
}

func mapStorage(sc config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN), MaxConns: sc.MaxConns}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return out, errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "postgresql", "pg":
		if out.DSN == "" {
			return out, errors.New("storage.dsn (or PROMOBOT_STORAGE_DSN) is required when storage.driver=postgres")
		}
	default:
		return out, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
