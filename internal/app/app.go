// Package app wires the campaign engine from a config file and owns its
// lifecycle and hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	alerttg "promobot/internal/alert/telegram"
	"promobot/internal/audience"
	"promobot/internal/campaign"
	"promobot/internal/config"
	"promobot/internal/dispatch"
	"promobot/internal/eventbus"
	"promobot/internal/gateway/httpbridge"
	"promobot/internal/ledger"
	"promobot/internal/notify"
	"promobot/internal/observability"
	"promobot/internal/reconcile"
	"promobot/internal/render"
	rtsup "promobot/internal/runtime/supervisor"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/scheduler"
	logx "promobot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics  *observability.Metrics
	registry *prometheus.Registry

	gateway    *httpbridge.Client
	ledger     *ledger.Ledger
	dispatcher *dispatch.Engine
	reconciler *reconcile.Reconciler

	engine    *engine.Service
	sched     *scheduler.Service
	campaigns *campaign.Service
	ops       *observability.Server
	reports   *notify.Service // nil unless alerts.run_reports
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	boot := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, boot)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	set, err := Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, root := logx.New(set.Logging, nil)
	log := root.With(logx.String("comp", "app"))
	var sender *alerttg.Sender
	if set.Alerts != nil {
		if sender, err = alerttg.New(*set.Alerts); err != nil {
			log.Warn("alerts disabled", logx.Err(err))
			sender = nil
		} else {
			logs.SetAlertSender(sender)
		}
	}
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()
	var reports *notify.Service
	if set.RunReports && sender != nil {
		reports = notify.New(notify.Config{}, sender, bus, root)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	store, err := storage.Open(ctx, set.Storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", set.Storage.Driver))

	gw, err := httpbridge.New(set.Gateway, metrics, root)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	led := ledger.New(store, ledger.Config{}, root, bus, metrics)
	disp := dispatch.New(set.Dispatch, dispatch.Deps{
		Gateway:   gw,
		Ledger:    led,
		Customers: store,
		Campaigns: store,
		Renderer:  render.New(set.DateLayout, set.RenderLoc),
		Log:       root,
		Bus:       bus,
		Metrics:   metrics,
	})
	rec := reconcile.New(set.Reconciler, store, gw, led, root, metrics)

	eng := engine.New(set.Engine, root.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(set.Scheduler, eng, root.With(logx.String("comp", "scheduler")))

	camps := campaign.New(set.Campaign, campaign.Deps{
		Store:      store,
		Resolver:   audience.NewResolver(store, nil),
		Dispatcher: disp,
		Reconciler: rec,
		Registry:   sched,
		Log:        root,
		Metrics:    metrics,
	})

	ops := observability.NewServer(set.Ops, observability.Sources{
		Gatherer:  reg,
		Schedules: sched,
		Engine:    eng,
		Campaigns: camps,
	}, root.With(logx.String("comp", "ops")))

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logs,
		bus:        bus,
		store:      store,
		metrics:    metrics,
		registry:   reg,
		gateway:    gw,
		ledger:     led,
		dispatcher: disp,
		reconciler: rec,
		engine:     eng,
		sched:      sched,
		campaigns:  camps,
		ops:        ops,
		reports:    reports,
	}, nil
}

// Campaigns exposes the operator operations.
func (a *App) Campaigns() *campaign.Service { return a.campaigns }

// Done is closed when the app supervisor is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := Resolve(cfg)
		return err
	})

	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if err := a.campaigns.Register(); err != nil {
		return fmt.Errorf("register sweeps: %w", err)
	}
	n, err := a.campaigns.Restore(run)
	if err != nil {
		a.log.Warn("restore campaign tasks", logx.Err(err))
	}
	a.log.Info("campaign tasks restored", logx.Int("count", n))

	if a.sched.Enabled() {
		a.sched.Start(run)
	}
	if a.ops.Enabled() {
		a.ops.Start(run)
	}
	if a.reports != nil {
		a.reports.Start(run)
	}

	a.logEvents()
	a.followConfig()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// logEvents mirrors bus traffic at debug level.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) followConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts to the newest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				if a.applyConfig(c, last, next) {
					last = next
				}
			}
		}
	})
}

// applyConfig pushes a validated reload into the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) bool {
	set, err := Resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return false
	}
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return true
	}
	for _, s := range restart {
		a.log.Warn("config section changed; restart required", logx.String("section", s))
	}

	a.logs.Apply(set.Logging)
	if changed(sections, "alerts") {
		a.swapAlertSender(set.Alerts)
	}

	wasEng, wasSched := a.engine.Enabled(), a.sched.Enabled()
	a.engine.Apply(ctx, set.Engine)
	a.sched.Apply(set.Scheduler)
	if wasSched && !set.Scheduler.Enabled {
		a.stopWithin(ctx, time.Second*3, a.sched.Stop)
	}
	if wasEng && !set.Engine.Enabled {
		a.stopWithin(ctx, time.Second*3, a.engine.Stop)
	}
	if !wasEng && set.Engine.Enabled {
		a.engine.Start(ctx)
	}
	if !wasSched && set.Scheduler.Enabled {
		a.sched.Start(ctx)
	}
	if err := a.campaigns.Apply(set.Campaign); err != nil {
		a.log.Warn("re-register sweeps", logx.Err(err))
	}

	a.dispatcher.Apply(set.Dispatch)
	a.reconciler.Apply(set.Reconciler)
	a.ops.Reconfigure(ctx, set.Ops)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
	return true
}

func (a *App) swapAlertSender(cfg *alerttg.Config) {
	if cfg == nil {
		a.logs.SetAlertSender(nil)
		return
	}
	sender, err := alerttg.New(*cfg)
	if err != nil {
		a.log.Warn("alerts sender rejected; keeping previous", logx.Err(err))
		return
	}
	a.logs.SetAlertSender(sender)
}

func (a *App) stopWithin(ctx context.Context, d time.Duration, stop func(context.Context)) {
	c, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	stop(c)
}

func changed(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

// Stop shuts components down in dependency order. Each step is bounded and
// never extends the caller's deadline.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	if a.reports != nil {
		step("notify", time.Second, func(c context.Context) error { a.reports.Stop(c); return nil })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
