package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"promobot/internal/audience"
	"promobot/internal/dispatch"
	"promobot/internal/domain"
	"promobot/internal/gateway"
	"promobot/internal/ledger"
	"promobot/internal/reconcile"
	"promobot/internal/render"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	"promobot/internal/task/scheduler"
	logx "promobot/pkg/logx"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// syncEnqueuer runs tasks inline so Trigger is synchronous in tests.
type syncEnqueuer struct {
	mu   sync.Mutex
	errs map[string]error
}

func (e *syncEnqueuer) Enqueue(t engine.Task) error {
	err := t.Run(context.Background())
	e.mu.Lock()
	if e.errs == nil {
		e.errs = map[string]error{}
	}
	e.errs[t.Name] = err
	e.mu.Unlock()
	return nil
}

type stubGateway struct {
	mu     sync.Mutex
	sent   []string
	failTo map[string]bool
	seq    int
}

func (g *stubGateway) SendText(_ context.Context, phone, text string) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, phone+"|"+text)
	if g.failTo[phone] {
		return gateway.Result{Error: "undeliverable"}, nil
	}
	g.seq++
	return gateway.Result{OK: true, ProviderMessageID: fmt.Sprintf("wa-%d", g.seq)}, nil
}

func (g *stubGateway) SendMedia(ctx context.Context, phone, _, caption string) (gateway.Result, error) {
	return g.SendText(ctx, phone, caption)
}

func (g *stubGateway) GetMessageStatus(context.Context, string) (gateway.Status, error) {
	return gateway.StatusDelivered, nil
}

// hookDispatcher records dispatched campaign IDs and calls before ahead of
// each dispatch.
type hookDispatcher struct {
	Dispatcher
	before func(id string)

	mu  sync.Mutex
	ids []string
}

func (h *hookDispatcher) Dispatch(ctx context.Context, camp domain.Campaign, rs []domain.Customer) (dispatch.SendReport, error) {
	h.mu.Lock()
	h.ids = append(h.ids, camp.ID)
	h.mu.Unlock()
	if h.before != nil {
		h.before(camp.ID)
	}
	return h.Dispatcher.Dispatch(ctx, camp, rs)
}

func (g *stubGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type env struct {
	store  storage.Store
	reg    *scheduler.Service
	enq    *syncEnqueuer
	gw     *stubGateway
	disp   *dispatch.Engine
	svc    *Service
	now    time.Time
	delays int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: storage.NewMemory(), enq: &syncEnqueuer{}, gw: &stubGateway{failTo: map[string]bool{}}, now: t0}
	clock := func() time.Time { return e.now }
	log := logx.Nop()
	e.reg = scheduler.New(scheduler.Config{Timezone: "UTC"}, e.enq, log)
	led := ledger.New(e.store, ledger.Config{RetryMax: 1}, log, nil, nil)
	e.disp = dispatch.New(dispatch.Config{BatchSize: 10, BatchDelay: time.Second}, dispatch.Deps{
		Gateway:   e.gw,
		Ledger:    led,
		Customers: e.store,
		Campaigns: e.store,
		Renderer:  &render.Renderer{DateLayout: render.DefaultDateLayout, Location: time.UTC, Now: clock},
		Log:       log,
	})
	e.disp.Now = clock
	e.disp.Sleep = func(ctx context.Context, _ time.Duration) error {
		e.delays++
		return ctx.Err()
	}
	e.svc = New(Config{}, Deps{
		Store:      e.store,
		Resolver:   audience.NewResolver(e.store, clock),
		Dispatcher: e.disp,
		Reconciler: reconcile.New(reconcile.Config{}, e.store, e.gw, led, log, nil),
		Registry:   e.reg,
		Log:        log,
	})
	e.svc.Now = clock
	if err := e.svc.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return e
}

func (e *env) customers(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		c := domain.Customer{ID: fmt.Sprintf("c%02d", i), Name: "Ana Silva", Phone: fmt.Sprintf("55%02d", i), Status: domain.CustomerActive}
		if err := e.store.UpsertCustomer(context.Background(), c); err != nil {
			t.Fatalf("UpsertCustomer: %v", err)
		}
	}
}

func (e *env) trigger(t *testing.T, name string) error {
	t.Helper()
	if err := e.reg.Trigger(name); err != nil {
		t.Fatalf("Trigger(%s): %v", name, err)
	}
	e.enq.mu.Lock()
	defer e.enq.mu.Unlock()
	return e.enq.errs[name]
}

func (e *env) load(t *testing.T, id string) domain.Campaign {
	t.Helper()
	c, err := e.store.LoadCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("LoadCampaign(%s): %v", id, err)
	}
	return c
}

func newCampaign(id string, r domain.Recurrence) domain.Campaign {
	return domain.Campaign{
		ID:        id,
		Name:      "Promo " + id,
		Template:  "Hi {{name}}, visit us on {{start_date}}",
		Targeting: domain.TargetingRule{AllClients: true},
		Schedule:  domain.Schedule{StartAt: t0, Recurrence: r},
	}
}

func TestRegisterInstallsSweeps(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for _, name := range []string{TaskDaily, TaskWeekly, TaskDue, TaskStatus} {
		if !e.reg.Has(name) {
			t.Fatalf("missing task %s", name)
		}
	}
	if err := e.svc.Apply(Config{DueSweep: "not a spec"}); !errors.Is(err, scheduler.ErrInvalidSpec) {
		t.Fatalf("got %v, want ErrInvalidSpec", err)
	}
}

func TestScheduleRejectsInvalidCronBeforeRegistration(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := newCampaign("bad", domain.RecurCustom)
	c.Schedule.Cron = "61 * * * *"
	if _, err := e.svc.Schedule(context.Background(), c); !errors.Is(err, domain.ErrInvalidCron) {
		t.Fatalf("got %v, want ErrInvalidCron", err)
	}
	c.Schedule.Cron = ""
	if _, err := e.svc.Schedule(context.Background(), c); !errors.Is(err, domain.ErrInvalidCron) {
		t.Fatalf("empty cron: got %v, want ErrInvalidCron", err)
	}
	if _, err := e.store.LoadCampaign(context.Background(), "bad"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("invalid campaign was saved: %v", err)
	}
	if e.svc.HasTask("bad") {
		t.Fatalf("invalid campaign was registered")
	}

	end := t0.Add(-time.Hour)
	c = newCampaign("bad2", domain.RecurOnce)
	c.Schedule.EndAt = &end
	if _, err := e.svc.Schedule(context.Background(), c); !errors.Is(err, domain.ErrInvalidSchedule) {
		t.Fatalf("got %v, want ErrInvalidSchedule", err)
	}
}

// An empty audience sends nothing and leaves the campaign alone.
func TestEmptyAudienceLeavesOnceCampaignScheduled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if _, err := e.svc.Schedule(context.Background(), newCampaign("a", domain.RecurOnce)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := e.trigger(t, TaskDue); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	c := e.load(t, "a")
	if c.Status != domain.CampaignScheduled || c.Metrics != (domain.Metrics{}) {
		t.Fatalf("got status=%s metrics=%+v", c.Status, c.Metrics)
	}
	if e.gw.count() != 0 {
		t.Fatalf("gateway was called")
	}
}

// Once campaigns are rendered per recipient and completed after the run.
func TestOnceCampaignDispatchedAndCompleted(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 1)
	if _, err := e.svc.Schedule(context.Background(), newCampaign("b", domain.RecurOnce)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := e.trigger(t, TaskDue); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	c := e.load(t, "b")
	if c.Status != domain.CampaignCompleted || c.Metrics.MessagesSent != 1 || c.LastRunAt == nil {
		t.Fatalf("got %+v", c)
	}
	if got, want := e.gw.sent[0], "5500|Hi Ana, visit us on 01/03/2025"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// 25 recipients in batches of 10 with one failure in the second batch.
func TestSendNowReportsPerRecipientFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 25)
	e.gw.failTo["5515"] = true
	c := newCampaign("c", domain.RecurWeekly)
	if _, err := e.svc.Schedule(context.Background(), c); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	rep, err := e.svc.SendNow(context.Background(), "c")
	if err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if rep.Total != 25 || rep.Sent != 24 || rep.Failed != 1 || rep.Skipped != 0 {
		t.Fatalf("got %+v", rep)
	}
	if e.delays != 2 || rep.Delays != 2 {
		t.Fatalf("got %d delays, want 2", e.delays)
	}
	if got := e.load(t, "c").Status; got != domain.CampaignScheduled {
		t.Fatalf("recurring campaign status changed to %s", got)
	}
}

// Cancelling a campaign that has no dedicated task is not an error.
func TestCancelWithoutTaskIsNoop(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if _, err := e.svc.Schedule(context.Background(), newCampaign("d", domain.RecurDaily)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	c, err := e.svc.Cancel(context.Background(), "d")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if c.Status != domain.CampaignCancelled || e.svc.HasTask("d") {
		t.Fatalf("got %+v", c)
	}
	if _, err := e.svc.Cancel(context.Background(), "d"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second cancel: got %v, want ErrInvalidTransition", err)
	}
}

func TestCustomCampaignLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 3)
	end := t0.Add(48 * time.Hour)
	c := newCampaign("x", domain.RecurCustom)
	c.Schedule.Cron = "0 */6 * * *"
	c.Schedule.EndAt = &end
	if _, err := e.svc.Schedule(context.Background(), c); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := e.trigger(t, TaskDue); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	if got := e.load(t, "x").Status; got != domain.CampaignActive || !e.svc.HasTask("x") {
		t.Fatalf("got status %s task=%v, want active with task", got, e.svc.HasTask("x"))
	}

	if err := e.trigger(t, TaskName("x")); err != nil {
		t.Fatalf("campaign task: %v", err)
	}
	if got := e.load(t, "x").Metrics.MessagesSent; got != 3 {
		t.Fatalf("got %d sent, want 3", got)
	}

	// Locked while active.
	name := "renamed"
	if _, err := e.svc.UpdateContent(context.Background(), "x", domain.ContentPatch{Name: &name}); !errors.Is(err, domain.ErrCampaignLocked) {
		t.Fatalf("got %v, want ErrCampaignLocked", err)
	}

	e.now = end.Add(time.Minute)
	if err := e.trigger(t, TaskName("x")); err != nil {
		t.Fatalf("campaign task after end: %v", err)
	}
	if got := e.load(t, "x").Status; got != domain.CampaignCompleted || e.svc.HasTask("x") {
		t.Fatalf("got status %s task=%v, want completed without task", got, e.svc.HasTask("x"))
	}
	if got := e.gw.count(); got != 3 {
		t.Fatalf("got %d sends, want 3", got)
	}
}

func TestDailySweepDispatchesAndCompletes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 2)
	end := t0.Add(24 * time.Hour)
	live := newCampaign("live", domain.RecurDaily)
	done := newCampaign("done", domain.RecurDaily)
	done.Schedule.EndAt = &end
	for _, c := range []domain.Campaign{live, done} {
		if _, err := e.svc.Schedule(context.Background(), c); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if err := e.trigger(t, TaskDue); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	e.now = end.Add(time.Hour)
	if err := e.trigger(t, TaskDaily); err != nil {
		t.Fatalf("daily sweep: %v", err)
	}
	if c := e.load(t, "live"); c.Status != domain.CampaignActive || c.Metrics.MessagesSent != 2 {
		t.Fatalf("live: got %s sent=%d", c.Status, c.Metrics.MessagesSent)
	}
	if c := e.load(t, "done"); c.Status != domain.CampaignCompleted || c.Metrics.MessagesSent != 0 {
		t.Fatalf("done: got %s sent=%d", c.Status, c.Metrics.MessagesSent)
	}
}

func TestPauseResumeAndRestore(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := newCampaign("m", domain.RecurMonthly)
	c.Schedule.TimeOfDay = "10:30"
	if _, err := e.svc.Schedule(context.Background(), c); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	_ = e.trigger(t, TaskDue)
	if !e.svc.HasTask("m") {
		t.Fatalf("monthly campaign has no task")
	}
	if _, err := e.svc.Pause(context.Background(), "m"); err != nil || e.svc.HasTask("m") {
		t.Fatalf("Pause: %v task=%v", err, e.svc.HasTask("m"))
	}
	got, err := e.svc.Resume(context.Background(), "m")
	if err != nil || got.Status != domain.CampaignActive || !e.svc.HasTask("m") {
		t.Fatalf("Resume: %+v %v", got.Status, err)
	}

	e.reg.Remove(TaskName("m"))
	n, err := e.svc.Restore(context.Background())
	if err != nil || n != 1 || !e.svc.HasTask("m") {
		t.Fatalf("Restore: n=%d err=%v", n, err)
	}
}

func TestRescheduleReplacesTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := newCampaign("r", domain.RecurCustom)
	c.Schedule.Cron = "0 9 * * *"
	if _, err := e.svc.Schedule(context.Background(), c); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	_ = e.trigger(t, TaskDue)

	bad := c.Schedule
	bad.Cron = "nope nope"
	if _, err := e.svc.Reschedule(context.Background(), "r", bad); !errors.Is(err, domain.ErrInvalidCron) {
		t.Fatalf("got %v, want ErrInvalidCron", err)
	}
	if got := e.load(t, "r").Schedule.Cron; got != "0 9 * * *" {
		t.Fatalf("invalid reschedule was saved: %q", got)
	}

	daily := domain.Schedule{StartAt: t0, Recurrence: domain.RecurDaily}
	if _, err := e.svc.Reschedule(context.Background(), "r", daily); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if e.svc.HasTask("r") {
		t.Fatalf("daily campaign kept a dedicated task")
	}
}

func TestCancelHaltsInFlightDispatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 30)
	if _, err := e.svc.Schedule(context.Background(), newCampaign("h", domain.RecurWeekly)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	e.disp.Sleep = func(ctx context.Context, _ time.Duration) error {
		if _, err := e.svc.Cancel(context.Background(), "h"); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return ctx.Err()
	}
	rep, err := e.svc.SendNow(context.Background(), "h")
	if err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if rep.Sent != 10 || rep.Cancelled != 20 {
		t.Fatalf("got sent=%d cancelled=%d, want 10/20", rep.Sent, rep.Cancelled)
	}
	if e.svc.Running("h") {
		t.Fatalf("run guard not released")
	}
}

func TestRunGuardRejectsConcurrentRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 1)
	if _, err := e.svc.Schedule(context.Background(), newCampaign("g", domain.RecurWeekly)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	_, release, err := e.svc.acquire(context.Background(), "g")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := e.svc.SendNow(context.Background(), "g"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("got %v, want ErrRunInProgress", err)
	}
	release()
	if _, err := e.svc.SendNow(context.Background(), "g"); err != nil {
		t.Fatalf("SendNow after release: %v", err)
	}
}

func TestStatusSweepAppliesReceipts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 2)
	if _, err := e.svc.Schedule(context.Background(), newCampaign("s", domain.RecurOnce)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	_ = e.trigger(t, TaskDue)
	if err := e.trigger(t, TaskStatus); err != nil {
		t.Fatalf("status sweep: %v", err)
	}
	if got := e.load(t, "s").Metrics.Delivered; got != 2 {
		t.Fatalf("got delivered=%d, want 2", got)
	}
}

func TestTaskSpecMonthly(t *testing.T) {
	t.Parallel()
	sch := domain.Schedule{StartAt: time.Date(2025, 1, 15, 8, 5, 0, 0, time.UTC), Recurrence: domain.RecurMonthly}
	spec, ok, err := taskSpec(sch, time.UTC)
	if err != nil || !ok || spec != "cron:5 8 15 * *" {
		t.Fatalf("got %q %v %v", spec, ok, err)
	}
	sch.TimeOfDay = "18:45"
	spec, _, _ = taskSpec(sch, time.UTC)
	if spec != "cron:45 18 15 * *" {
		t.Fatalf("got %q", spec)
	}
	if _, ok, _ := taskSpec(domain.Schedule{Recurrence: domain.RecurDaily}, time.UTC); ok {
		t.Fatalf("daily campaigns have no dedicated task")
	}
}

func TestSweepSkipsCampaignCancelledWhileEarlierOneSends(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 2)
	for _, id := range []string{"a", "b"} {
		if _, err := e.svc.Schedule(context.Background(), newCampaign(id, domain.RecurDaily)); err != nil {
			t.Fatalf("Schedule(%s): %v", id, err)
		}
	}
	if err := e.trigger(t, TaskDue); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	hook := &hookDispatcher{Dispatcher: e.disp}
	hook.before = func(id string) {
		if id != "a" {
			return
		}
		if _, err := e.svc.Cancel(context.Background(), "b"); err != nil {
			t.Errorf("Cancel(b): %v", err)
		}
	}
	e.svc.dispatcher = hook

	if err := e.trigger(t, TaskDaily); err != nil {
		t.Fatalf("daily sweep: %v", err)
	}
	if len(hook.ids) != 1 || hook.ids[0] != "a" {
		t.Fatalf("got dispatched %v, want [a]", hook.ids)
	}
	if c := e.load(t, "b"); c.Status != domain.CampaignCancelled || c.Metrics.MessagesSent != 0 || c.LastRunAt != nil {
		t.Fatalf("b: got status=%s sent=%d", c.Status, c.Metrics.MessagesSent)
	}
	if got := e.gw.count(); got != 2 {
		t.Fatalf("got %d sends, want 2", got)
	}
}

func TestOnceCampaignCancelledMidRunStaysCancelled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 15)
	if _, err := e.svc.Schedule(context.Background(), newCampaign("o", domain.RecurOnce)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	e.disp.Sleep = func(ctx context.Context, _ time.Duration) error {
		if _, err := e.svc.Cancel(context.Background(), "o"); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return ctx.Err()
	}
	if err := e.trigger(t, TaskDue); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	if c := e.load(t, "o"); c.Status != domain.CampaignCancelled || c.Metrics.MessagesSent != 10 {
		t.Fatalf("got status=%s sent=%d, want cancelled with 10 sent", c.Status, c.Metrics.MessagesSent)
	}
}

func TestRescheduleActiveToOnceReturnsToDueSweep(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.customers(t, 2)
	c := newCampaign("w", domain.RecurCustom)
	c.Schedule.Cron = "0 9 * * *"
	if _, err := e.svc.Schedule(context.Background(), c); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := e.trigger(t, TaskDue); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	if got := e.load(t, "w").Status; got != domain.CampaignActive {
		t.Fatalf("got %s, want active", got)
	}

	once := domain.Schedule{StartAt: t0, Recurrence: domain.RecurOnce}
	got, err := e.svc.Reschedule(context.Background(), "w", once)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if got.Status != domain.CampaignScheduled || e.svc.HasTask("w") {
		t.Fatalf("got status=%s task=%v, want scheduled without task", got.Status, e.svc.HasTask("w"))
	}

	if err := e.trigger(t, TaskDue); err != nil {
		t.Fatalf("due sweep: %v", err)
	}
	if c := e.load(t, "w"); c.Status != domain.CampaignCompleted || c.Metrics.MessagesSent != 2 {
		t.Fatalf("got status=%s sent=%d, want completed with 2 sent", c.Status, c.Metrics.MessagesSent)
	}
}

// optRegistry records the task options each name was registered with.
type optRegistry struct {
	opts map[string]engine.TaskOptions
}

func (r *optRegistry) AddSchedule(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	return r.AddScheduleOpt(name, spec, timeout, engine.TaskOptions{}, job)
}

func (r *optRegistry) AddScheduleOpt(name, _ string, _ time.Duration, opt engine.TaskOptions, _ func(ctx context.Context) error) error {
	r.opts[name] = opt
	return nil
}

func (r *optRegistry) AddDailyOpt(name, _ string, _ time.Duration, opt engine.TaskOptions, _ func(ctx context.Context) error) error {
	r.opts[name] = opt
	return nil
}

func (r *optRegistry) AddWeeklyOpt(name string, _ time.Weekday, _ string, _ time.Duration, opt engine.TaskOptions, _ func(ctx context.Context) error) error {
	r.opts[name] = opt
	return nil
}

func (r *optRegistry) Remove(name string) bool {
	_, ok := r.opts[name]
	delete(r.opts, name)
	return ok
}
func (r *optRegistry) Has(name string) bool     { _, ok := r.opts[name]; return ok }
func (r *optRegistry) Location() *time.Location { return time.UTC }

type nopReconciler struct{}

func (nopReconciler) Reconcile(context.Context) (reconcile.Summary, error) {
	return reconcile.Summary{}, nil
}

func TestDispatchingTasksRunDedicated(t *testing.T) {
	t.Parallel()
	reg := &optRegistry{opts: map[string]engine.TaskOptions{}}
	svc := New(Config{}, Deps{Store: storage.NewMemory(), Reconciler: nopReconciler{}, Registry: reg})
	if err := svc.Register(); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c := newCampaign("x", domain.RecurCustom)
	c.Schedule.Cron = "0 9 * * *"
	if err := svc.registerTask(c); err != nil {
		t.Fatalf("registerTask: %v", err)
	}

	tests := []struct {
		name      string
		dedicated bool
	}{
		{TaskDaily, true},
		{TaskWeekly, true},
		{TaskDue, true},
		{TaskName("x"), true},
		{TaskStatus, false},
	}
	for _, tt := range tests {
		opt, ok := reg.opts[tt.name]
		if !ok {
			t.Fatalf("%s not registered", tt.name)
		}
		if opt.Dedicated != tt.dedicated {
			t.Fatalf("%s: got dedicated=%v, want %v", tt.name, opt.Dedicated, tt.dedicated)
		}
	}
}
