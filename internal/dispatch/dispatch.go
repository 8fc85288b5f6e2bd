// Package dispatch sends one campaign run to a resolved audience in
// sequential batches with bounded fan-out inside each batch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"promobot/internal/domain"
	"promobot/internal/eventbus"
	"promobot/internal/gateway"
	"promobot/internal/observability"
	"promobot/internal/render"
	logx "promobot/pkg/logx"
)

// EventDispatched carries the SendReport of a finished run.
const EventDispatched = "campaign.dispatched"

type Config struct {
	BatchSize   int
	BatchDelay  time.Duration
	SendTimeout time.Duration
	// MaxRecipients is advisory: larger audiences are logged and counted,
	// never truncated. 0 disables the check.
	MaxRecipients int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Ledger is the message writer used per recipient.
type Ledger interface {
	Enqueue(ctx context.Context, m domain.Message) (domain.Message, error)
	MarkSent(ctx context.Context, id, waID string, at time.Time) (domain.Message, error)
	MarkFailed(ctx context.Context, id, reason string) (domain.Message, error)
}

type Customers interface {
	GetCustomer(ctx context.Context, id string) (domain.Customer, error)
}

type MetricsWriter interface {
	IncrementCampaignMetrics(ctx context.Context, id string, d domain.MetricsDelta) error
}

type Deps struct {
	Gateway   gateway.Client
	Ledger    Ledger
	Customers Customers
	Campaigns MetricsWriter
	Renderer  *render.Renderer
	Log       logx.Logger
	Bus       eventbus.Bus
	Metrics   *observability.Metrics
}

type SendReport struct {
	RunID         string    `json:"run_id"`
	CampaignID    string    `json:"campaign_id"`
	Total         int       `json:"total"`
	Sent          int       `json:"sent"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Cancelled     int       `json:"cancelled"`
	MediaFailed   int       `json:"media_failed"`
	PersistErrors int       `json:"persist_errors"`
	Batches       int       `json:"batches"`
	Delays        int       `json:"delays"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

type Engine struct {
	mu  sync.RWMutex
	cfg Config

	deps Deps
	log  logx.Logger

	// Now and Sleep are swapped in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Deps) *Engine {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Renderer == nil {
		deps.Renderer = render.New(render.DefaultDateLayout, time.Local)
	}
	return &Engine{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		log:   log.With(logx.String("comp", "dispatch")),
		Now:   time.Now,
		Sleep: sleepCtx,
	}
}

// Apply swaps settings for subsequent runs. A run in progress keeps the
// settings it started with.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Dispatch sends camp to recipients. Cancelling ctx stops new batches from
// starting; the batch in flight completes. The returned error is non-nil
// only for persistence failures, which are also counted in the report.
func (e *Engine) Dispatch(ctx context.Context, camp domain.Campaign, recipients []domain.Customer) (SendReport, error) {
	cfg := e.Config()
	rep := SendReport{
		RunID:      uuid.NewString(),
		CampaignID: camp.ID,
		Total:      len(recipients),
		StartedAt:  e.Now(),
	}
	if len(recipients) == 0 {
		rep.FinishedAt = rep.StartedAt
		return rep, nil
	}
	log := e.log.With(logx.String("campaign", camp.ID), logx.String("run", rep.RunID))
	if cfg.MaxRecipients > 0 && len(recipients) > cfg.MaxRecipients {
		log.Warn("audience exceeds max_recipients", logx.Int("audience", len(recipients)), logx.Int("max", cfg.MaxRecipients))
		e.deps.Metrics.OverLimit()
	}
	log.Info("dispatch started", logx.Int("recipients", len(recipients)), logx.Int("batch_size", cfg.BatchSize))

	// In-flight sends and ledger writes outlive cancellation of ctx.
	work := context.WithoutCancel(ctx)
	var tally tally

	for start := 0; start < len(recipients); start += cfg.BatchSize {
		if start > 0 {
			if err := e.Sleep(ctx, cfg.BatchDelay); err != nil {
				rep.Cancelled = len(recipients) - start
				break
			}
			rep.Delays++
			e.deps.Metrics.Delay(cfg.BatchDelay)
		}
		if ctx.Err() != nil {
			rep.Cancelled = len(recipients) - start
			break
		}
		end := min(start+cfg.BatchSize, len(recipients))
		e.runBatch(work, cfg, camp, recipients[start:end], &tally, log)
		rep.Batches++
		e.deps.Metrics.Batch()
	}
	tally.into(&rep)
	if rep.Cancelled > 0 {
		log.Warn("dispatch halted", logx.Int("cancelled", rep.Cancelled))
	}

	var errs []error
	if tally.persistErr != nil {
		errs = append(errs, tally.persistErr)
	}
	// Recipients halted before their batch were never attempted.
	delta := domain.MetricsDelta{TotalRecipients: int64(rep.Total - rep.Cancelled), MessagesSent: int64(rep.Sent)}
	if err := e.deps.Campaigns.IncrementCampaignMetrics(work, camp.ID, delta); err != nil {
		rep.PersistErrors++
		errs = append(errs, fmt.Errorf("%w: campaign metrics: %v", domain.ErrPersistence, err))
		log.Error("campaign counters not updated", logx.Err(err))
	}
	rep.FinishedAt = e.Now()

	log.Info("dispatch finished",
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("cancelled", rep.Cancelled),
		logx.Int("media_failed", rep.MediaFailed),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(eventbus.Event{Type: EventDispatched, Data: rep})
	}
	return rep, errors.Join(errs...)
}

func (e *Engine) runBatch(ctx context.Context, cfg Config, camp domain.Campaign, batch []domain.Customer, t *tally, log logx.Logger) {
	// No shared context: one recipient failing never cancels its siblings.
	var g errgroup.Group
	g.SetLimit(cfg.BatchSize)
	for _, c := range batch {
		c := c
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("recipient panic", logx.String("customer", c.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					t.add(outcomeFailed, 0, nil)
				}
			}()
			t.add(e.sendOne(ctx, cfg, camp, c, log))
			return nil
		})
	}
	_ = g.Wait()
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (e *Engine) sendOne(ctx context.Context, cfg Config, camp domain.Campaign, c domain.Customer, log logx.Logger) (outcome, int, error) {
	text := e.deps.Renderer.Render(camp.Template, c, camp)
	msg, err := e.deps.Ledger.Enqueue(ctx, domain.Message{
		CustomerID: c.ID,
		CampaignID: camp.ID,
		Phone:      c.Phone,
		Content:    text,
		Media:      camp.Media,
		Kind:       domain.KindFor(camp.Media),
	})
	if err != nil {
		e.deps.Metrics.Send("persist_error")
		return outcomeFailed, 0, err
	}

	// Status may have changed since the audience was resolved.
	cur, err := e.deps.Customers.GetCustomer(ctx, c.ID)
	if err != nil || !cur.Active() {
		if err != nil {
			log.Warn("recipient lookup failed, skipping", logx.String("customer", c.ID), logx.Err(err))
		}
		e.deps.Metrics.Send("skipped")
		return outcomeSkipped, 0, nil
	}

	res, err := e.primarySend(ctx, cfg, cur.Phone, camp.Media, text)
	if err != nil || !res.OK {
		reason := res.Error
		if err != nil {
			reason = err.Error()
		}
		if reason == "" {
			reason = "gateway rejected message"
		}
		e.deps.Metrics.Send("failed")
		if _, ferr := e.deps.Ledger.MarkFailed(ctx, msg.ID, reason); ferr != nil {
			return outcomeFailed, 0, ferr
		}
		return outcomeFailed, 0, nil
	}

	mediaFailed := 0
	if len(camp.Media) > 1 {
		for _, ref := range camp.Media {
			r, err := e.call(ctx, cfg, func(cctx context.Context) (gateway.Result, error) {
				return e.deps.Gateway.SendMedia(cctx, cur.Phone, ref, "")
			})
			if err != nil || !r.OK {
				mediaFailed++
				log.Warn("follow-on media failed", logx.String("customer", c.ID), logx.String("media", ref), logx.String("reason", firstNonEmpty(r.Error, errString(err))))
			}
		}
	}

	if _, err := e.deps.Ledger.MarkSent(ctx, msg.ID, res.ProviderMessageID, e.Now()); err != nil {
		e.deps.Metrics.Send("persist_error")
		return outcomeFailed, mediaFailed, err
	}
	e.deps.Metrics.Send("sent")
	return outcomeSent, mediaFailed, nil
}

// primarySend sends text alone, or a single attachment with the text as its
// caption. With several attachments the text goes first on its own.
func (e *Engine) primarySend(ctx context.Context, cfg Config, phone string, media []string, text string) (gateway.Result, error) {
	return e.call(ctx, cfg, func(cctx context.Context) (gateway.Result, error) {
		if len(media) == 1 {
			return e.deps.Gateway.SendMedia(cctx, phone, media[0], text)
		}
		return e.deps.Gateway.SendText(cctx, phone, text)
	})
}

func (e *Engine) call(ctx context.Context, cfg Config, fn func(context.Context) (gateway.Result, error)) (gateway.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	res, err := fn(cctx)
	if err == nil && cctx.Err() != nil {
		err = cctx.Err()
	}
	return res, err
}

type tally struct {
	mu            sync.Mutex
	sent, failed  int
	skipped       int
	mediaFailed   int
	persistErrors int
	persistErr    error
}

func (t *tally) add(o outcome, mediaFailed int, perr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeSent:
		t.sent++
	case outcomeFailed:
		t.failed++
	case outcomeSkipped:
		t.skipped++
	}
	t.mediaFailed += mediaFailed
	if perr != nil {
		t.persistErrors++
		if t.persistErr == nil {
			t.persistErr = perr
		}
	}
}

func (t *tally) into(r *SendReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.Sent, r.Failed, r.Skipped = t.sent, t.failed, t.skipped
	r.MediaFailed = t.mediaFailed
	r.PersistErrors = t.persistErrors
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
