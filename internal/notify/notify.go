// Package notify posts campaign run reports to the operator chat.
//
// Reports are taken from campaign.dispatched events, queued, rate limited
// and retried. Delivery is best effort: a full queue drops the report.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"promobot/internal/dispatch"
	"promobot/internal/eventbus"
	rtsup "promobot/internal/runtime/supervisor"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

var ErrQueueFull = errors.New("notify queue full")

// Sender delivers one message to the operator chat.
type Sender interface {
	SendAlert(ctx context.Context, text string) error
}

type Config struct {
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses a repeated key. Run IDs are the keys.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	return c
}

type item struct {
	key  string
	text string
}

type Service struct {
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	queue chan item
	sup   *rtsup.Supervisor
	seen  map[string]time.Time

	// Sleep is swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log.With(logx.String("comp", "notify")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		seen:    map[string]time.Time{},
		Sleep:   sleepCtx,
	}
}

// Start subscribes to dispatch events and runs the delivery worker.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.queue = make(chan item, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	q := s.queue

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(32, dispatch.EventDispatched)
		s.sup.Go("notify.events", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					s.onEvent(e)
				}
			}
		})
	}
	s.sup.GoRestart("notify.worker", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case it := <-q:
				s.deliver(c, it)
			}
		}
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) onEvent(e eventbus.Event) {
	if e.Type != dispatch.EventDispatched {
		return
	}
	rep, ok := e.Data.(dispatch.SendReport)
	if !ok || rep.Total == 0 {
		return
	}
	if err := s.Notify(rep.RunID, FormatReport(rep)); err != nil {
		s.log.Debug("run report dropped", logx.String("run_id", rep.RunID), logx.Err(err))
	}
}

// Notify queues text unless key was seen within the dedup window.
func (s *Service) Notify(key, text string) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return errors.New("notify not started")
	}
	for k, until := range s.seen {
		if now.After(until) {
			delete(s.seen, k)
		}
	}
	if key != "" {
		if _, dup := s.seen[key]; dup {
			return nil
		}
	}
	select {
	case s.queue <- item{key: key, text: text}:
		if key != "" {
			s.seen[key] = now.Add(s.cfg.DedupWindow)
		}
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) deliver(ctx context.Context, it item) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		err := s.sender.SendAlert(ctx, it.text)
		if err == nil {
			return
		}
		if attempt > s.cfg.RetryMax || ctx.Err() != nil {
			s.log.Warn("run report not delivered", logx.String("key", it.key), logx.Int("attempts", attempt), logx.Err(err))
			return
		}
		delay := engine.Backoff(s.cfg.RetryBase, s.cfg.RetryMaxDelay, attempt, 0.2, rng)
		if s.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// FormatReport renders a SendReport as a short plain-text summary.
func FormatReport(r dispatch.SendReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Campaign %s run %s\n", r.CampaignID, r.RunID)
	fmt.Fprintf(&b, "recipients %d: sent %d, failed %d, skipped %d", r.Total, r.Sent, r.Failed, r.Skipped)
	if r.Cancelled > 0 {
		fmt.Fprintf(&b, ", cancelled %d", r.Cancelled)
	}
	if r.MediaFailed > 0 || r.PersistErrors > 0 {
		fmt.Fprintf(&b, "\nmedia failures %d, persist errors %d", r.MediaFailed, r.PersistErrors)
	}
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "\ntook %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	return b.String()
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
