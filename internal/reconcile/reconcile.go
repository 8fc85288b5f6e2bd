// Package reconcile polls the gateway for receipts of sent messages and
// feeds them through the ledger.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"promobot/internal/domain"
	"promobot/internal/gateway"
	"promobot/internal/observability"
	logx "promobot/pkg/logx"
)

type Config struct {
	BatchLimit  int
	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	return c
}

type Source interface {
	FindMessagesAwaitingStatus(ctx context.Context, limit int) ([]domain.Message, error)
}

type StatusApplier interface {
	ApplyStatus(ctx context.Context, id string, status domain.MessageStatus, reason string, at time.Time) (bool, error)
}

// Summary counts one pass. Errors holds gateway and ledger failures; they
// are logged, never returned.
type Summary struct {
	Checked   int `json:"checked"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

type Reconciler struct {
	mu  sync.RWMutex
	cfg Config

	src     Source
	gw      gateway.Client
	ledger  StatusApplier
	log     logx.Logger
	metrics *observability.Metrics
	Now     func() time.Time
}

func New(cfg Config, src Source, gw gateway.Client, ledger StatusApplier, log logx.Logger, metrics *observability.Metrics) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		cfg:     cfg.withDefaults(),
		src:     src,
		gw:      gw,
		ledger:  ledger,
		log:     log.With(logx.String("comp", "reconcile")),
		metrics: metrics,
		Now:     time.Now,
	}
}

func (r *Reconciler) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Reconcile runs one pass. Only a failure to list candidates is returned.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	var sum Summary
	msgs, err := r.src.FindMessagesAwaitingStatus(ctx, cfg.BatchLimit)
	if err != nil {
		return sum, fmt.Errorf("list awaiting status: %w", err)
	}
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		r.one(ctx, cfg, m, &sum)
	}
	if sum.Checked > 0 {
		r.log.Debug("reconcile pass",
			logx.Int("checked", sum.Checked),
			logx.Int("delivered", sum.Delivered),
			logx.Int("read", sum.Read),
			logx.Int("failed", sum.Failed),
			logx.Int("errors", sum.Errors),
		)
	}
	return sum, nil
}

func (r *Reconciler) one(ctx context.Context, cfg Config, m domain.Message, sum *Summary) {
	pctx, cancel := context.WithTimeout(ctx, cfg.PollTimeout)
	st, err := r.gw.GetMessageStatus(pctx, m.WaID)
	cancel()
	if err != nil {
		sum.Errors++
		r.metrics.Reconcile("gateway_error")
		r.log.Warn("status poll failed", logx.String("id", m.ID), logx.String("wa_id", m.WaID), logx.Err(err))
		return
	}

	var to domain.MessageStatus
	switch st {
	case gateway.StatusDelivered:
		to = domain.MessageDelivered
	case gateway.StatusRead:
		to = domain.MessageRead
	case gateway.StatusFailed:
		to = domain.MessageFailed
	default:
		sum.Unchanged++
		r.metrics.Reconcile("unchanged")
		return
	}

	changed, err := r.ledger.ApplyStatus(ctx, m.ID, to, "provider reported failure", r.Now())
	switch {
	case err != nil:
		sum.Errors++
		r.metrics.Reconcile("ledger_error")
		r.log.Warn("status apply failed", logx.String("id", m.ID), logx.Err(err))
	case !changed:
		sum.Unchanged++
		r.metrics.Reconcile("unchanged")
	default:
		switch to {
		case domain.MessageDelivered:
			sum.Delivered++
		case domain.MessageRead:
			sum.Read++
		case domain.MessageFailed:
			sum.Failed++
		}
		r.metrics.Reconcile(string(to))
	}
}
