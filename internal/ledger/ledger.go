// Package ledger is the single writer of message records. Updates are
// serialized per message in process and guarded by a status
// compare-and-swap in the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"promobot/internal/domain"
	"promobot/internal/eventbus"
	"promobot/internal/observability"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// EventMessageStatus is published after every committed status change.
const EventMessageStatus = "message.status"

// Store is the slice of storage the ledger writes through.
type Store interface {
	CreateMessage(ctx context.Context, m domain.Message) error
	UpdateMessage(ctx context.Context, m domain.Message, prev domain.MessageStatus) error
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	FindMessageByWaID(ctx context.Context, waID string) (domain.Message, error)
	IncrementCampaignMetrics(ctx context.Context, id string, d domain.MetricsDelta) error
}

type Config struct {
	RetryMax      int // attempts per write, default 3
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// StatusEvent is the payload of EventMessageStatus.
type StatusEvent struct {
	MessageID  string               `json:"message_id"`
	CampaignID string               `json:"campaign_id"`
	From       domain.MessageStatus `json:"from"`
	To         domain.MessageStatus `json:"to"`
	At         time.Time            `json:"at"`
}

type Ledger struct {
	store   Store
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	metrics *observability.Metrics

	// Now and Sleep are swapped in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	locks keyedMutex
	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(store Store, cfg Config, log logx.Logger, bus eventbus.Bus, metrics *observability.Metrics) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	return &Ledger{
		store:   store,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "ledger")),
		bus:     bus,
		metrics: metrics,
		Now:     time.Now,
		Sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewID returns a time-sortable message ID.
func NewID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

// Enqueue persists m as a new queued message.
func (l *Ledger) Enqueue(ctx context.Context, m domain.Message) (domain.Message, error) {
	now := l.Now()
	m.ID = NewID(now)
	m.Status = domain.MessageQueued
	m.CreatedAt = now
	m.UpdatedAt = now
	m.WaID = ""
	m.Delivery = domain.Delivery{}
	if m.Kind == "" {
		m.Kind = domain.KindFor(m.Media)
	}
	err := l.retry(ctx, "create", func() error { return l.store.CreateMessage(ctx, m) })
	if err != nil {
		l.log.Error("message create failed", logx.String("campaign", m.CampaignID), logx.String("customer", m.CustomerID), logx.Err(err))
		return domain.Message{}, fmt.Errorf("%w: create message: %v", domain.ErrPersistence, err)
	}
	return m, nil
}

// MarkSent records a successful gateway send. If the write cannot be
// persisted the message is marked failed and ErrPersistence is returned.
func (l *Ledger) MarkSent(ctx context.Context, id, waID string, at time.Time) (domain.Message, error) {
	next, _, err := l.update(ctx, id, func(cur domain.Message) (domain.Message, bool) {
		n, ok := cur.Transition(domain.MessageSent, "", at)
		if ok {
			n.WaID = waID
		}
		return n, ok
	})
	if err == nil || !errors.Is(err, domain.ErrPersistence) {
		return next, err
	}
	reason := "persist sent: " + err.Error()
	if failed, _, ferr := l.update(ctx, id, func(cur domain.Message) (domain.Message, bool) {
		return cur.Transition(domain.MessageFailed, reason, l.Now())
	}); ferr == nil {
		next = failed
	} else {
		l.log.Error("message stuck after failed send commit", logx.String("id", id), logx.Err(ferr))
	}
	return next, err
}

func (l *Ledger) MarkFailed(ctx context.Context, id, reason string) (domain.Message, error) {
	next, _, err := l.update(ctx, id, func(cur domain.Message) (domain.Message, bool) {
		return cur.Transition(domain.MessageFailed, reason, l.Now())
	})
	return next, err
}

// ApplyStatus applies a forward move. Repeated or backward moves report
// false without error.
func (l *Ledger) ApplyStatus(ctx context.Context, id string, status domain.MessageStatus, reason string, at time.Time) (bool, error) {
	_, changed, err := l.update(ctx, id, func(cur domain.Message) (domain.Message, bool) {
		return cur.Transition(status, reason, at)
	})
	return changed, err
}

// ApplyProviderStatus is the entry point for provider receipts keyed by
// gateway message ID. Pollers and webhook receivers both land here.
func (l *Ledger) ApplyProviderStatus(ctx context.Context, waID string, status domain.MessageStatus, reason string, at time.Time) (bool, error) {
	waID = strings.TrimSpace(waID)
	if waID == "" {
		return false, fmt.Errorf("apply provider status: empty id: %w", domain.ErrNotFound)
	}
	m, err := l.store.FindMessageByWaID(ctx, waID)
	if err != nil {
		return false, fmt.Errorf("apply provider status %s: %w", waID, err)
	}
	return l.ApplyStatus(ctx, m.ID, status, reason, at)
}

// update runs fn against the current record and commits the result with a
// status CAS. Conflicts re-read and re-evaluate. Other store errors are
// retried with backoff.
func (l *Ledger) update(ctx context.Context, id string, fn func(cur domain.Message) (domain.Message, bool)) (domain.Message, bool, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	var (
		cur, next domain.Message
		changed   bool
	)
	err := l.retry(ctx, "update", func() error {
		var err error
		cur, err = l.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		next, changed = fn(cur)
		if !changed {
			return nil
		}
		return l.store.UpdateMessage(ctx, next, cur.Status)
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.Message{}, false, fmt.Errorf("message %s: %w", id, err)
	case err != nil:
		l.log.Error("message update failed", logx.String("id", id), logx.Err(err))
		return cur, false, fmt.Errorf("%w: message %s: %v", domain.ErrPersistence, id, err)
	case !changed:
		return cur, false, nil
	}

	l.publish(cur, next)
	if d := receiptDelta(cur.Status, next.Status); !d.IsZero() && next.CampaignID != "" {
		if err := l.retry(ctx, "metrics", func() error { return l.store.IncrementCampaignMetrics(ctx, next.CampaignID, d) }); err != nil {
			l.log.Error("campaign receipt counters not updated", logx.String("campaign", next.CampaignID), logx.String("id", id), logx.Err(err))
			return next, true, fmt.Errorf("%w: campaign metrics %s: %v", domain.ErrPersistence, next.CampaignID, err)
		}
	}
	return next, true, nil
}

// receiptDelta counts first entry into delivered and read. A sent to read
// jump counts both.
func receiptDelta(from, to domain.MessageStatus) domain.MetricsDelta {
	var d domain.MetricsDelta
	reachedDelivery := from == domain.MessageDelivered || from == domain.MessageRead
	if (to == domain.MessageDelivered || to == domain.MessageRead) && !reachedDelivery {
		d.Delivered = 1
	}
	if to == domain.MessageRead && from != domain.MessageRead {
		d.Read = 1
	}
	return d
}

func (l *Ledger) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= l.cfg.RetryMax; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if attempt == l.cfg.RetryMax {
			break
		}
		if errors.Is(err, domain.ErrConflict) {
			// Someone else moved the record; re-read immediately.
			continue
		}
		l.metrics.PersistRetry()
		l.rngMu.Lock()
		d := engine.Backoff(l.cfg.RetryBase, l.cfg.RetryMaxDelay, attempt, 0.2, l.rng)
		l.rngMu.Unlock()
		l.log.Warn("ledger write retry", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("in", d), logx.Err(err))
		if serr := l.Sleep(ctx, d); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

func (l *Ledger) publish(from, to domain.Message) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: EventMessageStatus, Data: StatusEvent{
		MessageID:  to.ID,
		CampaignID: to.CampaignID,
		From:       from.Status,
		To:         to.Status,
		At:         to.UpdatedAt,
	}})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
