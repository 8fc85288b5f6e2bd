package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"promobot/internal/domain"
	"promobot/internal/eventbus"
	"promobot/internal/storage"
	logx "promobot/pkg/logx"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// flakyStore fails the next failNext writes that move a message to sent.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failNext int
}

func (f *flakyStore) UpdateMessage(ctx context.Context, m domain.Message, prev domain.MessageStatus) error {
	f.mu.Lock()
	if f.failNext > 0 && m.Status == domain.MessageSent {
		f.failNext--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.Store.UpdateMessage(ctx, m, prev)
}

func newTestLedger(t *testing.T, st Store) (*Ledger, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	l := New(st, Config{RetryMax: 3, RetryBase: time.Millisecond}, logx.Nop(), bus, nil)
	l.Now = func() time.Time { return t0 }
	l.Sleep = func(context.Context, time.Duration) error { return nil }
	return l, bus
}

func seedCampaign(t *testing.T, st storage.Store) {
	t.Helper()
	if err := st.SaveCampaign(context.Background(), domain.Campaign{ID: "k1", Name: "x", Status: domain.CampaignActive, CreatedAt: t0, UpdatedAt: t0}); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}
}

func TestEnqueueAssignsIDAndQueued(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	l, _ := newTestLedger(t, st)

	m, err := l.Enqueue(context.Background(), domain.Message{CampaignID: "k1", CustomerID: "c1", Content: "hi", Media: []string{"a.pdf"}, Status: domain.MessageRead})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(m.ID) != 26 || m.Status != domain.MessageQueued || !m.CreatedAt.Equal(t0) || m.Kind != domain.KindDocument {
		t.Fatalf("got %+v", m)
	}
	if _, err := st.GetMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("not persisted: %v", err)
	}
}

func TestReceiptsCountOnce(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedCampaign(t, st)
	l, bus := newTestLedger(t, st)
	events, unsub := bus.Subscribe(16)
	defer unsub()
	ctx := context.Background()

	m, _ := l.Enqueue(ctx, domain.Message{CampaignID: "k1", CustomerID: "c1"})
	if _, err := l.MarkSent(ctx, m.ID, "wa-1", t0); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	// sent -> read counts delivered and read together.
	if ok, err := l.ApplyProviderStatus(ctx, "wa-1", domain.MessageRead, "", t0.Add(time.Minute)); !ok || err != nil {
		t.Fatalf("ApplyProviderStatus read: %v %v", ok, err)
	}
	// Late and repeated receipts are ignored.
	for _, s := range []domain.MessageStatus{domain.MessageDelivered, domain.MessageRead, domain.MessageFailed} {
		if ok, err := l.ApplyStatus(ctx, m.ID, s, "", t0.Add(2*time.Minute)); ok || err != nil {
			t.Fatalf("ApplyStatus(%s) after read: got %v %v, want no-op", s, ok, err)
		}
	}

	c, _ := st.LoadCampaign(ctx, "k1")
	if c.Metrics.Delivered != 1 || c.Metrics.Read != 1 {
		t.Fatalf("got metrics %+v, want delivered=1 read=1", c.Metrics)
	}
	got, _ := st.GetMessage(ctx, m.ID)
	if got.Status != domain.MessageRead || got.Delivery.DeliveredAt == nil || got.WaID != "wa-1" {
		t.Fatalf("got %+v", got)
	}
	if n := len(events); n != 2 {
		t.Fatalf("got %d status events, want 2", n)
	}
	ev := <-events
	if ev.Type != EventMessageStatus || ev.Data.(StatusEvent).To != domain.MessageSent {
		t.Fatalf("got first event %+v", ev)
	}
}

func TestDeliveredThenReadCountsEachOnce(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedCampaign(t, st)
	l, _ := newTestLedger(t, st)
	ctx := context.Background()

	m, _ := l.Enqueue(ctx, domain.Message{CampaignID: "k1"})
	_, _ = l.MarkSent(ctx, m.ID, "wa-2", t0)
	_, _ = l.ApplyStatus(ctx, m.ID, domain.MessageDelivered, "", t0)
	_, _ = l.ApplyStatus(ctx, m.ID, domain.MessageDelivered, "", t0)
	_, _ = l.ApplyStatus(ctx, m.ID, domain.MessageRead, "", t0)

	c, _ := st.LoadCampaign(ctx, "k1")
	if c.Metrics.Delivered != 1 || c.Metrics.Read != 1 {
		t.Fatalf("got metrics %+v", c.Metrics)
	}
}

func TestConcurrentReceiptsSerialized(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seedCampaign(t, st)
	l, _ := newTestLedger(t, st)
	ctx := context.Background()

	m, _ := l.Enqueue(ctx, domain.Message{CampaignID: "k1"})
	_, _ = l.MarkSent(ctx, m.ID, "wa-3", t0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.ApplyProviderStatus(ctx, "wa-3", domain.MessageDelivered, "", t0)
		}()
	}
	wg.Wait()
	c, _ := st.LoadCampaign(ctx, "k1")
	if c.Metrics.Delivered != 1 {
		t.Fatalf("got delivered=%d, want 1", c.Metrics.Delivered)
	}
	if n := l.locks.size(); n != 0 {
		t.Fatalf("got %d lingering locks, want 0", n)
	}
}

func TestMarkSentRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Store: storage.NewMemory(), failNext: 2}
	l, _ := newTestLedger(t, st)
	ctx := context.Background()

	m, _ := l.Enqueue(ctx, domain.Message{CampaignID: "k1"})
	got, err := l.MarkSent(ctx, m.ID, "wa-4", t0)
	if err != nil || got.Status != domain.MessageSent {
		t.Fatalf("got %+v %v, want sent after retries", got.Status, err)
	}
}

func TestMarkSentExhaustedMarksFailed(t *testing.T) {
	t.Parallel()
	st := &flakyStore{Store: storage.NewMemory(), failNext: 3}
	l, _ := newTestLedger(t, st)
	ctx := context.Background()

	m, _ := l.Enqueue(ctx, domain.Message{CampaignID: "k1"})
	got, err := l.MarkSent(ctx, m.ID, "wa-5", t0)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("got %v, want ErrPersistence", err)
	}
	if got.Status != domain.MessageFailed || got.Delivery.LastError == "" {
		t.Fatalf("got %+v, want failed with reason", got)
	}
}

func TestApplyProviderStatusUnknownID(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t, storage.NewMemory())
	if _, err := l.ApplyProviderStatus(context.Background(), "nope", domain.MessageDelivered, "", t0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReceiptDelta(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to domain.MessageStatus
		want     domain.MetricsDelta
	}{
		{domain.MessageSent, domain.MessageDelivered, domain.MetricsDelta{Delivered: 1}},
		{domain.MessageSent, domain.MessageRead, domain.MetricsDelta{Delivered: 1, Read: 1}},
		{domain.MessageDelivered, domain.MessageRead, domain.MetricsDelta{Read: 1}},
		{domain.MessageQueued, domain.MessageSent, domain.MetricsDelta{}},
		{domain.MessageSent, domain.MessageFailed, domain.MetricsDelta{}},
	}
	for _, tc := range cases {
		if got := receiptDelta(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s->%s: got %+v, want %+v", tc.from, tc.to, got, tc.want)
		}
	}
}
