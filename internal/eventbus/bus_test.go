package eventbus

import (
	"sync"
	"testing"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	all, unsubAll := b.Subscribe(8)
	defer unsubAll()
	tasks, unsubTasks := b.Subscribe(8, "task.")
	defer unsubTasks()

	b.Publish(Event{Type: "task.started"})
	b.Publish(Event{Type: "campaign.dispatched"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered: got %d events, want 2", got)
	}
	if got := len(tasks); got != 1 {
		t.Fatalf("task.: got %d events, want 1", got)
	}
	if e := <-tasks; e.Time.IsZero() {
		t.Fatalf("Publish did not stamp Time")
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped: got %d, want 1", got)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		ch, unsub := b.Subscribe(1)
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish(Event{Type: "x"})
		}()
		go func() {
			defer wg.Done()
			unsub()
			unsub()
		}()
		_ = ch
	}
	wg.Wait()
}
