// Package eventbus is an in-process fan-out of lifecycle events
// (task.*, campaign.dispatched, message.status).
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is published without blocking; a subscriber whose buffer is full
// misses it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel and its cancel func. With
	// prefixes, only events whose Type starts with one of them are
	// delivered.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

// Memory is the in-process Bus. It owns no goroutines.
type Memory struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     uint64
	dropped atomic.Uint64
}

func New() Bus { return NewMemory() }

func NewMemory() *Memory {
	return &Memory{subs: map[uint64]*subscriber{}}
}

// Publish stamps a missing Time. Sends happen under the read lock and never
// block, so unsubscribe cannot close a channel mid-send.
func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Memory) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(1, buffer)), prefixes: prefixes}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Memory) Dropped() uint64 { return b.dropped.Load() }
