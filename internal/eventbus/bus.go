// Package eventbus is a small in-memory fanout used to decouple the tracker
// from its listeners (reminder resync, notifier history, chat replies).
//
// Publish never blocks. Subscribers get buffered channels; a slow subscriber
// drops events instead of stalling publishers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TaskChanged       = "task.changed"
	ReminderFired     = "reminder.fired"
	NotificationSent  = "notifier.sent"
	NotificationDrop  = "notifier.dropped"
	NotificationFail  = "notifier.failed"
	NotificationDedup = "notifier.deduped"
	ConfigReloaded    = "config.reloaded"
)

// Event is a lightweight signal. Data should be small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskChange is the Data of a TaskChanged event.
type TaskChange struct {
	Action string `json:"action"` // add | complete | reopen | trash | restore | purge
	TaskID string `json:"task_id,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events whose Type is in types, or
	// every event when types is empty.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch     chan Event
	filter map[string]struct{}
}

func (s *subscription) wants(t string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.filter[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full. Only meaningful for buses returned by New.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
