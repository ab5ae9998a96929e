package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tasks, unsubTasks := b.Subscribe(4, TaskChanged)
	defer unsubTasks()

	b.Publish(Event{Type: ReminderFired, Data: "x"})
	b.Publish(Event{Type: TaskChanged, Data: TaskChange{Action: "add", TaskID: "A"}})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(tasks); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-tasks
	if c, ok := e.Data.(TaskChange); !ok || c.TaskID != "A" {
		t.Fatalf("event data = %#v", e.Data)
	}
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskChanged, Time: time.Unix(1, 0)})
	b.Publish(Event{Type: TaskChanged, Time: time.Unix(2, 0)})

	if got := Dropped(b); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	if e := <-ch; e.Time.Unix() != 1 {
		t.Fatalf("kept event %v, want the first", e.Time)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TaskChanged})
}
