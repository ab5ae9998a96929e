package notifier

import (
	"sync"
	"time"

	"pewtask/internal/clock"
	kit "pewtask/internal/transport"
)

type noopHandle struct{}

func (noopHandle) Dismiss() {}

// delivery is the reminder.Handle of one enqueued notification. Dismiss may
// run before the workers sent it; the messages are then deleted as soon as
// they exist.
type delivery struct {
	s   *Service
	tag string

	mu        sync.Mutex
	refs      []kit.MessageRef
	timer     clock.Timer
	dismissed bool
}

func (d *delivery) isDismissed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dismissed
}

func (d *delivery) attach(refs []kit.MessageRef, dismissAfter time.Duration) {
	d.mu.Lock()
	if d.dismissed {
		d.mu.Unlock()
		d.s.deleteRefs(refs)
		return
	}
	d.refs = refs
	d.s.shown.Add(d.tag, d)
	if dismissAfter > 0 {
		d.timer = d.s.clock.AfterFunc(dismissAfter, d.Dismiss)
	}
	d.mu.Unlock()
}

func (d *delivery) Dismiss() {
	d.mu.Lock()
	if d.dismissed {
		d.mu.Unlock()
		return
	}
	d.dismissed = true
	refs := d.refs
	d.refs = nil
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	if cur, ok := d.s.shown.Peek(d.tag); ok && cur == d {
		d.s.shown.Remove(d.tag)
	}
	d.s.deleteRefs(refs)
}
