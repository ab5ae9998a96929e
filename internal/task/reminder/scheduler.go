// Package reminder arms one-shot, cancellable notifications for tasks that
// are due within the next 24 hours.
//
// The registry holds at most one entry per task id. Scheduling is a silent
// no-op for invalid, past or too distant due moments. A fired entry is
// removed whether or not delivery succeeded and is never retried.
package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"pewtask/internal/clock"
	"pewtask/internal/task"
	logx "pewtask/pkg/logx"
)

type entry struct {
	Reminder
	timer clock.Timer
	gen   uint64
}

type Scheduler struct {
	clock          clock.Clock
	deliverer      Deliverer
	log            logx.Logger
	loc            *time.Location
	horizon        time.Duration
	deliverTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	onClick func(taskID string)
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithLocation sets the zone in which due dates and times are interpreted.
// Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithHorizon(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.horizon = d
		}
	}
}

func WithDeliverTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.deliverTimeout = d
		}
	}
}

// New returns an empty scheduler. d may be nil, in which case fires only
// clear their entry.
func New(c clock.Clock, d Deliverer, opts ...Option) *Scheduler {
	if c == nil {
		c = clock.System()
	}
	s := &Scheduler{
		clock:          c,
		deliverer:      d,
		log:            logx.Nop(),
		loc:            time.Local,
		horizon:        DefaultHorizon,
		deliverTimeout: DefaultDeliverTimeout,
		entries:        make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule arms a reminder for taskID and reports whether it did. dueDate is
// "2006-01-02", dueTime is "15:04" or empty (local midnight).
func (s *Scheduler) Schedule(taskID, title, dueDate, dueTime string) bool {
	due, ok := DueMoment(dueDate, dueTime, s.loc)
	if !ok {
		s.log.Debug("reminder skipped: invalid due", logx.String("task_id", taskID), logx.String("due_date", dueDate), logx.String("due_time", dueTime))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	wait := due.Sub(now)
	if wait <= 0 {
		s.log.Debug("reminder skipped: not in the future", logx.String("task_id", taskID), logx.Time("due_at", due))
		return false
	}
	if wait > s.horizon {
		s.log.Debug("reminder skipped: beyond horizon", logx.String("task_id", taskID), logx.Time("due_at", due), logx.Duration("horizon", s.horizon))
		return false
	}

	s.clearLocked(taskID)

	s.gen++
	gen := s.gen
	e := &entry{
		Reminder: Reminder{
			ID:        "reminder-" + taskID,
			TaskID:    taskID,
			TaskTitle: title,
			DueAt:     due,
		},
		gen: gen,
	}
	e.timer = s.clock.AfterFunc(wait, func() { s.fire(taskID, gen) })
	s.entries[taskID] = e

	s.log.Debug("reminder armed", logx.String("task_id", taskID), logx.Time("due_at", due), logx.Duration("in", wait))
	return true
}

// Clear cancels the reminder of taskID, if any.
func (s *Scheduler) Clear(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked(taskID)
}

func (s *Scheduler) clearLocked(taskID string) bool {
	e, ok := s.entries[taskID]
	if !ok {
		return false
	}
	if e.timer != nil {
		_ = e.timer.Stop()
	}
	delete(s.entries, taskID)
	return true
}

// ClearAll cancels every reminder and returns how many were armed.
func (s *Scheduler) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	for id := range s.entries {
		s.clearLocked(id)
	}
	return n
}

// Resync rebuilds the registry from tasks: everything is cleared, then every
// open task with a due date is scheduled. It returns the number armed.
func (s *Scheduler) Resync(tasks []task.Task) int {
	cleared := s.ClearAll()
	armed := 0
	for _, t := range tasks {
		if t.Completed || t.Trashed() || t.DueDate == "" {
			continue
		}
		if s.Schedule(t.ID, t.Title, t.DueDate, t.DueTime) {
			armed++
		}
	}
	s.log.Debug("reminders resynced", logx.Int("tasks", len(tasks)), logx.Int("cleared", cleared), logx.Int("armed", armed))
	return armed
}

// Active returns the armed reminders ordered by due moment.
func (s *Scheduler) Active() []Reminder {
	s.mu.Lock()
	out := make([]Reminder, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Reminder)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out
}

// Next returns the earliest armed due moment.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, e := range s.entries {
		if next.IsZero() || e.DueAt.Before(next) {
			next = e.DueAt
		}
	}
	return next, !next.IsZero()
}

// OnClick sets the callback invoked with the task id of a clicked
// notification. A later call replaces the previous callback.
func (s *Scheduler) OnClick(fn func(taskID string)) {
	s.mu.Lock()
	s.onClick = fn
	s.mu.Unlock()
}

// HandleClick is called by the deliverer when the user acts on a notification.
func (s *Scheduler) HandleClick(taskID string) {
	s.mu.Lock()
	fn := s.onClick
	s.mu.Unlock()
	if fn == nil {
		return
	}
	s.log.Debug("reminder clicked", logx.String("task_id", taskID))
	fn(taskID)
}

// TestNotification delivers a one-off notification so the user can check
// that reminders reach them. It reports whether a delivery happened.
func (s *Scheduler) TestNotification(ctx context.Context) bool {
	return s.deliver(ctx, Notification{
		Title:  TestTitle,
		Body:   TestBody,
		Tag:    Tag(TestTaskID),
		TaskID: TestTaskID,
	})
}

func (s *Scheduler) fire(taskID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[taskID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, taskID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.deliverTimeout)
	defer cancel()
	s.deliver(ctx, Notification{
		Title:  ReminderTitle,
		Body:   `"` + e.TaskTitle + `" is due now!`,
		Tag:    Tag(taskID),
		TaskID: taskID,
	})
}

func (s *Scheduler) deliver(ctx context.Context, n Notification) bool {
	log := s.log.With(logx.String("task_id", n.TaskID), logx.String("tag", n.Tag))
	if s.deliverer == nil {
		log.Debug("notification dropped: no deliverer")
		return false
	}
	if p := s.deliverer.Permission(); p != PermissionGranted {
		log.Debug("notification dropped: permission not granted", logx.String("permission", string(p)))
		return false
	}
	if _, err := s.deliverer.Deliver(ctx, n); err != nil {
		log.Warn("notification delivery failed", logx.Err(err))
		return false
	}
	log.Info("notification delivered")
	return true
}

// DueMoment combines a due date and optional due time into an instant in loc.
func DueMoment(dueDate, dueTime string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	d, err := time.ParseInLocation(task.DateLayout, dueDate, loc)
	if err != nil {
		return time.Time{}, false
	}
	if dueTime == "" {
		return d, true
	}
	hm, err := time.Parse(task.TimeLayout, dueTime)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), true
}
