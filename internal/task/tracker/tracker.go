// Package tracker is the task application service: it turns parser output
// into persisted tasks and owns the task lifecycle (complete, reopen, trash,
// restore, purge). Every mutation is announced on the event bus so the
// reminder scheduler can resync.
package tracker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"pewtask/internal/clock"
	"pewtask/internal/eventbus"
	"pewtask/internal/storage"
	"pewtask/internal/task"
	"pewtask/internal/task/parser"
	logx "pewtask/pkg/logx"
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrAmbiguous = errors.New("task id prefix is ambiguous")
)

// DefaultProjectName is the display name of the seeded inbox project.
const DefaultProjectName = "Inbox"

// Actor identifies who performed an action, for the audit trail.
type Actor struct {
	Source string // telegram | cli | reminder
	UserID int64
}

type actorKey struct{}

// WithActor attaches an Actor to ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{Source: "internal"}
}

type Tracker struct {
	store storage.Store
	clock clock.Clock
	bus   eventbus.Bus
	log   logx.Logger

	// mu serializes read-modify-write cycles and guards the ulid entropy.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }
func WithBus(b eventbus.Bus) Option  { return func(t *Tracker) { t.bus = b } }
func WithLogger(l logx.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

func New(st storage.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:   st,
		clock:   clock.System(),
		log:     logx.Nop(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, o := range opts {
		o(t)
	}
	if t.clock == nil {
		t.clock = clock.System()
	}
	return t
}

// Init seeds the default project when it is missing.
func (t *Tracker) Init(ctx context.Context) error {
	ps, err := t.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range ps {
		if p.ID == task.DefaultProjectID {
			return nil
		}
	}
	err = t.store.PutProject(ctx, task.Project{
		ID:        task.DefaultProjectID,
		Name:      DefaultProjectName,
		Color:     "#3b82f6",
		CreatedAt: t.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("seed default project: %w", err)
	}
	return nil
}

func (t *Tracker) newID() string {
	id, err := ulid.New(ulid.Timestamp(t.clock.Now()), t.entropy)
	if err != nil {
		// Monotonic entropy overflows only after 2^80 ids in one millisecond.
		return fmt.Sprintf("%d", t.clock.Now().UnixNano())
	}
	return id.String()
}

// Add persists a task built from p. Priority defaults to medium and the
// project hint is matched against existing project names.
func (t *Tracker) Add(ctx context.Context, p parser.ParsedTask) (task.Task, error) {
	projects, err := t.store.ListProjects(ctx)
	if err != nil {
		return task.Task{}, fmt.Errorf("list projects: %w", err)
	}

	t.mu.Lock()
	now := t.clock.Now()
	tk := task.Task{
		ID:        t.newID(),
		Title:     p.Title,
		Priority:  p.Priority,
		DueDate:   p.DueDate,
		DueTime:   p.DueTime,
		ProjectID: task.MatchProject(projects, p.ProjectHint),
		Tags:      append([]string{}, p.Tags...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !tk.Priority.Valid() {
		tk.Priority = task.DefaultPriority
	}
	err = t.store.PutTask(ctx, tk)
	t.mu.Unlock()
	if err != nil {
		return task.Task{}, fmt.Errorf("put task: %w", err)
	}

	t.audit(ctx, "add", tk, nil)
	t.publish("add", tk.ID, 1)
	t.log.Info("task added",
		logx.String("task_id", tk.ID),
		logx.String("title", tk.Title),
		logx.String("due_date", tk.DueDate),
		logx.String("due_time", tk.DueTime),
		logx.String("project", tk.ProjectID),
	)
	return tk, nil
}

// Complete marks the task done. Completing a done task is a no-op.
func (t *Tracker) Complete(ctx context.Context, ref string) (task.Task, error) {
	return t.update(ctx, "complete", ref, func(tk *task.Task) bool {
		if tk.Completed {
			return false
		}
		tk.Completed = true
		return true
	})
}

func (t *Tracker) Reopen(ctx context.Context, ref string) (task.Task, error) {
	return t.update(ctx, "reopen", ref, func(tk *task.Task) bool {
		if !tk.Completed {
			return false
		}
		tk.Completed = false
		return true
	})
}

// Trash soft-deletes the task.
func (t *Tracker) Trash(ctx context.Context, ref string) (task.Task, error) {
	return t.update(ctx, "trash", ref, func(tk *task.Task) bool {
		if tk.Trashed() {
			return false
		}
		now := t.clock.Now()
		tk.DeletedAt = &now
		return true
	})
}

func (t *Tracker) Restore(ctx context.Context, ref string) (task.Task, error) {
	return t.update(ctx, "restore", ref, func(tk *task.Task) bool {
		if !tk.Trashed() {
			return false
		}
		tk.DeletedAt = nil
		return true
	})
}

func (t *Tracker) update(ctx context.Context, action, ref string, mutate func(*task.Task) bool) (task.Task, error) {
	t.mu.Lock()
	tk, err := t.resolveLocked(ctx, ref)
	if err != nil {
		t.mu.Unlock()
		return task.Task{}, err
	}
	if !mutate(&tk) {
		t.mu.Unlock()
		return tk, nil
	}
	tk.UpdatedAt = t.clock.Now()
	err = t.store.PutTask(ctx, tk)
	t.mu.Unlock()
	if err != nil {
		t.audit(ctx, action, tk, err)
		return task.Task{}, fmt.Errorf("put task: %w", err)
	}

	t.audit(ctx, action, tk, nil)
	t.publish(action, tk.ID, 1)
	t.log.Info("task updated", logx.String("action", action), logx.String("task_id", tk.ID))
	return tk, nil
}

// Purge permanently deletes every trashed task and returns how many.
func (t *Tracker) Purge(ctx context.Context) (int, error) {
	t.mu.Lock()
	all, err := t.store.ListTasks(ctx)
	if err != nil {
		t.mu.Unlock()
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	n := 0
	for _, tk := range all {
		if !tk.Trashed() {
			continue
		}
		if err := t.store.DeleteTask(ctx, tk.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			t.mu.Unlock()
			return n, fmt.Errorf("delete task %s: %w", tk.ID, err)
		}
		n++
	}
	t.mu.Unlock()

	if n > 0 {
		t.audit(ctx, "purge", task.Task{}, nil)
		t.publish("purge", "", n)
		t.log.Info("trash purged", logx.Int("count", n))
	}
	return n, nil
}

// Get resolves ref (a full id or a unique case-insensitive id prefix).
func (t *Tracker) Get(ctx context.Context, ref string) (task.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveLocked(ctx, ref)
}

func (t *Tracker) resolveLocked(ctx context.Context, ref string) (task.Task, error) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if ref == "" {
		return task.Task{}, ErrNotFound
	}
	tk, err := t.store.GetTask(ctx, ref)
	if err == nil {
		return tk, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return task.Task{}, fmt.Errorf("get task: %w", err)
	}

	all, err := t.store.ListTasks(ctx)
	if err != nil {
		return task.Task{}, fmt.Errorf("list tasks: %w", err)
	}
	var match *task.Task
	for i := range all {
		if !strings.HasPrefix(strings.ToUpper(all[i].ID), ref) {
			continue
		}
		if match != nil {
			return task.Task{}, ErrAmbiguous
		}
		match = &all[i]
	}
	if match == nil {
		return task.Task{}, ErrNotFound
	}
	return *match, nil
}

// View selects which tasks List returns.
type View int

const (
	ViewOpen    View = iota // not completed, not trashed
	ViewActive              // not trashed
	ViewTrashed             // trashed only
	ViewAll
)

// List returns tasks in creation order.
func (t *Tracker) List(ctx context.Context, v View) ([]task.Task, error) {
	all, err := t.store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := all[:0]
	for _, tk := range all {
		keep := false
		switch v {
		case ViewOpen:
			keep = tk.Open()
		case ViewActive:
			keep = !tk.Trashed()
		case ViewTrashed:
			keep = tk.Trashed()
		case ViewAll:
			keep = true
		}
		if keep {
			out = append(out, tk)
		}
	}
	return out, nil
}

func (t *Tracker) Projects(ctx context.Context) ([]task.Project, error) {
	return t.store.ListProjects(ctx)
}

func (t *Tracker) publish(action, id string, n int) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{
		Type: eventbus.TaskChanged,
		Time: t.clock.Now(),
		Data: eventbus.TaskChange{Action: action, TaskID: id, Count: n},
	})
}

func (t *Tracker) audit(ctx context.Context, action string, tk task.Task, opErr error) {
	a := actorFrom(ctx)
	e := storage.AuditEntry{
		At:      t.clock.Now(),
		ActorID: a.UserID,
		Source:  a.Source,
		Action:  action,
		TaskID:  tk.ID,
		Title:   tk.Title,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if tk.DueDate != "" {
		if b, err := json.Marshal(map[string]string{"due_date": tk.DueDate, "due_time": tk.DueTime}); err == nil {
			e.MetaJSON = string(b)
		}
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	defer cancel()
	if err := t.store.AppendAudit(actx, e); err != nil {
		t.log.Debug("audit append failed", logx.Err(err), logx.String("action", action))
	}
}
