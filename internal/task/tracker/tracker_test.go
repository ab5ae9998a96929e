package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"pewtask/internal/clock"
	"pewtask/internal/eventbus"
	"pewtask/internal/storage"
	"pewtask/internal/task"
	"pewtask/internal/task/parser"
	logx "pewtask/pkg/logx"
)

var now = time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, eventbus.Bus, *clock.Fake) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c := clock.NewFake(now)
	bus := eventbus.New()
	tr := New(st, WithClock(c), WithBus(bus))
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return tr, bus, c
}

func TestInitSeedsDefaultProjectOnce(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t)
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	ps, err := tr.Projects(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps[0].ID != task.DefaultProjectID || ps[0].Name != DefaultProjectName {
		t.Fatalf("projects = %+v", ps)
	}
}

func TestAddMergesParsedTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, bus, _ := newTestTracker(t)
	if err := tr.store.PutProject(ctx, task.Project{ID: "p-big", Name: "The BigProject", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	events, unsub := bus.Subscribe(4, eventbus.TaskChanged)
	defer unsub()

	p := parser.New(clock.NewFake(now))
	tk, err := tr.Add(ctx, p.Parse("meeting :d2025-12-25 :t14:30 #work @bigproject"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if tk.ID == "" || tk.Title != "meeting" || tk.DueDate != "2025-12-25" || tk.DueTime != "14:30" {
		t.Fatalf("task = %+v", tk)
	}
	if tk.Priority != task.DefaultPriority {
		t.Fatalf("Priority = %q, want default %q", tk.Priority, task.DefaultPriority)
	}
	if tk.ProjectID != "p-big" {
		t.Fatalf("ProjectID = %q, want p-big", tk.ProjectID)
	}
	if len(tk.Tags) != 1 || tk.Tags[0] != "work" {
		t.Fatalf("Tags = %v", tk.Tags)
	}
	if !tk.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v", tk.CreatedAt)
	}

	select {
	case e := <-events:
		c := e.Data.(eventbus.TaskChange)
		if c.Action != "add" || c.TaskID != tk.ID {
			t.Fatalf("event = %+v", c)
		}
	default:
		t.Fatal("no task.changed event")
	}
}

func TestAddUnknownProjectFallsBack(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t)
	tk, err := tr.Add(context.Background(), parser.ParsedTask{Title: "x", Priority: task.PriorityHigh, ProjectHint: "nowhere", Tags: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	if tk.ProjectID != task.DefaultProjectID || tk.Priority != task.PriorityHigh {
		t.Fatalf("task = %+v", tk)
	}
}

func TestIDsAreUniqueAndOrdered(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	var prev string
	for i := 0; i < 20; i++ {
		tk, err := tr.Add(ctx, parser.ParsedTask{Title: "x", Tags: []string{}})
		if err != nil {
			t.Fatal(err)
		}
		if tk.ID <= prev {
			t.Fatalf("id %q not after %q", tk.ID, prev)
		}
		prev = tk.ID
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, bus, c := newTestTracker(t)
	events, unsub := bus.Subscribe(16, eventbus.TaskChanged)
	defer unsub()

	a, _ := tr.Add(ctx, parser.ParsedTask{Title: "a", Tags: []string{}})
	b, _ := tr.Add(ctx, parser.ParsedTask{Title: "b", Tags: []string{}})

	c.Advance(time.Minute)
	done, err := tr.Complete(ctx, a.ID)
	if err != nil || !done.Completed || !done.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("Complete = %+v, %v", done, err)
	}
	open, _ := tr.List(ctx, ViewOpen)
	if len(open) != 1 || open[0].ID != b.ID {
		t.Fatalf("open = %+v", open)
	}

	if _, err := tr.Reopen(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Trash(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	trashed, _ := tr.List(ctx, ViewTrashed)
	if len(trashed) != 1 || trashed[0].ID != b.ID || trashed[0].DeletedAt == nil {
		t.Fatalf("trashed = %+v", trashed)
	}
	active, _ := tr.List(ctx, ViewActive)
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active = %+v", active)
	}

	if _, err := tr.Restore(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Trash(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	n, err := tr.Purge(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	if _, err := tr.Get(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get purged err = %v", err)
	}
	all, _ := tr.List(ctx, ViewAll)
	if len(all) != 1 {
		t.Fatalf("all = %+v", all)
	}

	var actions []string
	for len(events) > 0 {
		e := <-events
		actions = append(actions, e.Data.(eventbus.TaskChange).Action)
	}
	want := []string{"add", "add", "complete", "reopen", "trash", "restore", "trash", "purge"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("actions = %v, want %v", actions, want)
		}
	}
}

func TestNoopMutationDoesNotPublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, bus, _ := newTestTracker(t)
	a, _ := tr.Add(ctx, parser.ParsedTask{Title: "a", Tags: []string{}})
	events, unsub := bus.Subscribe(4, eventbus.TaskChanged)
	defer unsub()

	if _, err := tr.Reopen(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Restore(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := tr.Purge(ctx); n != 0 {
		t.Fatalf("Purge = %d", n)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events for no-op mutations", len(events))
	}
}

func TestResolveByPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _, _ := newTestTracker(t)
	for _, id := range []string{"01AAAA", "01AABB", "01CCCC"} {
		if err := tr.store.PutTask(ctx, task.Task{ID: id, Title: id, Tags: []string{}, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := tr.Get(ctx, "01cc")
	if err != nil || got.ID != "01CCCC" {
		t.Fatalf("Get(01cc) = %+v, %v", got, err)
	}
	if _, err := tr.Get(ctx, "01AA"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("Get(01AA) err = %v, want ErrAmbiguous", err)
	}
	if _, err := tr.Get(ctx, "zz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(zz) err = %v, want ErrNotFound", err)
	}
	if _, err := tr.Complete(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Complete(\"\") err = %v, want ErrNotFound", err)
	}
}
