package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pewtask/internal/task"
	logx "pewtask/pkg/logx"
)

func openTestStore(t *testing.T, driver string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "pewtask.json")
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "pewtask.db")
		cfg.BusyTimeout = time.Second
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, cfg
}

func sampleTask(id string, created time.Time) task.Task {
	return task.Task{
		ID:        id,
		Title:     "task " + id,
		Priority:  task.PriorityHigh,
		DueDate:   "2025-06-12",
		DueTime:   "09:00",
		ProjectID: task.DefaultProjectID,
		Tags:      []string{"work", "urgent"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStoreTasks(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, _ := openTestStore(t, driver)
			base := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

			if _, err := st.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetTask(missing) err = %v, want ErrNotFound", err)
			}

			b := sampleTask("B", base.Add(time.Minute))
			a := sampleTask("A", base)
			for _, tk := range []task.Task{b, a} {
				if err := st.PutTask(ctx, tk); err != nil {
					t.Fatalf("PutTask: %v", err)
				}
			}

			got, err := st.GetTask(ctx, "A")
			if err != nil {
				t.Fatalf("GetTask: %v", err)
			}
			if got.Title != a.Title || got.DueTime != "09:00" || len(got.Tags) != 2 || !got.CreatedAt.Equal(base) {
				t.Fatalf("GetTask = %+v", got)
			}

			deleted := base.Add(time.Hour)
			a.Completed = true
			a.DeletedAt = &deleted
			if err := st.PutTask(ctx, a); err != nil {
				t.Fatalf("PutTask update: %v", err)
			}

			list, err := st.ListTasks(ctx)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(list) != 2 || list[0].ID != "A" || list[1].ID != "B" {
				t.Fatalf("ListTasks order = %+v", list)
			}
			if !list[0].Completed || list[0].DeletedAt == nil || !list[0].DeletedAt.Equal(deleted) {
				t.Fatalf("update not persisted: %+v", list[0])
			}

			if err := st.DeleteTask(ctx, "A"); err != nil {
				t.Fatalf("DeleteTask: %v", err)
			}
			if err := st.DeleteTask(ctx, "A"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second DeleteTask err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreProjectsAndDedup(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, _ := openTestStore(t, driver)
			now := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

			if err := st.PutProject(ctx, task.Project{ID: "default", Name: "Inbox", CreatedAt: now}); err != nil {
				t.Fatalf("PutProject: %v", err)
			}
			if err := st.PutProject(ctx, task.Project{ID: "p2", Name: "Big Project", Color: "#ff0000", CreatedAt: now.Add(time.Second)}); err != nil {
				t.Fatalf("PutProject: %v", err)
			}
			ps, err := st.ListProjects(ctx)
			if err != nil {
				t.Fatalf("ListProjects: %v", err)
			}
			if len(ps) != 2 || ps[0].ID != "default" || ps[1].Color != "#ff0000" {
				t.Fatalf("ListProjects = %+v", ps)
			}

			if _, ok, err := st.GetDedup(ctx, "k"); err != nil || ok {
				t.Fatalf("GetDedup(empty) = %v, %v", ok, err)
			}
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "k", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "k")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v, %v, %v; want %v", got, ok, err, until)
			}

			if err := st.AppendAudit(ctx, AuditEntry{Source: "cli", Action: "add", TaskID: "A", Title: "x"}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestFileStoreReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "pewtask.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	created := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)
	if err := st.PutTask(ctx, sampleTask("A", created)); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	if err := st.PutProject(ctx, task.Project{ID: "default", Name: "Inbox", CreatedAt: created}); err != nil {
		t.Fatalf("PutProject: %v", err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.PutTask(ctx, sampleTask("B", created)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("PutTask after Close err = %v, want ErrDisabled", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, err := st2.GetTask(ctx, "A")
	if err != nil || got.Title != "task A" {
		t.Fatalf("GetTask after reopen = %+v, %v", got, err)
	}
	ps, _ := st2.ListProjects(ctx)
	if len(ps) != 1 {
		t.Fatalf("projects after reopen = %+v", ps)
	}
	if u, ok, _ := st2.GetDedup(ctx, "k"); !ok || !u.Equal(until) {
		t.Fatalf("dedup after reopen = %v, %v", u, ok)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}
