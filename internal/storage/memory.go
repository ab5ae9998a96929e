package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pewtask/internal/task"
)

// memStore keeps everything in maps. The file driver embeds it and persists
// after each mutation.
type memStore struct {
	mu       sync.Mutex
	closed   bool
	tasks    map[string]task.Task
	projects map[string]task.Project
	audit    []AuditEntry
	dedup    map[string]int64 // unix milli
}

func newMemory() *memStore {
	return &memStore{
		tasks:    map[string]task.Task{},
		projects: map[string]task.Project{},
		dedup:    map[string]int64{},
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) PutTask(ctx context.Context, t task.Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *memStore) GetTask(ctx context.Context, id string) (task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return task.Task{}, ErrDisabled
	}
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	return cloneTask(t), nil
}

func (s *memStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	return sortedTasks(s.tasks), nil
}

func (s *memStore) DeleteTask(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memStore) PutProject(ctx context.Context, p task.Project) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.projects[p.ID] = p
	return nil
}

func (s *memStore) ListProjects(ctx context.Context) ([]task.Project, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	return sortedProjects(s.projects), nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	if len(s.audit) > 1000 {
		s.audit = s.audit[len(s.audit)-1000:]
	}
	return nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	s.dedup[key] = until.UnixMilli()
	return nil
}

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrDisabled
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func cloneTask(t task.Task) task.Task {
	t.Tags = append([]string(nil), t.Tags...)
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.DeletedAt != nil {
		d := *t.DeletedAt
		t.DeletedAt = &d
	}
	return t
}

func sortedTasks(m map[string]task.Task) []task.Task {
	out := make([]task.Task, 0, len(m))
	for _, t := range m {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedProjects(m map[string]task.Project) []task.Project {
	out := make([]task.Project, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
