package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"pewtask/internal/task"
	logx "pewtask/pkg/logx"
)

// Store is the persistence API used by the tracker and the notifier.
//
// PutTask and PutProject upsert by id. ListTasks returns trashed tasks too,
// ordered by creation time.
type Store interface {
	PutTask(ctx context.Context, t task.Task) error
	GetTask(ctx context.Context, id string) (task.Task, error)
	ListTasks(ctx context.Context) ([]task.Task, error)
	DeleteTask(ctx context.Context, id string) error

	PutProject(ctx context.Context, p task.Project) error
	ListProjects(ctx context.Context) ([]task.Project, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
