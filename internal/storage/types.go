package storage

import (
	"errors"
	"time"
)

var (
	// ErrDisabled is returned by a store that was closed.
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned when a task or project id is unknown.
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "" or "memory": in-process only, lost on exit
//   - "file": dependency-free file backend (json snapshot + jsonl)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one task action taken by a user.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time `json:"at"`
	ActorID  int64     `json:"actor_id,omitempty"`
	Source   string    `json:"source"` // telegram | cli | reminder
	Action   string    `json:"action"`
	TaskID   string    `json:"task_id,omitempty"`
	Title    string    `json:"title,omitempty"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
