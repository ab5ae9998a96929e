// Package task holds the task tracker's domain types shared by the parser,
// the reminder scheduler, storage and the tracker service.
package task

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// DefaultPriority is applied when the parser infers none.
const DefaultPriority = PriorityMedium

// DefaultProjectID is the inbox project every task falls back to.
const DefaultProjectID = "default"

// DateLayout and TimeLayout are the wire formats of DueDate and DueTime.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is a persisted task.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Completed bool       `json:"completed"`
	Priority  Priority   `json:"priority"`
	DueDate   string     `json:"due_date,omitempty"`
	DueTime   string     `json:"due_time,omitempty"`
	ProjectID string     `json:"project_id"`
	Tags      []string   `json:"tags"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Trashed reports whether the task was soft-deleted.
func (t Task) Trashed() bool { return t.DeletedAt != nil }

// Open reports whether the task is neither completed nor trashed.
func (t Task) Open() bool { return !t.Completed && !t.Trashed() }

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MatchProject returns the id of the first project whose name contains hint
// (case-insensitive), or DefaultProjectID.
func MatchProject(projects []Project, hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return DefaultProjectID
	}
	for _, p := range projects {
		if strings.Contains(strings.ToLower(p.Name), hint) {
			return p.ID
		}
	}
	return DefaultProjectID
}
