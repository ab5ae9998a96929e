package reminder

import (
	"context"
	"time"
)

// Permission is the delivery capability's consent state. The scheduler reads
// it before every delivery and never changes it.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

const (
	// DefaultHorizon is how far ahead a reminder may be armed.
	DefaultHorizon = 24 * time.Hour

	// DefaultDeliverTimeout bounds a single Deliver call from the fire path.
	DefaultDeliverTimeout = 10 * time.Second

	ReminderTitle = "⏰ Task Reminder"
	TestTitle     = "🧪 Test Notification"
	TestBody      = "This is a test notification to verify your notification settings!"

	// TestTaskID is the pseudo task id used by TestNotification.
	TestTaskID = "test-notification"
)

// Notification is one user-visible message. Deliveries sharing a Tag replace
// each other.
type Notification struct {
	Title  string
	Body   string
	Tag    string
	TaskID string
}

// Tag returns the notification tag of a task.
func Tag(taskID string) string { return "task-" + taskID }

// Handle is a delivered notification. Dismiss removes it early; deliverers
// also dismiss on their own after a bounded interval.
type Handle interface {
	Dismiss()
}

// Deliverer is the host's notification capability.
type Deliverer interface {
	Permission() Permission
	// RequestPermission is idempotent and never fails; errors map to denied.
	RequestPermission(ctx context.Context) Permission
	Deliver(ctx context.Context, n Notification) (Handle, error)
}

// Reminder is a snapshot of one armed entry.
type Reminder struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	TaskTitle string    `json:"task_title"`
	DueAt     time.Time `json:"due_at"`
}
