package notifier

import (
	"strings"
	"time"

	kit "pewtask/internal/transport"
)

// Config controls the delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// DismissAfter deletes delivered messages after this long; 0 keeps them.
	DismissAfter time.Duration
	// Targets receive every notification.
	Targets []kit.ChatTarget
}

const DefaultDismissAfter = 10 * time.Second

// NotificationEvent is the Data of notifier events on the bus.
type NotificationEvent struct {
	Tag    string    `json:"tag"`
	TaskID string    `json:"task_id,omitempty"`
	ChatID int64     `json:"chat_id,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// CallbackDone prefixes the callback data of a reminder's "done" button.
const CallbackDone = "task:done:"

// DoneCallback returns the callback data that completes taskID.
func DoneCallback(taskID string) string { return CallbackDone + taskID }

// ParseDoneCallback extracts the task id from DoneCallback data.
func ParseDoneCallback(data string) (string, bool) {
	id, ok := strings.CutPrefix(data, CallbackDone)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
