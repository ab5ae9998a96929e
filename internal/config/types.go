package config

// Config is the on-disk configuration (JSON or YAML). Decoding is strict:
// unknown keys are rejected so typos surface on load and on reload.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Reminders RemindersConfig `json:"reminders"`
	Parser    ParserConfig    `json:"parser"`
	Debug     *DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pewtask.db" }
//
// Driver is one of "memory" (default), "file" or "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls the reminder delivery pipeline.
//
// All durations are Go duration strings. If the whole section is omitted the
// notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	// DismissAfter deletes a delivered reminder message after this long.
	// "0s" keeps messages. Default "10s".
	DismissAfter string `json:"dismiss_after,omitempty"`
}

// RemindersConfig controls the reminder scheduler.
type RemindersConfig struct {
	// Enabled is a pointer so that an omitted key means "on".
	Enabled *bool `json:"enabled,omitempty"`
	// Timezone is an IANA name used to interpret due dates ("" = local).
	Timezone string `json:"timezone,omitempty"`
	// Resync is a cron spec ("*/15 * * * *", "@every 30m") for the periodic
	// rebuild that picks up tasks entering the 24h horizon. "" disables it.
	Resync string `json:"resync,omitempty"`
	// Horizon overrides the 24h arming window (Go duration string).
	Horizon string `json:"horizon,omitempty"`
}

// DebugConfig enables the loopback HTTP endpoint with pprof and JSON views
// of armed reminders. Omitted means off.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type ParserConfig struct {
	// Timezone resolves "today", "tomorrow" and weekdays ("" = local).
	Timezone string `json:"timezone,omitempty"`
}

// RemindersEnabled reports the effective reminders.enabled value.
func (c *Config) RemindersEnabled() bool {
	if c == nil || c.Reminders.Enabled == nil {
		return true
	}
	return *c.Reminders.Enabled
}
