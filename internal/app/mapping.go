package app

import (
	"strings"
	"time"

	"pewtask/internal/config"
	"pewtask/internal/notifier"
	"pewtask/internal/observability/debughttp"
	"pewtask/internal/storage"
	"pewtask/internal/task/reminder"
	kit "pewtask/internal/transport"
	logx "pewtask/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// MapStorageConfig maps the storage section. A missing section selects the
// in-memory store.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

// mapNotifierConfig maps the notifier section. Reminders go to the owners'
// private chats. A missing section enables the notifier with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true, DismissAfter: notifier.DefaultDismissAfter}
	for _, id := range cfg.Telegram.OwnerUserIDs {
		out.Targets = append(out.Targets, kit.ChatTarget{ChatID: id})
	}
	nc := cfg.Notifier
	if nc == nil {
		return out, nil
	}

	var err error
	out.Enabled = nc.Enabled
	out.Workers = nc.Workers
	out.QueueSize = nc.QueueSize
	out.RatePerSec = nc.RatePerSec
	out.RetryMax = nc.RetryMax
	out.DedupMaxEntries = nc.DedupMaxEntries
	out.PersistDedup = nc.PersistDedup
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	// An explicit "0s" keeps messages; only an absent value takes the default.
	if strings.TrimSpace(nc.DismissAfter) != "" {
		if out.DismissAfter, err = config.ParseDurationField("notifier.dismiss_after", nc.DismissAfter); err != nil {
			return notifier.Config{}, err
		}
	}
	return out, nil
}

type reminderSettings struct {
	loc     *time.Location
	horizon time.Duration
}

func mapReminderSettings(cfg *config.Config) (reminderSettings, error) {
	loc, err := config.ParseLocation("reminders.timezone", cfg.Reminders.Timezone)
	if err != nil {
		return reminderSettings{}, err
	}
	horizon, err := config.ParseDurationOrDefault("reminders.horizon", cfg.Reminders.Horizon, reminder.DefaultHorizon)
	if err != nil {
		return reminderSettings{}, err
	}
	return reminderSettings{loc: loc, horizon: horizon}, nil
}

// ParserLocation returns the zone used to resolve relative dates.
func ParserLocation(cfg *config.Config) (*time.Location, error) {
	return config.ParseLocation("parser.timezone", cfg.Parser.Timezone)
}

func pollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
}

func mapDebugConfig(cfg *config.Config) debughttp.Config {
	if cfg.Debug == nil {
		return debughttp.Config{}
	}
	return debughttp.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}
