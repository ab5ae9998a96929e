package config

import (
	"reflect"
	"strings"

	logx "pewtask/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and log fields
// describing the new values. Secrets (the bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if derefStorage(oldCfg.Storage) != derefStorage(newCfg.Storage) {
		changed = append(changed, "storage")
		sc := derefStorage(newCfg.Storage)
		fields = append(fields, logx.String("storage.driver", sc.Driver), logx.String("storage.path", sc.Path))
	}

	if derefNotifier(oldCfg.Notifier) != derefNotifier(newCfg.Notifier) {
		changed = append(changed, "notifier")
		nc := derefNotifier(newCfg.Notifier)
		fields = append(fields,
			logx.Bool("notifier.enabled", nc.Enabled),
			logx.Int("notifier.workers", nc.Workers),
			logx.Int("notifier.rate_per_sec", nc.RatePerSec),
			logx.String("notifier.dismiss_after", nc.DismissAfter),
		)
	}

	if oldCfg.RemindersEnabled() != newCfg.RemindersEnabled() ||
		oldCfg.Reminders.Timezone != newCfg.Reminders.Timezone ||
		oldCfg.Reminders.Resync != newCfg.Reminders.Resync ||
		oldCfg.Reminders.Horizon != newCfg.Reminders.Horizon {
		changed = append(changed, "reminders")
		fields = append(fields,
			logx.Bool("reminders.enabled", newCfg.RemindersEnabled()),
			logx.String("reminders.timezone", newCfg.Reminders.Timezone),
			logx.String("reminders.resync", newCfg.Reminders.Resync),
		)
	}

	if oldCfg.Parser != newCfg.Parser {
		changed = append(changed, "parser")
		fields = append(fields, logx.String("parser.timezone", newCfg.Parser.Timezone))
	}

	if derefDebug(oldCfg.Debug) != derefDebug(newCfg.Debug) {
		changed = append(changed, "debug")
		dc := derefDebug(newCfg.Debug)
		fields = append(fields, logx.Bool("debug.enabled", dc.Enabled), logx.String("debug.addr", dc.Addr))
	}

	return changed, fields
}

func derefDebug(dc *DebugConfig) DebugConfig {
	if dc == nil {
		return DebugConfig{}
	}
	return *dc
}

func derefStorage(sc *StorageConfig) StorageConfig {
	if sc == nil {
		return StorageConfig{}
	}
	return *sc
}

func derefNotifier(nc *NotifierConfig) NotifierConfig {
	if nc == nil {
		return NotifierConfig{}
	}
	return *nc
}
