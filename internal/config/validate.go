package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// ResyncParser parses reminders.resync: standard 5-field cron plus
// descriptors such as "@hourly" and "@every 30m".
var ResyncParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate performs the static checks that do not need live components.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" && len(cfg.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids: at least one owner is required when a token is set"))
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", sc.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if nc := cfg.Notifier; nc != nil {
		for _, f := range [][2]string{
			{"notifier.retry_base", nc.RetryBase},
			{"notifier.retry_max_delay", nc.RetryMaxDelay},
			{"notifier.dedup_window", nc.DedupWindow},
			{"notifier.dismiss_after", nc.DismissAfter},
		} {
			if _, err := ParseDurationField(f[0], f[1]); err != nil {
				errs = append(errs, err)
			}
		}
		if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
			errs = append(errs, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0"))
		}
	}

	if _, err := ParseLocation("reminders.timezone", cfg.Reminders.Timezone); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("reminders.horizon", cfg.Reminders.Horizon); err != nil {
		errs = append(errs, err)
	}
	if s := strings.TrimSpace(cfg.Reminders.Resync); s != "" {
		if _, err := ResyncParser.Parse(s); err != nil {
			errs = append(errs, fmt.Errorf("reminders.resync: %w", err))
		}
	}
	if _, err := ParseLocation("parser.timezone", cfg.Parser.Timezone); err != nil {
		errs = append(errs, err)
	}

	if dc := cfg.Debug; dc != nil && strings.TrimSpace(dc.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(dc.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
