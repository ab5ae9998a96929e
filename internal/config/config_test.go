package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: 15s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/pewtask.db
notifier:
  enabled: true
  rate_per_sec: 2
  dismiss_after: 10s
reminders:
  timezone: UTC
  resync: "@every 15m"
parser:
  timezone: UTC
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("pewtask.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Reminders.Resync != "@every 15m" || !cfg.RemindersEnabled() {
		t.Fatalf("reminders = %+v", cfg.Reminders)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		data string
	}{
		{"unknown json key", "c.json", `{"telegram":{"tokn":"x"}}`},
		{"unknown yaml key", "c.yml", "reminders:\n  horizn: 1h\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "telegram: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty is valid", Config{}, ""},
		{"reminders disabled", Config{Reminders: RemindersConfig{Enabled: &off}}, ""},
		{"token without owners", Config{Telegram: TelegramConfig{Token: "x"}}, "owner_user_ids"},
		{"bad poll timeout", Config{Telegram: TelegramConfig{PollTimeout: "soon"}}, "telegram.poll_timeout"},
		{"file without path", Config{Storage: &StorageConfig{Driver: "file"}}, "storage.path"},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"negative workers", Config{Notifier: &NotifierConfig{Workers: -1}}, "notifier"},
		{"bad dismiss", Config{Notifier: &NotifierConfig{DismissAfter: "-1s"}}, "notifier.dismiss_after"},
		{"bad timezone", Config{Reminders: RemindersConfig{Timezone: "Mars/Olympus"}}, "reminders.timezone"},
		{"bad resync", Config{Reminders: RemindersConfig{Resync: "every now and then"}}, "reminders.resync"},
		{"cron resync", Config{Reminders: RemindersConfig{Resync: "*/10 * * * *"}}, ""},
		{"debug addr", Config{Debug: &DebugConfig{Enabled: true, Addr: "127.0.0.1:6060"}}, ""},
		{"bad debug addr", Config{Debug: &DebugConfig{Enabled: true, Addr: "6060"}}, "debug.addr"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestManagerReloadPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pewtask.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if changed, err := m.Reload(ctx); err != nil || changed {
		t.Fatalf("Reload unchanged = %v, %v", changed, err)
	}

	write(`{"logging":{"level":"debug"}}`)
	if changed, err := m.Reload(ctx); err != nil || !changed {
		t.Fatalf("Reload changed = %v, %v", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}

	m.SetValidator(func(context.Context, *Config) error { return os.ErrInvalid })
	write(`{"logging":{"level":"warn"}}`)
	if changed, err := m.Reload(ctx); err == nil || changed {
		t.Fatalf("rejected Reload = %v, %v", changed, err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("rejected config was committed: %q", m.Get().Logging.Level)
	}

	write(`{"logging":{"levl":"warn"}}`)
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret-1"}, Reminders: RemindersConfig{Resync: "@hourly"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "secret-2"}, Reminders: RemindersConfig{Resync: "@every 5m"}, Parser: ParserConfig{Timezone: "UTC"}}

	changed, fields := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"telegram", "reminders", "parser"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(fields) == 0 {
		t.Fatal("expected log fields")
	}
	if same, _ := SummarizeConfigChange(oldCfg, oldCfg); len(same) != 0 {
		t.Fatalf("identical configs reported %v", same)
	}
}

func TestEnvTokenOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pewtask.yaml")
	if err := os.WriteFile(path, []byte("telegram:\n  token: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvTelegramToken, " from-env ")
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pewtask.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	// Rewrite until the watcher (started asynchronously) sees a change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("watch did not publish the rewritten config")
		}
	}
}
