package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pewtask/pkg/logx"
)

// EnvTelegramToken overrides telegram.token so the secret can stay out of
// the config file.
const EnvTelegramToken = "PEWTASK_TELEGRAM_TOKEN"

const (
	reloadDebounce    = 250 * time.Millisecond
	validateTimeout   = 5 * time.Second
	watchBackoffStart = 250 * time.Millisecond
	watchBackoffMax   = 5 * time.Second
)

type snapshot struct {
	cfg  *Config
	hash uint64
}

// ConfigManager holds the committed config, reloads it when the file
// changes and hands new versions to subscribers.
type ConfigManager struct {
	path string
	cur  atomic.Pointer[snapshot]

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	hookMu    sync.Mutex
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.hookMu.Lock()
	m.log = log
	m.hookMu.Unlock()
}

// SetValidator installs a check that runs on Reload after Validate. A
// rejected config is not committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.hookMu.Lock()
	m.validator = fn
	m.hookMu.Unlock()
}

func (m *ConfigManager) hooks() (logx.Logger, func(context.Context, *Config) error) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	return m.log, m.validator
}

// Parse reads and statically validates the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	if tok := strings.TrimSpace(os.Getenv(EnvTelegramToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.cur.Store(&snapshot{cfg: cfg, hash: hashConfig(cfg)})
}

// Get returns the committed config, or nil before Load.
func (m *ConfigManager) Get() *Config {
	if s := m.cur.Load(); s != nil {
		return s.cfg
	}
	return nil
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish never blocks: a full subscriber drops its oldest pending config.
func (m *ConfigManager) publish(cfg *Config) {
	log, _ := m.hooks()
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if trySend(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !trySend(ch, cfg) {
			log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func trySend(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// Reload re-reads the file and commits and publishes it when it differs
// from the committed config and passes the validator. It reports whether a
// new config was published.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	if cur := m.cur.Load(); cur != nil && h != 0 && h == cur.hash {
		return false, nil
	}

	log, validate := m.hooks()
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", h)))
	return true, nil
}

var errWatcherClosed = errors.New("watcher closed")

// Watch reloads the config after its file changes until ctx is done. Bursts
// of events are debounced into one reload; a failed watcher is recreated
// with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	backoff := watchBackoffStart
	for {
		started, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			backoff = watchBackoffStart
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)

		log, _ := m.hooks()
		log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher. started reports whether the watcher
// came up before failing.
func (m *ConfigManager) watchOnce(ctx context.Context) (started bool, err error) {
	log, _ := m.hooks()
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	// Editors replace files on save, so watch the directory and match by name.
	if err := w.Add(dir); err != nil {
		return false, err
	}
	log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op&relevant != 0 {
				debounce.Reset(reloadDebounce)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errWatcherClosed
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; forcing reload", logx.Err(werr))
				debounce.Reset(reloadDebounce)
				continue
			}
			log.Warn("config watch error", logx.Err(werr), logx.String("dir", dir))
		case <-debounce.C:
			changed, rerr := m.Reload(ctx)
			switch {
			case rerr != nil:
				log.Warn("config reload failed", logx.String("path", m.path), logx.Err(rerr))
			case !changed:
				log.Debug("config unchanged", logx.String("path", m.path))
			}
		}
	}
}
