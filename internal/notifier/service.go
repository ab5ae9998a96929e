package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"pewtask/internal/clock"
	"pewtask/internal/eventbus"
	"pewtask/internal/runtime/supervisor"
	"pewtask/internal/storage"
	"pewtask/internal/task/reminder"
	kit "pewtask/internal/transport"
	logx "pewtask/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	shownSize = 256
	shownTTL  = 24 * time.Hour
)

type job struct {
	n   reminder.Notification
	key string
	d   *delivery
}

// Service is an async delivery pipeline (queue, worker pool, rate limit,
// retry, dedup) that implements reminder.Deliverer. It is safe for
// concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store
	clock   clock.Clock

	cfg     Config
	limiter *rate.Limiter

	requested bool
	muted     bool
	onPerm    func(reminder.Permission)

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *supervisor.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	// shown maps a tag to the delivery currently on screen.
	shown *expirable.LRU[string, *delivery]
}

type dedupWrite struct {
	key   string
	until time.Time
}

type Option func(*Service)

// WithClock sets the clock used for dismiss timers and dedup windows.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		store:   store,
		clock:   clock.System(),
		dedup:   map[string]time.Time{},
		shown:   expirable.NewLRU[string, *delivery](shownSize, nil, shownTTL),
	}
	for _, o := range opts {
		o(s)
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker and queue sizes take effect on next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	before := s.permissionLocked()
	s.applyLocked(cfg)
	after := s.permissionLocked()
	fn := s.onPerm
	s.mu.Unlock()
	if before != after && fn != nil {
		fn(after)
	}
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.DismissAfter < 0 {
		cfg.DismissAfter = 0
	}
	cfg.Targets = append([]kit.ChatTarget(nil), cfg.Targets...)

	s.cfg = cfg
	// Burst equals the per-second rate so short spikes are not delayed.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log.With(logx.String("comp", "notifier.sup"))),
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	// Loops exit cleanly only when their channel is closed by Stop.
	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitErr(c, "persist loop")
		}, supervisor.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c, "worker")
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

func (s *Service) exitErr(ctx context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("notifier " + what + " exited unexpectedly")
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Permission is denied while the notifier is disabled, muted or has nowhere
// to send, default until RequestPermission was called, else granted.
func (s *Service) Permission() reminder.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissionLocked()
}

func (s *Service) permissionLocked() reminder.Permission {
	switch {
	case s.muted, !s.cfg.Enabled, s.adapter == nil, len(s.cfg.Targets) == 0:
		return reminder.PermissionDenied
	case !s.requested:
		return reminder.PermissionDefault
	default:
		return reminder.PermissionGranted
	}
}

func (s *Service) RequestPermission(ctx context.Context) reminder.Permission {
	if ctx.Err() != nil {
		return reminder.PermissionDenied
	}
	s.mu.Lock()
	before := s.permissionLocked()
	if before == reminder.PermissionGranted {
		s.mu.Unlock()
		return before
	}
	s.requested = true
	after := s.permissionLocked()
	fn := s.onPerm
	s.mu.Unlock()
	if before != after && fn != nil {
		fn(after)
	}
	s.log.Info("notification permission requested", logx.String("permission", string(after)))
	return after
}

// SetMuted lets the user turn reminders off and on from chat.
func (s *Service) SetMuted(muted bool) reminder.Permission {
	s.mu.Lock()
	before := s.permissionLocked()
	s.muted = muted
	if !muted {
		s.requested = true
	}
	after := s.permissionLocked()
	fn := s.onPerm
	s.mu.Unlock()
	if before != after && fn != nil {
		fn(after)
	}
	return after
}

// OnPermissionChange registers fn, called after the effective permission
// changed.
func (s *Service) OnPermissionChange(fn func(reminder.Permission)) {
	s.mu.Lock()
	s.onPerm = fn
	s.mu.Unlock()
}

// Deliver enqueues n and returns its handle. A notification suppressed by
// dedup returns a handle that does nothing.
func (s *Service) Deliver(ctx context.Context, n reminder.Notification) (reminder.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return nil, ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(n)
	if window > 0 && !s.dedupAllow(ctx, key, window, dedupMax, persist, pch) {
		s.publish(eventbus.NotificationDedup, n, 0, nil)
		return noopHandle{}, nil
	}

	d := &delivery{s: s, tag: n.Tag}
	select {
	case q <- job{n: n, key: key, d: d}:
		return d, nil
	default:
		s.publish(eventbus.NotificationDrop, n, 0, ErrQueueFull)
		return nil, ErrQueueFull
	}
}

func (s *Service) publish(typ string, n reminder.Notification, chatID int64, err error) {
	if s.bus == nil {
		return
	}
	now := s.clock.Now()
	ev := NotificationEvent{Tag: n.Tag, TaskID: n.TaskID, ChatID: chatID, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func messageOptions(n reminder.Notification) *kit.SendOptions {
	opt := &kit.SendOptions{DisablePreview: true}
	if n.TaskID != "" && n.TaskID != reminder.TestTaskID {
		opt.Buttons = [][]kit.Button{{{Text: "✅ Done", Data: DoneCallback(n.TaskID)}}}
	}
	return opt
}

// send delivers one job to every target, replacing whatever is still on
// screen under the same tag.
func (s *Service) send(ctx context.Context, j job) {
	if j.d.isDismissed() {
		return
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil {
		return
	}

	if prev, ok := s.shown.Peek(j.n.Tag); ok && prev != j.d {
		prev.Dismiss()
	}

	text := j.n.Title + "\n" + j.n.Body
	opt := messageOptions(j.n)
	refs := make([]kit.MessageRef, 0, len(cfg.Targets))
	for _, to := range cfg.Targets {
		ref, err := s.sendWithRetry(ctx, cfg, lim, ad, to, text, opt)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("reminder send failed", logx.String("tag", j.n.Tag), logx.Int64("chat_id", to.ChatID), logx.Err(err))
			}
			s.publish(eventbus.NotificationFail, j.n, to.ChatID, err)
			continue
		}
		refs = append(refs, ref)
		s.publish(eventbus.NotificationSent, j.n, to.ChatID, nil)
	}
	if len(refs) == 0 {
		return
	}
	j.d.attach(refs, cfg.DismissAfter)
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, ad kit.Adapter, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return kit.MessageRef{}, err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		ref, err := ad.SendText(callCtx, to, text, opt)
		cancel()
		if err == nil {
			return ref, nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return kit.MessageRef{}, ctx.Err()
		}
	}
	return kit.MessageRef{}, lastErr
}

func (s *Service) deleteRefs(refs []kit.MessageRef) {
	s.mu.Lock()
	ad := s.adapter
	s.mu.Unlock()
	if ad == nil {
		return
	}
	for _, ref := range refs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ad.DeleteMessage(ctx, ref); err != nil {
			s.log.Debug("reminder dismiss failed", logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID), logx.Err(err))
		}
		cancel()
	}
}

func dedupKey(n reminder.Notification) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Tag))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.Title))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(n.Body))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, pch chan dedupWrite) bool {
	now := s.clock.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if persist && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Over the cap, drop the entries that expire first.
	for max > 0 && len(s.dedup) > max {
		var minKey string
		var minT time.Time
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
