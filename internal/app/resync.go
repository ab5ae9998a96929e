package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pewtask/internal/config"
	"pewtask/internal/eventbus"
	"pewtask/internal/task/reminder"
	"pewtask/internal/task/tracker"
	logx "pewtask/pkg/logx"
)

// resyncer rebuilds the reminder registry from the task list whenever the
// list changes, when kicked (permission change, startup) and on the
// reminders.resync cron schedule so tasks entering the horizon get armed.
type resyncer struct {
	log     logx.Logger
	tracker *tracker.Tracker
	sched   *reminder.Scheduler
	enabled atomic.Bool
	kick    chan string

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
	spec  string
}

func newResyncer(tr *tracker.Tracker, sched *reminder.Scheduler, log logx.Logger) *resyncer {
	r := &resyncer{log: log, tracker: tr, sched: sched, kick: make(chan string, 1)}
	r.enabled.Store(true)
	return r
}

// Kick requests a resync. Kicks coalesce while one is pending.
func (r *resyncer) Kick(reason string) {
	select {
	case r.kick <- reason:
	default:
	}
}

// SetEnabled turns reminders on or off. Turning off clears every entry.
func (r *resyncer) SetEnabled(on bool) {
	if r.enabled.Swap(on) == on {
		return
	}
	if on {
		r.Kick("enabled")
		return
	}
	n := r.sched.ClearAll()
	r.log.Info("reminders disabled", logx.Int("cleared", n))
}

// Resync rebuilds the registry now and returns the number of armed entries.
func (r *resyncer) Resync(ctx context.Context) (int, error) {
	if !r.enabled.Load() {
		return 0, nil
	}
	tasks, err := r.tracker.List(ctx, tracker.ViewOpen)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	return r.sched.Resync(tasks), nil
}

// Run resyncs on task changes and kicks until ctx is done.
func (r *resyncer) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(64, eventbus.TaskChanged)
	defer unsub()

	run := func(reason string) {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		n, err := r.Resync(cctx)
		if err != nil {
			r.log.Warn("reminder resync failed", logx.String("reason", reason), logx.Err(err))
			return
		}
		r.log.Debug("reminders resynced", logx.String("reason", reason), logx.Int("armed", n))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-r.kick:
			run(reason)
		case e, ok := <-events:
			if !ok {
				return
			}
			// One rebuild covers a burst of changes.
			for drained := false; !drained; {
				select {
				case <-events:
				default:
					drained = true
				}
			}
			reason := e.Type
			if ch, ok := e.Data.(eventbus.TaskChange); ok {
				reason = ch.Action
			}
			run(reason)
		}
	}
}

// SetSchedule (re)installs the periodic resync. An empty spec removes it.
func (r *resyncer) SetSchedule(spec string, loc *time.Location) error {
	spec = strings.TrimSpace(spec)
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec == r.spec && r.cron != nil {
		return nil
	}
	if r.cron == nil {
		if loc == nil {
			loc = time.Local
		}
		cl := cronLogger{log: r.log}
		r.cron = cron.New(
			cron.WithParser(config.ResyncParser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		)
		r.cron.Start()
	}
	if r.entry != 0 {
		r.cron.Remove(r.entry)
		r.entry = 0
	}
	r.spec = spec
	if spec == "" {
		return nil
	}
	id, err := r.cron.AddFunc(spec, func() { r.Kick("cron") })
	if err != nil {
		return fmt.Errorf("reminders.resync: %w", err)
	}
	r.entry = id
	r.log.Info("periodic resync scheduled", logx.String("spec", spec))
	return nil
}

// Stop stops the cron runner and waits for a running job.
func (r *resyncer) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.entry = 0
	r.spec = ""
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Warn("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
