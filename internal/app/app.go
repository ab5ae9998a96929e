// Package app wires the task tracker daemon: config, logging, storage, the
// tracker, the reminder scheduler, the notifier and the telegram transport.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"pewtask/internal/clock"
	"pewtask/internal/config"
	"pewtask/internal/eventbus"
	"pewtask/internal/notifier"
	"pewtask/internal/observability/debughttp"
	"pewtask/internal/runtime/supervisor"
	"pewtask/internal/storage"
	"pewtask/internal/task/parser"
	"pewtask/internal/task/reminder"
	"pewtask/internal/task/tracker"
	kit "pewtask/internal/transport"
	"pewtask/internal/transport/telegram"
	logx "pewtask/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tracker *tracker.Tracker
	sched   *reminder.Scheduler
	notif   *notifier.Service
	resync  *resyncer
	remLoc  *time.Location
	debug   *debughttp.Service

	adapter kit.Adapter // nil without a bot token
	cmds    *Commands
	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.NewService(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	sc, err := MapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	tr := tracker.New(store, tracker.WithBus(bus), tracker.WithLogger(root.With(logx.String("comp", "tracker"))))

	ploc, err := ParserLocation(cfg)
	if err != nil {
		return fail(err)
	}
	p := parser.New(clock.System(), parser.WithLocation(ploc), parser.WithLogger(root.With(logx.String("comp", "parser"))))

	rs, err := mapReminderSettings(cfg)
	if err != nil {
		return fail(err)
	}

	var ad kit.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pt, err := pollTimeout(cfg)
		if err != nil {
			return fail(err)
		}
		tg, err := telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			PollTimeout:  pt,
			OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
		}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return fail(err)
		}
		ad = tg
	} else {
		log.Warn("telegram.token not set; chat commands and reminder delivery are off")
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, ad, root.With(logx.String("comp", "notifier")), bus, store)

	sched := reminder.New(clock.System(), notif,
		reminder.WithLogger(root.With(logx.String("comp", "reminders"))),
		reminder.WithLocation(rs.loc),
		reminder.WithHorizon(rs.horizon),
	)
	rsync := newResyncer(tr, sched, root.With(logx.String("comp", "reminders.resync")))
	rsync.enabled.Store(cfg.RemindersEnabled())

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		tracker: tr,
		sched:   sched,
		notif:   notif,
		resync:  rsync,
		remLoc:  rs.loc,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	a.debug = debughttp.New(mapDebugConfig(cfg), debughttp.Snapshots{
		"reminders": func() any { return sched.Active() },
		"status":    func() any { return a.status() },
	}, root.With(logx.String("comp", "debughttp")))
	a.cmds = NewCommands(CommandDeps{
		Log:           root.With(logx.String("comp", "commands")),
		Adapter:       ad,
		Tracker:       tr,
		Parser:        p,
		Scheduler:     sched,
		Notifications: notif,
		Location:      rs.loc,
		Status:        a.status,
	})
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// status lists every supervised goroutine for /status.
func (a *App) status() []supervisor.Stats {
	var out []supervisor.Stats
	sups := []*supervisor.Supervisor{a.sup, a.notif.Supervisor(), a.debug.Supervisor()}
	if sp, ok := a.adapter.(interface{ Supervisor() *supervisor.Supervisor }); ok {
		sups = append(sups, sp.Supervisor())
	}
	for _, s := range sups {
		if s != nil {
			out = append(out, s.Snapshot()...)
		}
	}
	return out
}

// validate runs on every reload before the new config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := MapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReminderSettings(cfg); err != nil {
		return err
	}
	if _, err := ParserLocation(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Reminders.Resync) != "" {
		if _, err := config.ResyncParser.Parse(cfg.Reminders.Resync); err != nil {
			return fmt.Errorf("reminders.resync: %w", err)
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.tracker.Init(ctx); err != nil {
		return err
	}

	a.notif.OnPermissionChange(func(p reminder.Permission) {
		a.log.Info("notification permission changed", logx.String("permission", string(p)))
		a.resync.Kick("permission")
	})

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
			a.sup.Go0("telegram.menu", func(c context.Context) {
				cctx, cancel := context.WithTimeout(c, 10*time.Second)
				defer cancel()
				if err := mu.UpdateMenuCommands(cctx, a.cmds.Menu()); err != nil {
					a.log.Warn("menu commands update failed", logx.Err(err))
				}
			})
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.DispatchLoop(c, a.updates)
		})
	}

	a.notif.Start(runCtx)
	a.notif.RequestPermission(ctx)
	a.debug.Start(runCtx)

	if err := a.resync.SetSchedule(a.cfgm.Get().Reminders.Resync, a.remLoc); err != nil {
		return err
	}
	a.sup.Go0("reminders.resync", func(c context.Context) { a.resync.Run(c, a.bus) })
	a.resync.Kick("startup")

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
				a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded})
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("telegram", a.adapter != nil), logx.String("permission", string(a.notif.Permission())))
	return nil
}

// applyConfig applies the hot-reloadable sections of newCfg.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, fields := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range []string{"storage", "telegram", "parser"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if oldCfg.Reminders.Timezone != newCfg.Reminders.Timezone || oldCfg.Reminders.Horizon != newCfg.Reminders.Horizon {
		a.log.Warn("reminders.timezone/horizon changed; restart required for it to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
			a.notif.RequestPermission(ctx)
		}
	}

	a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))

	a.resync.SetEnabled(newCfg.RemindersEnabled())
	if err := a.resync.SetSchedule(newCfg.Reminders.Resync, a.remLoc); err != nil {
		a.log.Warn("invalid reminders.resync; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("reminders", time.Second, func(c context.Context) error {
		a.resync.Stop(c)
		n := a.sched.ClearAll()
		a.log.Debug("reminders cleared", logx.Int("count", n))
		return nil
	})
	step("debughttp", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
