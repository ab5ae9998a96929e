package app

import (
	"context"
	"testing"
	"time"

	"pewtask/internal/clock"
	"pewtask/internal/eventbus"
	"pewtask/internal/storage"
	"pewtask/internal/task/parser"
	"pewtask/internal/task/reminder"
	"pewtask/internal/task/tracker"
	logx "pewtask/pkg/logx"
)

type resyncFixture struct {
	r       *resyncer
	tracker *tracker.Tracker
	sched   *reminder.Scheduler
	parser  *parser.Parser
	bus     eventbus.Bus
}

func newResyncFixture(t *testing.T) *resyncFixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	c := clock.NewFake(testNow)
	bus := eventbus.New()
	tr := tracker.New(st, tracker.WithClock(c), tracker.WithBus(bus))
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	sched := reminder.New(c, &stubNotify{perm: reminder.PermissionGranted}, reminder.WithLocation(time.UTC))
	r := newResyncer(tr, sched, logx.Nop())
	t.Cleanup(func() { r.Stop(context.Background()) })
	return &resyncFixture{r: r, tracker: tr, sched: sched, parser: parser.New(c, parser.WithLocation(time.UTC)), bus: bus}
}

func waitArmed(t *testing.T, s *reminder.Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := len(s.Active()); got == want {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("armed = %d, want %d", got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResyncFollowsTaskChanges(t *testing.T) {
	t.Parallel()
	f := newResyncFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.r.Run(ctx, f.bus)

	soon, err := f.tracker.Add(ctx, f.parser.Parse("standup :d2025-06-11 :t11:00"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.tracker.Add(ctx, f.parser.Parse("far away :d2025-07-01")); err != nil {
		t.Fatal(err)
	}
	// Run may subscribe after the adds; a kick covers that.
	f.r.Kick("test")
	waitArmed(t, f.sched, 1)
	if got := f.sched.Active()[0].TaskID; got != soon.ID {
		t.Fatalf("armed task = %s, want %s", got, soon.ID)
	}

	if _, err := f.tracker.Complete(ctx, soon.ID); err != nil {
		t.Fatal(err)
	}
	waitArmed(t, f.sched, 0)

	if _, err := f.tracker.Reopen(ctx, soon.ID); err != nil {
		t.Fatal(err)
	}
	waitArmed(t, f.sched, 1)

	if _, err := f.tracker.Trash(ctx, soon.ID); err != nil {
		t.Fatal(err)
	}
	waitArmed(t, f.sched, 0)
}

func TestResyncKickRebuilds(t *testing.T) {
	t.Parallel()
	f := newResyncFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Added before Run subscribes, so only the kick can arm it.
	if _, err := f.tracker.Add(ctx, f.parser.Parse("standup :d2025-06-11 :t11:00")); err != nil {
		t.Fatal(err)
	}
	go f.r.Run(ctx, f.bus)
	f.r.Kick("startup")
	waitArmed(t, f.sched, 1)
}

func TestResyncSetEnabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newResyncFixture(t)
	if _, err := f.tracker.Add(ctx, f.parser.Parse("standup :d2025-06-11 :t11:00")); err != nil {
		t.Fatal(err)
	}
	n, err := f.r.Resync(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resync = %d, %v; want 1", n, err)
	}

	f.r.SetEnabled(false)
	if got := len(f.sched.Active()); got != 0 {
		t.Fatalf("armed after disable = %d", got)
	}
	if n, _ := f.r.Resync(ctx); n != 0 {
		t.Fatalf("Resync while disabled = %d", n)
	}

	f.r.SetEnabled(true)
	select {
	case reason := <-f.r.kick:
		if reason != "enabled" {
			t.Fatalf("kick reason = %q", reason)
		}
	default:
		t.Fatal("enabling did not request a resync")
	}
}

func TestResyncSetSchedule(t *testing.T) {
	t.Parallel()
	f := newResyncFixture(t)
	if err := f.r.SetSchedule("@every 15m", time.UTC); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	first := f.r.entry
	if first == 0 {
		t.Fatal("no cron entry")
	}
	if err := f.r.SetSchedule("@every 15m", time.UTC); err != nil || f.r.entry != first {
		t.Fatalf("same spec reinstalled: entry %d -> %d, err %v", first, f.r.entry, err)
	}
	if err := f.r.SetSchedule("not a cron", time.UTC); err == nil {
		t.Fatal("invalid spec accepted")
	}
	if err := f.r.SetSchedule("", time.UTC); err != nil || f.r.entry != 0 {
		t.Fatalf("empty spec: entry %d, err %v", f.r.entry, err)
	}
}
