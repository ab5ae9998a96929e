package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"pewtask/internal/clock"
	"pewtask/internal/notifier"
	"pewtask/internal/runtime/supervisor"
	"pewtask/internal/storage"
	"pewtask/internal/task"
	"pewtask/internal/task/parser"
	"pewtask/internal/task/reminder"
	"pewtask/internal/task/tracker"
	kit "pewtask/internal/transport"
	logx "pewtask/pkg/logx"
)

var testNow = time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

type recAdapter struct {
	mu       sync.Mutex
	nextID   int
	sent     []string
	buttons  [][][]kit.Button
	edited   []string
	deleted  []kit.MessageRef
	answered []string
}

func (a *recAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *recAdapter) Stop(context.Context) error                     { return nil }

func (a *recAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.sent = append(a.sent, text)
	var rows [][]kit.Button
	if opt != nil {
		rows = opt.Buttons
	}
	a.buttons = append(a.buttons, rows)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: a.nextID}, nil
}

func (a *recAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	a.mu.Lock()
	a.edited = append(a.edited, text)
	a.mu.Unlock()
	return nil
}

func (a *recAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	a.mu.Lock()
	a.deleted = append(a.deleted, ref)
	a.mu.Unlock()
	return nil
}

func (a *recAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	a.mu.Lock()
	a.answered = append(a.answered, text)
	a.mu.Unlock()
	return nil
}

func (a *recAdapter) last(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return a.sent[len(a.sent)-1]
}

// stubNotify is both the scheduler's deliverer and the commands'
// notification control.
type stubNotify struct {
	mu        sync.Mutex
	perm      reminder.Permission
	muted     bool
	delivered []reminder.Notification
}

func (n *stubNotify) Permission() reminder.Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.muted {
		return reminder.PermissionDenied
	}
	return n.perm
}

func (n *stubNotify) RequestPermission(context.Context) reminder.Permission {
	n.mu.Lock()
	if n.perm == reminder.PermissionDefault {
		n.perm = reminder.PermissionGranted
	}
	n.mu.Unlock()
	return n.Permission()
}

func (n *stubNotify) SetMuted(muted bool) reminder.Permission {
	n.mu.Lock()
	n.muted = muted
	n.mu.Unlock()
	return n.Permission()
}

func (n *stubNotify) Deliver(_ context.Context, nt reminder.Notification) (reminder.Handle, error) {
	n.mu.Lock()
	n.delivered = append(n.delivered, nt)
	n.mu.Unlock()
	return nopHandle{}, nil
}

type nopHandle struct{}

func (nopHandle) Dismiss() {}

type cmdFixture struct {
	cmds    *Commands
	ad      *recAdapter
	notify  *stubNotify
	tracker *tracker.Tracker
	sched   *reminder.Scheduler
	clock   *clock.Fake
}

func newCmdFixture(t *testing.T) *cmdFixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	c := clock.NewFake(testNow)
	tr := tracker.New(st, tracker.WithClock(c))
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	notify := &stubNotify{perm: reminder.PermissionDefault}
	sched := reminder.New(c, notify, reminder.WithLocation(time.UTC))
	ad := &recAdapter{}
	cmds := NewCommands(CommandDeps{
		Adapter:       ad,
		Tracker:       tr,
		Parser:        parser.New(c, parser.WithLocation(time.UTC)),
		Scheduler:     sched,
		Notifications: notify,
		Location:      time.UTC,
	})
	return &cmdFixture{cmds: cmds, ad: ad, notify: notify, tracker: tr, sched: sched, clock: c}
}

func (f *cmdFixture) send(t *testing.T, text string) {
	t.Helper()
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: 42, FromID: 42, Text: text}}
	if err := f.cmds.Handle(context.Background(), up); err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
}

func (f *cmdFixture) click(t *testing.T, data string) {
	t.Helper()
	up := kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", ChatID: 42, FromID: 42, MessageID: 7, Data: data}}
	if err := f.cmds.Handle(context.Background(), up); err != nil {
		t.Fatalf("callback %q: %v", data, err)
	}
}

func (f *cmdFixture) add(t *testing.T, text string) task.Task {
	t.Helper()
	tk, err := f.tracker.Add(context.Background(), f.cmds.Parser.Parse(text))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return tk
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, cmd, args string }{
		{"/done 01AB", "done", "01AB"},
		{"/Done@pewtask_bot  01AB ", "done", "01AB"},
		{"/list", "list", ""},
		{"buy milk", "", "buy milk"},
		{"  ", "", ""},
	}
	for _, tc := range cases {
		cmd, args := splitCommand(tc.in)
		if cmd != tc.cmd || args != tc.args {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", tc.in, cmd, args, tc.cmd, tc.args)
		}
	}
}

func TestPlainTextAddsParsedTask(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	f.send(t, "buy milk tomorrow :phigh #home")

	got := f.ad.last(t)
	if !strings.HasPrefix(got, "✅ Added\n📝 buy milk") {
		t.Fatalf("reply = %q", got)
	}
	tasks, err := f.tracker.List(context.Background(), tracker.ViewOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	tk := tasks[0]
	if tk.DueDate != "2025-06-12" || tk.Priority != task.PriorityHigh || len(tk.Tags) != 1 || tk.Tags[0] != "home" {
		t.Fatalf("task = %+v", tk)
	}
	if !strings.Contains(got, tk.ID) {
		t.Fatalf("reply %q lacks id %s", got, tk.ID)
	}
}

func TestMutationCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newCmdFixture(t)
	tk := f.add(t, "write report")

	f.send(t, "/done "+strings.ToLower(tk.ID))
	if got := f.ad.last(t); got != "Completed: write report" {
		t.Fatalf("done reply = %q", got)
	}
	if got, _ := f.tracker.Get(ctx, tk.ID); !got.Completed {
		t.Fatal("task not completed")
	}

	f.send(t, "/undo "+tk.ID)
	if got := f.ad.last(t); got != "Reopened: write report" {
		t.Fatalf("undo reply = %q", got)
	}

	f.send(t, "/rm "+tk.ID)
	if got, _ := f.tracker.Get(ctx, tk.ID); !got.Trashed() {
		t.Fatal("task not trashed")
	}
	f.send(t, "/trash")
	if got := f.ad.last(t); !strings.HasPrefix(got, "🗑 Trash:\n• write report") {
		t.Fatalf("trash reply = %q", got)
	}

	f.send(t, "/restore "+tk.ID)
	if got, _ := f.tracker.Get(ctx, tk.ID); got.Trashed() {
		t.Fatal("task still trashed")
	}

	f.send(t, "/rm "+tk.ID)
	f.send(t, "/purge")
	if got := f.ad.last(t); got != "Deleted 1 task(s) permanently." {
		t.Fatalf("purge reply = %q", got)
	}
	f.send(t, "/trash")
	if got := f.ad.last(t); got != "Trash is empty." {
		t.Fatalf("trash reply = %q", got)
	}
}

func TestMutationErrors(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	a := f.add(t, "one")
	f.add(t, "two")

	f.send(t, "/done")
	if got := f.ad.last(t); got != "Usage: /done <id>" {
		t.Fatalf("usage reply = %q", got)
	}
	f.send(t, "/done nope")
	if got := f.ad.last(t); got != `No task matches "nope".` {
		t.Fatalf("not found reply = %q", got)
	}
	// Both ids carry the same millisecond timestamp prefix.
	f.send(t, "/done "+a.ID[:10])
	if got := f.ad.last(t); !strings.Contains(got, "matches several tasks") {
		t.Fatalf("ambiguous reply = %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	f.send(t, "/frobnicate")
	if got := f.ad.last(t); got != "Unknown command /frobnicate. Try /help." {
		t.Fatalf("reply = %q", got)
	}
}

func TestListShowsDoneButtons(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	f.send(t, "/list")
	if got := f.ad.last(t); got != "No open tasks 🎉" {
		t.Fatalf("empty list = %q", got)
	}

	a := f.add(t, "alpha")
	b := f.add(t, "beta")
	if _, err := f.tracker.Complete(context.Background(), b.ID); err != nil {
		t.Fatal(err)
	}

	f.send(t, "/list")
	if got := f.ad.last(t); strings.Contains(got, "beta") || !strings.Contains(got, "1. alpha") {
		t.Fatalf("open list = %q", got)
	}
	rows := f.ad.buttons[len(f.ad.buttons)-1]
	if len(rows) != 1 || rows[0][0].Data != listDonePrefix+a.ID {
		t.Fatalf("buttons = %+v", rows)
	}

	f.send(t, "/list all")
	if got := f.ad.last(t); !strings.Contains(got, "✔️ beta") {
		t.Fatalf("all list = %q", got)
	}
}

func TestListDoneCallbackEditsList(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	a := f.add(t, "alpha")

	f.click(t, listDonePrefix+a.ID)
	if len(f.ad.answered) != 1 || f.ad.answered[0] != "✅ Completed: alpha" {
		t.Fatalf("answered = %v", f.ad.answered)
	}
	if len(f.ad.edited) != 1 || f.ad.edited[0] != "No open tasks 🎉" {
		t.Fatalf("edited = %v", f.ad.edited)
	}

	f.click(t, listDonePrefix+"missing")
	if got := f.ad.answered[len(f.ad.answered)-1]; got != "Task not found" {
		t.Fatalf("answer = %q", got)
	}
}

func TestReminderDoneCallbackCompletesTask(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	a := f.add(t, "stretch")

	f.click(t, notifier.DoneCallback(a.ID))
	got, err := f.tracker.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Completed {
		t.Fatal("clicked reminder did not complete the task")
	}
	if len(f.ad.deleted) != 1 || f.ad.deleted[0].MessageID != 7 {
		t.Fatalf("deleted = %+v", f.ad.deleted)
	}
	if f.ad.answered[0] != "✅ Completed: stretch" {
		t.Fatalf("answered = %v", f.ad.answered)
	}

	f.click(t, "bogus")
	if got := f.ad.answered[len(f.ad.answered)-1]; got != "Unknown action" {
		t.Fatalf("answer = %q", got)
	}
}

func TestTestCommandRespectsPermission(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)

	f.send(t, "/test")
	if got := f.ad.last(t); !strings.HasPrefix(got, "Test notification not sent (reminders: default)") {
		t.Fatalf("reply = %q", got)
	}

	f.send(t, "/start")
	if got := f.ad.last(t); !strings.Contains(got, "Reminders: granted") {
		t.Fatalf("start reply = %q", got)
	}
	f.send(t, "/test")
	if got := f.ad.last(t); got != "Test notification sent." {
		t.Fatalf("reply = %q", got)
	}
	if len(f.notify.delivered) != 1 || f.notify.delivered[0].TaskID != reminder.TestTaskID {
		t.Fatalf("delivered = %+v", f.notify.delivered)
	}

	f.send(t, "/mute")
	if got := f.ad.last(t); got != "Reminders: denied" {
		t.Fatalf("mute reply = %q", got)
	}
	f.send(t, "/test")
	if len(f.notify.delivered) != 1 {
		t.Fatal("muted test notification was delivered")
	}
	f.send(t, "/unmute")
	if got := f.ad.last(t); got != "Reminders: granted" {
		t.Fatalf("unmute reply = %q", got)
	}
}

func TestParseCommandPrintsJSON(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	f.send(t, "/parse report :d2025-12-25 :t14:30")
	got := f.ad.last(t)
	for _, want := range []string{`"title": "report"`, `"due_date": "2025-12-25"`, `"due_time": "14:30"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("parse reply %q lacks %s", got, want)
		}
	}
	if _, err := f.tracker.List(context.Background(), tracker.ViewAll); err != nil {
		t.Fatal(err)
	}
}

func TestRemindersCommandListsArmed(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	f.send(t, "/reminders")
	if got := f.ad.last(t); !strings.HasPrefix(got, "No reminders armed.") {
		t.Fatalf("reply = %q", got)
	}

	a := f.add(t, "standup :d2025-06-11 :t11:30")
	if !f.sched.Schedule(a.ID, a.Title, a.DueDate, a.DueTime) {
		t.Fatal("Schedule = false")
	}
	f.send(t, "/reminders")
	if got := f.ad.last(t); !strings.Contains(got, "Wed 11:30  standup") {
		t.Fatalf("reply = %q", got)
	}
}

func TestStatusIncludesSupervisorStats(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	f.cmds.Status = func() []supervisor.Stats {
		return []supervisor.Stats{{Name: "commands.dispatch", Active: 1}}
	}
	f.send(t, "/status")
	got := f.ad.last(t)
	if !strings.Contains(got, "Reminders: default") || !strings.Contains(got, "• commands.dispatch active=1") {
		t.Fatalf("reply = %q", got)
	}
}

func TestMenuFollowsRegistrationOrder(t *testing.T) {
	t.Parallel()
	f := newCmdFixture(t)
	menu := f.cmds.Menu()
	if len(menu) == 0 || menu[0].Command != "start" || menu[len(menu)-1].Command != "status" {
		t.Fatalf("menu = %+v", menu)
	}
}
