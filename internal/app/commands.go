package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pewtask/internal/notifier"
	"pewtask/internal/runtime/supervisor"
	"pewtask/internal/task"
	"pewtask/internal/task/parser"
	"pewtask/internal/task/reminder"
	"pewtask/internal/task/tracker"
	kit "pewtask/internal/transport"
	logx "pewtask/pkg/logx"
)

// Notifications is the part of the notifier the chat commands control.
type Notifications interface {
	Permission() reminder.Permission
	RequestPermission(ctx context.Context) reminder.Permission
	SetMuted(muted bool) reminder.Permission
}

type CommandDeps struct {
	Log           logx.Logger
	Adapter       kit.Adapter
	Tracker       *tracker.Tracker
	Parser        *parser.Parser
	Scheduler     *reminder.Scheduler
	Notifications Notifications
	Location      *time.Location
	// Status reports supervised goroutines for /status; optional.
	Status  func() []supervisor.Stats
	Timeout time.Duration
}

type command struct {
	name   string
	usage  string
	desc   string
	handle HandlerFunc
}

// Commands turns chat updates into tracker and scheduler calls.
type Commands struct {
	CommandDeps

	cmds    map[string]command
	order   []string
	handler HandlerFunc
}

const (
	listDonePrefix = "list:done:"
	maxListButtons = 10
)

func NewCommands(d CommandDeps) *Commands {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Timeout <= 0 {
		d.Timeout = 15 * time.Second
	}
	c := &Commands{CommandDeps: d, cmds: map[string]command{}}

	c.register("start", "", "Enable reminders and show help", c.cmdStart)
	c.register("help", "", "Show commands", c.cmdHelp)
	c.register("list", "[all]", "Open tasks (all = include completed)", c.cmdList)
	c.register("done", "<id>", "Complete a task", c.mutation("Completed", c.Tracker.Complete))
	c.register("undo", "<id>", "Reopen a completed task", c.mutation("Reopened", c.Tracker.Reopen))
	c.register("rm", "<id>", "Move a task to the trash", c.mutation("Trashed", c.Tracker.Trash))
	c.register("restore", "<id>", "Restore a task from the trash", c.mutation("Restored", c.Tracker.Restore))
	c.register("trash", "", "Show the trash", c.cmdTrash)
	c.register("purge", "", "Empty the trash", c.cmdPurge)
	c.register("reminders", "", "Armed reminders", c.cmdReminders)
	c.register("parse", "<text>", "Show how text would be parsed", c.cmdParse)
	c.register("test", "", "Send a test notification", c.cmdTest)
	c.register("mute", "", "Pause reminders", c.cmdMute(true))
	c.register("unmute", "", "Resume reminders", c.cmdMute(false))
	c.register("status", "", "Runtime status", c.cmdStatus)

	c.handler = Chain(c.route, MWRequestLog(), MWPanicRecover(), MWTimeout(d.Timeout), MWActor("telegram"))
	c.Scheduler.OnClick(c.completeFromReminder)
	return c
}

func (c *Commands) register(name, usage, desc string, h HandlerFunc) {
	c.cmds[name] = command{name: name, usage: usage, desc: desc, handle: h}
	c.order = append(c.order, name)
}

// Menu returns the command menu in registration order.
func (c *Commands) Menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, kit.BotCommand{Command: name, Description: c.cmds[name].desc})
	}
	return out
}

// DispatchLoop handles updates one at a time until ctx is done or in closes.
func (c *Commands) DispatchLoop(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			// Failures are logged by the middleware chain.
			_ = c.Handle(ctx, up)
		}
	}
}

func (c *Commands) Handle(ctx context.Context, up kit.Update) error {
	req := &Request{Update: up, Logger: c.Log}
	switch up.Kind {
	case kit.UpdateMessage:
		m := up.Message
		if m == nil {
			return nil
		}
		req.Chat = kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
		req.FromID = m.FromID
		req.Command, req.Args = splitCommand(m.Text)
	case kit.UpdateCallback:
		cb := up.Callback
		if cb == nil {
			return nil
		}
		req.Chat = kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
		req.FromID = cb.FromID
		req.Command = "callback"
		req.Args = cb.Data
	default:
		return nil
	}
	return c.handler(ctx, req)
}

// splitCommand splits "/done@mybot 01AB" into ("done", "01AB"). Text that is
// not a command returns ("", text).
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	name, args, _ := strings.Cut(text[1:], " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(args)
}

func (c *Commands) route(ctx context.Context, req *Request) error {
	if req.Update.Kind == kit.UpdateCallback {
		return c.onCallback(ctx, req)
	}
	if req.Command == "" {
		return c.cmdAdd(ctx, req)
	}
	cmd, ok := c.cmds[req.Command]
	if !ok {
		return c.reply(ctx, req, fmt.Sprintf("Unknown command /%s. Try /help.", req.Command), nil)
	}
	return cmd.handle(ctx, req)
}

func (c *Commands) reply(ctx context.Context, req *Request, text string, buttons [][]kit.Button) error {
	if c.Adapter == nil {
		return nil
	}
	_, err := c.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true, Buttons: buttons})
	return err
}

func (c *Commands) cmdAdd(ctx context.Context, req *Request) error {
	if req.Args == "" {
		return nil
	}
	tk, err := c.Tracker.Add(ctx, c.Parser.Parse(req.Args))
	if err != nil {
		_ = c.reply(ctx, req, "Could not save the task, please try again.", nil)
		return err
	}
	return c.reply(ctx, req, "✅ Added\n"+formatTask(tk), nil)
}

func (c *Commands) cmdStart(ctx context.Context, req *Request) error {
	perm := c.Notifications.RequestPermission(ctx)
	text := "Send me a task in plain words, e.g.\n" +
		"  call mom tomorrow 9am\n" +
		"  report :d2025-12-25 :t14:30 :phigh #work @office\n\n" +
		"Reminders: " + string(perm) + "\n\n" + c.helpText()
	return c.reply(ctx, req, text, nil)
}

func (c *Commands) cmdHelp(ctx context.Context, req *Request) error {
	return c.reply(ctx, req, c.helpText(), nil)
}

func (c *Commands) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range c.order {
		cmd := c.cmds[name]
		b.WriteString("/" + name)
		if cmd.usage != "" {
			b.WriteString(" " + cmd.usage)
		}
		b.WriteString(" - " + cmd.desc + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) cmdList(ctx context.Context, req *Request) error {
	view := tracker.ViewOpen
	if strings.EqualFold(req.Args, "all") {
		view = tracker.ViewActive
	}
	text, buttons, err := c.renderList(ctx, view)
	if err != nil {
		return err
	}
	return c.reply(ctx, req, text, buttons)
}

func (c *Commands) renderList(ctx context.Context, view tracker.View) (string, [][]kit.Button, error) {
	tasks, err := c.Tracker.List(ctx, view)
	if err != nil {
		return "", nil, err
	}
	if len(tasks) == 0 {
		return "No open tasks 🎉", nil, nil
	}
	var b strings.Builder
	var buttons [][]kit.Button
	for i, tk := range tasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatLine(tk))
		if tk.Open() && len(buttons) < maxListButtons {
			buttons = append(buttons, []kit.Button{{Text: "✅ " + truncate(tk.Title, 28), Data: listDonePrefix + tk.ID}})
		}
	}
	return strings.TrimRight(b.String(), "\n"), buttons, nil
}

func (c *Commands) cmdTrash(ctx context.Context, req *Request) error {
	tasks, err := c.Tracker.List(ctx, tracker.ViewTrashed)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return c.reply(ctx, req, "Trash is empty.", nil)
	}
	var b strings.Builder
	b.WriteString("🗑 Trash:\n")
	for _, tk := range tasks {
		b.WriteString("• " + formatLine(tk) + "\n")
	}
	return c.reply(ctx, req, strings.TrimRight(b.String(), "\n"), nil)
}

func (c *Commands) cmdPurge(ctx context.Context, req *Request) error {
	n, err := c.Tracker.Purge(ctx)
	if err != nil {
		return err
	}
	return c.reply(ctx, req, fmt.Sprintf("Deleted %d task(s) permanently.", n), nil)
}

func (c *Commands) mutation(verb string, op func(context.Context, string) (task.Task, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if req.Args == "" {
			return c.reply(ctx, req, fmt.Sprintf("Usage: /%s %s", req.Command, c.cmds[req.Command].usage), nil)
		}
		tk, err := op(ctx, req.Args)
		switch {
		case errors.Is(err, tracker.ErrNotFound):
			return c.reply(ctx, req, fmt.Sprintf("No task matches %q.", req.Args), nil)
		case errors.Is(err, tracker.ErrAmbiguous):
			return c.reply(ctx, req, fmt.Sprintf("%q matches several tasks; type more of the id.", req.Args), nil)
		case err != nil:
			return err
		}
		return c.reply(ctx, req, verb+": "+tk.Title, nil)
	}
}

func (c *Commands) cmdReminders(ctx context.Context, req *Request) error {
	active := c.Scheduler.Active()
	if len(active) == 0 {
		return c.reply(ctx, req, "No reminders armed. Tasks are armed once they are due within 24 hours.", nil)
	}
	var b strings.Builder
	b.WriteString("⏰ Armed reminders:\n")
	for _, r := range active {
		fmt.Fprintf(&b, "• %s  %s\n", r.DueAt.In(c.Location).Format("Mon 15:04"), r.TaskTitle)
	}
	if next, ok := c.Scheduler.Next(); ok {
		fmt.Fprintf(&b, "Next in %s", next.Sub(time.Now()).Round(time.Minute))
	}
	return c.reply(ctx, req, strings.TrimRight(b.String(), "\n"), nil)
}

func (c *Commands) cmdParse(ctx context.Context, req *Request) error {
	if req.Args == "" {
		return c.reply(ctx, req, "Usage: /parse <text>", nil)
	}
	b, err := json.MarshalIndent(c.Parser.Parse(req.Args), "", "  ")
	if err != nil {
		return err
	}
	return c.reply(ctx, req, string(b), nil)
}

func (c *Commands) cmdTest(ctx context.Context, req *Request) error {
	if c.Scheduler.TestNotification(ctx) {
		return c.reply(ctx, req, "Test notification sent.", nil)
	}
	return c.reply(ctx, req, "Test notification not sent (reminders: "+string(c.Notifications.Permission())+"). Try /start or /unmute.", nil)
}

func (c *Commands) cmdMute(muted bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		perm := c.Notifications.SetMuted(muted)
		return c.reply(ctx, req, "Reminders: "+string(perm), nil)
	}
}

func (c *Commands) cmdStatus(ctx context.Context, req *Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Reminders: %s\n", c.Notifications.Permission())
	fmt.Fprintf(&b, "Armed: %d\n", len(c.Scheduler.Active()))
	if next, ok := c.Scheduler.Next(); ok {
		fmt.Fprintf(&b, "Next: %s\n", next.In(c.Location).Format("Mon Jan 2 15:04"))
	}
	if c.Status != nil {
		for _, st := range c.Status() {
			fmt.Fprintf(&b, "• %s active=%d restarts=%d panics=%d", st.Name, st.Active, st.Restarts, st.Panics)
			if st.LastErr != "" {
				b.WriteString(" err=" + st.LastErr)
			}
			b.WriteString("\n")
		}
	}
	return c.reply(ctx, req, strings.TrimRight(b.String(), "\n"), nil)
}

func (c *Commands) onCallback(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	answer := func(text string) error {
		if c.Adapter == nil {
			return nil
		}
		return c.Adapter.AnswerCallback(ctx, cb.ID, text)
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}

	if id, ok := notifier.ParseDoneCallback(req.Args); ok {
		c.Scheduler.HandleClick(id)
		tk, err := c.Tracker.Get(ctx, id)
		if err != nil || !tk.Completed {
			return answer("Task not found")
		}
		if c.Adapter != nil {
			if err := c.Adapter.DeleteMessage(ctx, ref); err != nil {
				req.Logger.Debug("reminder message delete failed", logx.Err(err))
			}
		}
		return answer("✅ Completed: " + tk.Title)
	}

	if id, ok := strings.CutPrefix(req.Args, listDonePrefix); ok {
		tk, err := c.Tracker.Complete(ctx, id)
		if err != nil {
			_ = answer("Task not found")
			if errors.Is(err, tracker.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := answer("✅ Completed: " + tk.Title); err != nil {
			return err
		}
		text, buttons, err := c.renderList(ctx, tracker.ViewOpen)
		if err != nil || c.Adapter == nil {
			return err
		}
		return c.Adapter.EditText(ctx, ref, text, &kit.SendOptions{DisablePreview: true, Buttons: buttons})
	}

	return answer("Unknown action")
}

// completeFromReminder is the scheduler's click callback.
func (c *Commands) completeFromReminder(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = tracker.WithActor(ctx, tracker.Actor{Source: "reminder"})
	if _, err := c.Tracker.Complete(ctx, taskID); err != nil {
		c.Log.Warn("complete from reminder failed", logx.String("task_id", taskID), logx.Err(err))
	}
}

func formatTask(tk task.Task) string {
	var b strings.Builder
	b.WriteString("📝 " + tk.Title + "\n")
	if due := formatDue(tk); due != "" {
		b.WriteString("📅 " + due + "\n")
	}
	b.WriteString("Priority: " + string(tk.Priority) + "\n")
	if len(tk.Tags) > 0 {
		b.WriteString("🏷 #" + strings.Join(tk.Tags, " #") + "\n")
	}
	if tk.ProjectID != task.DefaultProjectID {
		b.WriteString("📁 " + tk.ProjectID + "\n")
	}
	b.WriteString("🆔 " + tk.ID)
	return b.String()
}

func formatLine(tk task.Task) string {
	parts := []string{tk.Title}
	if tk.Completed {
		parts[0] = "✔️ " + parts[0]
	}
	if due := formatDue(tk); due != "" {
		parts = append(parts, "📅 "+due)
	}
	if tk.Priority == task.PriorityHigh {
		parts = append(parts, "❗")
	}
	parts = append(parts, tk.ID)
	return strings.Join(parts, " · ")
}

func formatDue(tk task.Task) string {
	return strings.TrimSpace(tk.DueDate + " " + tk.DueTime)
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
