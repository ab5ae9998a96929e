package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pewtask/internal/app"
	"pewtask/internal/clock"
	"pewtask/internal/config"
	"pewtask/internal/storage"
	"pewtask/internal/task"
	"pewtask/internal/task/parser"
	"pewtask/internal/task/tracker"
	logx "pewtask/pkg/logx"
)

// cliEnv is the storage-backed tracker the offline subcommands share.
type cliEnv struct {
	cfg     *config.Config
	store   storage.Store
	tracker *tracker.Tracker
	parser  *parser.Parser
}

func openEnv(cmd *cobra.Command) (*cliEnv, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole(cfg.Logging.Level)

	sc, err := app.MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if sc.Driver == "memory" {
		log.Warn("storage driver is memory; changes are not kept after this command")
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	tr := tracker.New(st, tracker.WithLogger(log.With(logx.String("comp", "tracker"))))
	if err := tr.Init(cmd.Context()); err != nil {
		_ = st.Close()
		return nil, err
	}
	p, err := newParser(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &cliEnv{cfg: cfg, store: st, tracker: tr, parser: p}, nil
}

func (e *cliEnv) Close() error { return e.store.Close() }

func cliContext(cmd *cobra.Command) context.Context {
	return tracker.WithActor(cmd.Context(), tracker.Actor{Source: "cli"})
}

func newParser(cfg *config.Config) (*parser.Parser, error) {
	loc, err := app.ParserLocation(cfg)
	if err != nil {
		return nil, err
	}
	return parser.New(clock.System(), parser.WithLocation(loc)), nil
}

func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <text...>",
		Short: "Print the parse of a task line as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p *parser.Parser
			if useCfg, _ := cmd.Flags().GetBool("use-config"); useCfg {
				cfgPath, _ := cmd.Flags().GetString("config")
				cfg, err := config.NewConfigManager(cfgPath).Load()
				if err != nil {
					return err
				}
				if p, err = newParser(cfg); err != nil {
					return err
				}
			} else {
				p = parser.New(clock.System())
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(p.Parse(strings.Join(args, " ")))
		},
	}
	cmd.Flags().Bool("use-config", false, "Resolve dates in parser.timezone from the config")
	return cmd
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <text...>",
		Short: "Add a task from a natural-language line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			tk, err := env.tracker.Add(cliContext(cmd), env.parser.Parse(strings.Join(args, " ")))
			if err != nil {
				return err
			}
			fmt.Println(formatRow(tk))
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			view := tracker.ViewOpen
			if all, _ := cmd.Flags().GetBool("all"); all {
				view = tracker.ViewActive
			}
			if trashed, _ := cmd.Flags().GetBool("trash"); trashed {
				view = tracker.ViewTrashed
			}
			tasks, err := env.tracker.List(cmd.Context(), view)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks.")
				return nil
			}
			for _, tk := range tasks {
				fmt.Println(formatRow(tk))
			}
			return nil
		},
	}
	cmd.Flags().BoolP("all", "a", false, "Include completed tasks")
	cmd.Flags().Bool("trash", false, "Show trashed tasks only")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func doneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Complete a task by id or unique id prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			tk, err := env.tracker.Complete(cliContext(cmd), args[0])
			if err != nil {
				return fmt.Errorf("done %s: %w", args[0], err)
			}
			fmt.Println(formatRow(tk))
			return nil
		},
	}
}

func formatRow(tk task.Task) string {
	mark := "[ ]"
	if tk.Completed {
		mark = "[x]"
	}
	due := strings.TrimSpace(tk.DueDate + " " + tk.DueTime)
	if due == "" {
		due = "-"
	}
	row := fmt.Sprintf("%s %s  %-16s %-6s %s", mark, tk.ID, due, tk.Priority, tk.Title)
	if len(tk.Tags) > 0 {
		row += "  #" + strings.Join(tk.Tags, " #")
	}
	return row
}
