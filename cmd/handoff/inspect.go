package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/handoff/pkg/config"
	"github.com/jllopis/handoff/pkg/core"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/intent"
	"github.com/jllopis/handoff/pkg/ledger"
	"github.com/jllopis/handoff/pkg/matcher"
	"github.com/jllopis/handoff/pkg/registry"
)

func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	return registry.New(registry.WithStatePath(cfg.Data.Path(cfg.Data.RegistryState)))
}

func (a *app) capabilitiesCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "List known capabilities and whether they are installed",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			caps := reg.List()
			if category != "" {
				caps = reg.ByCategory(registry.Category(category))
			}
			if a.json {
				type entry struct {
					registry.Capability
					Installed bool `json:"installed"`
				}
				out := make([]entry, 0, len(caps))
				for _, c := range caps {
					out = append(out, entry{Capability: c, Installed: reg.IsInstalled(c.Name)})
				}
				return a.printJSON(out)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCATEGORY\tINSTALLED\tDESCRIPTION")
			for _, c := range caps {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", c.Name, c.Category, reg.IsInstalled(c.Name), c.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only list one category")
	cmd.AddCommand(
		a.markInstalledCmd("install", "Mark a capability installed", true),
		a.markInstalledCmd("uninstall", "Mark a capability not installed", false),
		a.matchCmd(),
	)
	return cmd
}

func (a *app) markInstalledCmd(use, short string, installed bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			name := args[0]
			if _, ok := reg.Get(name); !ok {
				return errors.New(errors.CodeNotFound, "unknown capability "+name, nil)
			}
			if installed {
				err = reg.MarkInstalled(name)
			} else {
				err = reg.MarkUninstalled(name)
			}
			if err != nil {
				return err
			}
			if installed {
				if command, ok := reg.InstallCommand(name); ok && command != "" && !a.json {
					fmt.Fprintf(a.out, "Install it with: %s\n", command)
				}
			}
			if a.json {
				return a.printJSON(map[string]any{"name": name, "installed": installed})
			}
			fmt.Fprintf(a.out, "%s installed=%t\n", name, installed)
			return nil
		},
	}
}

func (a *app) matchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <intent>",
		Short: "Show which capabilities a task needs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			m := matcher.New(intent.MustClassifier(intent.DefaultRules()), reg)
			text := strings.Join(args, " ")
			analysis := m.Match(text)
			suggestions := m.SuggestInstallation(text)
			if a.json {
				return a.printJSON(map[string]any{"analysis": analysis, "suggestions": suggestions})
			}
			fmt.Fprintf(a.out, "Type: %s (confidence %.2f)\n", analysis.TaskType, analysis.Confidence)
			fmt.Fprintf(a.out, "Required: %s\n", strings.Join(matcher.Names(analysis.Required), ", "))
			fmt.Fprintf(a.out, "Optional: %s\n", strings.Join(matcher.Names(analysis.Optional), ", "))
			for _, s := range suggestions {
				fmt.Fprintf(a.out, "Missing: %s: %s (%s)\n", s.Name, s.Reason, s.InstallCommand)
			}
			if len(analysis.SuggestedSkills) > 0 {
				fmt.Fprintf(a.out, "Skills: %s\n", strings.Join(analysis.SuggestedSkills, ", "))
			}
			fmt.Fprintf(a.out, "Hooks: %s\n", strings.Join(analysis.SuggestedHooks, ", "))
			return nil
		},
	}
}

func (a *app) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and update the task ledger",
	}
	cmd.AddCommand(a.ledgerListCmd(), a.ledgerCancelCmd())
	return cmd
}

func (a *app) ledgerListCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			tasks, err := ledger.NewTasks(cfg.Data.Path(cfg.Data.Tasks)).List()
			if err != nil {
				return err
			}
			if open {
				filtered := tasks[:0]
				for _, t := range tasks {
					if t.State.Open() {
						filtered = append(filtered, t)
					}
				}
				tasks = filtered
			}
			if a.json {
				return a.printJSON(map[string]any{"tasks": tasks, "counts": ledger.Counts(tasks)})
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tUPDATED\tDESCRIPTION")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.State, t.UpdatedAt.Format(time.RFC3339), t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "only tasks with work left")
	return cmd
}

func (a *app) ledgerCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Mark an open task cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			sys, err := a.wire(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = sys.Close() }()
			if err := sys.Cancel(args[0]); err != nil {
				return err
			}
			if a.json {
				return a.printJSON(map[string]string{"task_id": args[0], "state": string(ledger.StateCancelled)})
			}
			fmt.Fprintf(a.out, "%s cancelled\n", args[0])
			return nil
		},
	}
}

type gateFlags struct {
	session       string
	iteration     int
	elapsed       time.Duration
	spent         float64
	budget        float64
	passed        int
	failed        int
	logs          []string
	maxIterations int
	maxTime       time.Duration
}

func (a *app) gateCmd() *cobra.Command {
	var f gateFlags
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Decide whether the current session may stop",
		Long: `Decide whether the current session may stop, escalate or must continue,
from the task ledger, test results, spend and log files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			state := ledger.GateState{
				SessionID:   f.session,
				Iteration:   f.iteration,
				Elapsed:     f.elapsed,
				Spent:       f.spent,
				BudgetLimit: f.budget,
			}
			if state.SessionID == "" {
				state.SessionID = cfg.Orchestrator.SessionID
			}
			tasks := ledger.NewTasks(cfg.Data.Path(cfg.Data.Tasks))
			if tasks.Exists() {
				if state.Tasks, err = tasks.List(); err != nil {
					return err
				}
			}
			if f.passed > 0 || f.failed > 0 {
				state.Tests = &ledger.TestResults{Passed: f.passed, Failed: f.failed}
			}
			for _, path := range f.logs {
				raw, err := os.ReadFile(path)
				if err != nil {
					return errors.New(errors.CodeInvalidInput, "read log "+path, err)
				}
				state.Logs = append(state.Logs, string(raw))
			}

			gate := ledger.NewGate(ledger.WithMaxIterations(f.maxIterations), ledger.WithMaxTime(f.maxTime))
			decision := gate.Evaluate(state)
			if a.json {
				return a.printJSON(decision)
			}
			fmt.Fprintln(a.out, decision.String())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.session, "session", "", "session id (defaults to orchestrator.session_id)")
	flags.IntVar(&f.iteration, "iteration", 0, "current iteration")
	flags.DurationVar(&f.elapsed, "elapsed", 0, "time spent in the session")
	flags.Float64Var(&f.spent, "spent", 0, "spend so far")
	flags.Float64Var(&f.budget, "budget", 0, "spend limit (0 is unlimited)")
	flags.IntVar(&f.passed, "tests-passed", 0, "passing tests in the last run")
	flags.IntVar(&f.failed, "tests-failed", 0, "failing tests in the last run")
	flags.StringArrayVar(&f.logs, "log", nil, "log file to scan for known errors (repeatable)")
	flags.IntVar(&f.maxIterations, "max-iterations", ledger.DefaultMaxIterations, "iteration hard stop")
	flags.DurationVar(&f.maxTime, "max-time", ledger.DefaultMaxTime, "elapsed time hard stop")
	return cmd
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		Aliases: []string{"status"},
		Short:   "Check every wired component",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			sys, err := a.wire(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = sys.Close() }()

			results, overall := sys.Health.CheckAll(cmd.Context())
			if a.json {
				if err := a.printJSON(map[string]any{"status": overall, "components": results}); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				for _, r := range results {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Component, r.Status, r.Message)
				}
				fmt.Fprintf(tw, "overall\t%s\t\n", overall)
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if overall == core.HealthUnhealthy {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}
