package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/orchestrator"
	"github.com/jllopis/handoff/pkg/planner"
	"github.com/jllopis/handoff/pkg/telemetry"
)

type runFlags struct {
	intent      string
	user        string
	budget      float64
	spent       float64
	permissions []string
	params      []string
	taskID      string
	dryRun      bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.intent, "intent", "", "the task, in natural language")
	flags.StringVar(&f.user, "user", "", "who asked")
	flags.Float64Var(&f.budget, "budget", 0, "spend limit of the task (0 is unlimited)")
	flags.Float64Var(&f.spent, "spent", 0, "what the task has cost so far")
	flags.StringArrayVar(&f.permissions, "permission", nil, "permission the task needs (repeatable)")
	flags.StringArrayVar(&f.params, "param", nil, "initial plan context as key=value (repeatable)")
	flags.StringVar(&f.taskID, "task-id", "", "task id (generated when empty)")
}

func (f *runFlags) request(args []string) (orchestrator.Request, error) {
	text := f.intent
	if text == "" {
		text = strings.Join(args, " ")
	}
	if strings.TrimSpace(text) == "" {
		return orchestrator.Request{}, errors.New(errors.CodeInvalidInput, "an intent is required: --intent \"<text>\"", nil)
	}
	params := make(map[string]any, len(f.params))
	for _, p := range f.params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return orchestrator.Request{}, errors.New(errors.CodeInvalidInput, fmt.Sprintf("--param %q: expected key=value", p), nil)
		}
		params[strings.TrimSpace(key)] = value
	}
	return orchestrator.Request{
		Intent:      text,
		User:        f.user,
		Budget:      f.budget,
		Spent:       f.spent,
		Permissions: f.permissions,
		Context:     params,
		DryRun:      f.dryRun,
		TaskID:      f.taskID,
	}, nil
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [intent]",
		Short: "Plan and execute a task",
		Long: `Plan and execute a task. The exit status is 0 when the task is done,
1 when it is blocked and 2 when the configuration cannot be loaded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args)
			if err != nil {
				return err
			}
			return a.orchestrate(cmd.Context(), req)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "plan only, run nothing")
	return cmd
}

func (a *app) planCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "plan [intent]",
		Short: "Show the plan a task would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args)
			if err != nil {
				return err
			}
			req.DryRun = true
			return a.orchestrate(cmd.Context(), req)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) orchestrate(ctx context.Context, req orchestrator.Request) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	tcfg := telemetry.FromConfig(cfg.Telemetry)
	tcfg.Output = a.errOut
	shutdown, err := telemetry.InitWithConfig(cfg.Telemetry.ServiceName, version, tcfg)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	sys, err := a.wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sys.Close() }()

	res, err := sys.Orchestrate(ctx, req)
	if err != nil {
		return err
	}
	if a.json {
		if err := a.printJSON(res); err != nil {
			return err
		}
	} else {
		printResult(a.out, res)
	}
	if res.Status == orchestrator.StatusDone || res.Status == orchestrator.StatusPlanned {
		return nil
	}
	return &exitError{code: 1}
}

func printResult(w io.Writer, res *orchestrator.Result) {
	fmt.Fprintf(w, "Task %s [%s]\n", res.TaskID, res.Status)
	if a := res.Analysis; a != nil {
		fmt.Fprintf(w, "Type: %s (confidence %.2f)\n", a.TaskType, a.Confidence)
		for _, m := range a.Missing {
			fmt.Fprintf(w, "Missing: %s (%s)\n", m.Name, m.Install.Command)
		}
	}
	if p := res.Plan; p != nil {
		reused := ""
		if res.PlanReused {
			reused = ", reused"
		}
		fmt.Fprintf(w, "Plan %s (%s, %s, %d steps%s)\n", p.ID, p.Builder, p.Complexity, len(p.Steps), reused)
		printSteps(w, p, res)
	}
	for _, h := range res.Hooks {
		if !h.Success {
			fmt.Fprintf(w, "Hook %s (%s) failed: %s\n", h.Name, h.Phase, h.Error)
		}
	}
	if res.Tests != nil {
		fmt.Fprintf(w, "Tests passed: %t\n", res.Tests.Passed)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
	if res.Status != orchestrator.StatusPlanned {
		fmt.Fprintln(w, res.Promise.Marker())
	}
}

func printSteps(w io.Writer, p *planner.Plan, res *orchestrator.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, step := range p.Steps {
		status := "planned"
		detail := ""
		if res.Outcome != nil {
			if r, ok := res.Outcome.Result(step.ID); ok {
				status = string(r.Status)
				detail = r.Error
			}
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", step.ID, step.Kind, step.Target, status, detail)
	}
	_ = tw.Flush()
}
