// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Command handoff routes natural-language tasks to the capabilities, skills
// and agents that can carry them out.
package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/jllopis/handoff/pkg/config"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/governance"
	"github.com/jllopis/handoff/pkg/orchestrator"
	"github.com/jllopis/handoff/pkg/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app holds the global flags and the streams every command writes to.
type app struct {
	configPath string
	profile    string
	sets       []string
	json       bool
	logLevel   string

	in     io.Reader
	out    io.Writer
	errOut io.Writer
	tty    bool
}

// exitError ends the process with code after the command already reported
// its outcome.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		tty:    isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()),
	}
	code := a.execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if stderrors.As(err, &exit) {
		return exit.code
	}
	a.printError(err)
	return errors.ExitCode(err)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "handoff",
		Short:         "Route natural-language tasks to capabilities, skills and agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (YAML)")
	flags.StringVar(&a.profile, "profile", "", "merge config.<profile>.yaml next to --config")
	flags.StringArrayVar(&a.sets, "set", nil, "override a config key (key=value, repeatable)")
	flags.BoolVar(&a.json, "json", false, "print JSON")
	flags.StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		a.runCmd(),
		a.planCmd(),
		a.capabilitiesCmd(),
		a.ledgerCmd(),
		a.gateCmd(),
		a.healthCmd(),
		a.versionCmd(),
	)
	return root
}

// loadConfig reads the configuration and configures logging from it.
func (a *app) loadConfig() (*config.Config, error) {
	sets := a.sets
	if a.logLevel != "" {
		sets = append(append([]string(nil), sets...), "log.level="+a.logLevel)
	}
	cfg, err := config.LoadWithOverrides(a.configPath, a.profile, sets)
	if err != nil {
		return nil, err
	}
	telemetry.ConfigureSlog(a.errOut, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// wire builds the system described by cfg.
func (a *app) wire(ctx context.Context, cfg *config.Config, opts ...orchestrator.WireOption) (*orchestrator.System, error) {
	approval, err := a.approvalHook(cfg.Governance.Approval)
	if err != nil {
		return nil, err
	}
	base := []orchestrator.WireOption{
		orchestrator.WithWireLogger(telemetry.NewLogger(a.errOut, cfg.Log.Level, cfg.Log.Format)),
		orchestrator.WithApproval(approval),
	}
	return orchestrator.Wire(ctx, cfg, append(base, opts...)...)
}

// approvalHook downgrades console approval to deny without a terminal.
func (a *app) approvalHook(mode string) (governance.ApprovalHook, error) {
	if mode == "console" && (!a.tty || a.json) {
		fmt.Fprintln(a.errOut, "Approval mode 'console' requires a TTY; falling back to deny.")
		mode = "deny"
	}
	return governance.ApprovalHookFor(mode,
		governance.WithApprovalInput(a.in),
		governance.WithApprovalOutput(a.errOut),
	)
}

func (a *app) printJSON(value any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return errors.New(errors.CodeInternal, "encode output", err)
	}
	return nil
}

func (a *app) printError(err error) {
	he := errors.As(err)
	if a.json {
		payload := map[string]any{"error": map[string]any{
			"code":    he.Code,
			"message": errors.Message(he),
			"hint":    hintFor(he),
		}}
		enc := json.NewEncoder(a.errOut)
		_ = enc.Encode(payload)
		return
	}
	fmt.Fprintf(a.errOut, "Error [%s]: %s\n", he.Code, errors.Message(he))
	if hint := hintFor(he); hint != "" {
		fmt.Fprintf(a.errOut, "  Hint: %s\n", hint)
	}
}

func hintFor(err *errors.HandoffError) string {
	switch err.Code {
	case errors.CodeInvalidConfig:
		return "check the config file and --set overrides; run 'handoff health' to inspect the wiring"
	case errors.CodeNotFound:
		return "run 'handoff ledger list' to see recorded tasks"
	case errors.CodeInvalidInput:
		return "run 'handoff help' for usage information"
	case errors.CodePersistence:
		return "check that data.dir is writable"
	}
	return ""
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.json {
				return a.printJSON(map[string]string{"version": version})
			}
			fmt.Fprintf(a.out, "handoff %s\n", version)
			return nil
		},
	}
}
