// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"strings"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

// maxTestOutput is how much combined output a TestReport keeps.
const maxTestOutput = 8 << 10

// TestReport is the result of one test suite run.
type TestReport struct {
	Passed   bool          `json:"passed"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Tester runs the project test suite.
type Tester interface {
	Run(ctx context.Context) (TestReport, error)
}

// TesterFunc adapts a function to Tester.
type TesterFunc func(ctx context.Context) (TestReport, error)

// Run calls f.
func (f TesterFunc) Run(ctx context.Context) (TestReport, error) { return f(ctx) }

// CommandTester runs a command and passes when it exits zero.
type CommandTester struct {
	Command []string
	Dir     string
}

// NewCommandTester returns nil for an empty command.
func NewCommandTester(command []string, dir string) *CommandTester {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil
	}
	return &CommandTester{Command: append([]string(nil), command...), Dir: dir}
}

// Run executes the command. A non-zero exit is a failed report; a command
// that cannot start is an error.
func (c *CommandTester) Run(ctx context.Context) (TestReport, error) {
	if c == nil || len(c.Command) == 0 {
		return TestReport{}, errors.New(errors.CodeInvalidConfig, "no test command configured", nil)
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	report := TestReport{Passed: err == nil, Output: tail(out.String(), maxTestOutput), Duration: time.Since(start)}
	if err == nil {
		return report, nil
	}
	if ctx.Err() != nil {
		return report, errors.New(errors.CodeTimeout, "test command interrupted", ctx.Err())
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return report, nil
	}
	return report, errors.New(errors.CodeToolFailure, "test command did not start", err).
		WithContext("command", strings.Join(c.Command, " "))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
