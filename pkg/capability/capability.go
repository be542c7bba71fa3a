// Package capability defines the collaborators a plan step is dispatched to
// and the router that picks one by step kind.
//
// External services are black boxes behind Invoker and Reasoner. A call that
// reaches the service but reports failure returns a Result with Success
// false; a call that could not be made at all returns an error.
package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/planner"
)

// Call is one invocation of a capability, skill, agent or network target.
type Call struct {
	Kind    planner.StepKind
	Target  string
	Tool    string
	Params  map[string]any
	Timeout time.Duration
	// Context is a snapshot of the shared plan context at dispatch time.
	Context map[string]any
}

// Result is what a collaborator reports back.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK returns a successful result carrying data.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Failed returns an unsuccessful result.
func Failed(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Err converts an unsuccessful result into a recoverable tool failure.
// It returns nil for successful results.
func (r Result) Err(target string) error {
	if r.Success {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = "call reported failure"
	}
	return errors.New(errors.CodeToolFailure, msg, nil).
		WithContext("target", target).
		WithRecoverable(true)
}

// Invoker executes a call.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, call Call) (Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// Prompt is a reasoning request.
type Prompt struct {
	Task    string
	Intent  string
	Input   map[string]any
	Timeout time.Duration
}

// Reasoner answers reasoning requests.
type Reasoner interface {
	Reason(ctx context.Context, prompt Prompt) (Result, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, prompt Prompt) (Result, error)

// Reason calls f.
func (f ReasonerFunc) Reason(ctx context.Context, prompt Prompt) (Result, error) {
	return f(ctx, prompt)
}

// StringParam returns params[key] when it is a non-empty string.
func StringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
