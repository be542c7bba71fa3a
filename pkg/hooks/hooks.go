// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package hooks runs named callbacks around a task: before any step runs,
// after the plan settles, on errors, and once the task completes.
//
// Hooks registered for a phase run in priority order, higher first, each
// under its own timeout. The first failing before-hook stops the phase and
// blocks the task; failures in the other phases are only recorded.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/handoff/pkg/engine"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/matcher"
	"github.com/jllopis/handoff/pkg/planner"
	"github.com/jllopis/handoff/pkg/resilience"
	"github.com/jllopis/handoff/pkg/telemetry"
)

// Phase is when a hook runs.
type Phase string

const (
	PhaseBefore     Phase = "before"
	PhaseAfter      Phase = "after"
	PhaseOnError    Phase = "on_error"
	PhaseOnComplete Phase = "on_complete"
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhaseBefore, PhaseAfter, PhaseOnError, PhaseOnComplete}

// ParsePhase rejects unknown phase names.
func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown hook phase %q", s), nil)
}

// DefaultTimeout bounds hooks registered without their own timeout.
const DefaultTimeout = 10 * time.Second

// Context is what a hook sees. Values is shared by every hook of one
// Trigger call and is how hooks hand data back to the caller.
type Context struct {
	TaskID      string
	Intent      string
	User        string
	Budget      float64
	Spent       float64
	Permissions []string
	Plan        *planner.Plan
	Analysis    *matcher.Analysis
	Outcome     *engine.Outcome
	Promise     engine.Promise

	AllStepsDone bool
	TestsPassed  bool
	Err          error

	Values map[string]any
}

// Hook is one callback. A non-nil error marks the hook failed.
type Hook interface {
	Run(ctx context.Context, hc Context) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, hc Context) error

// Run calls f.
func (f HookFunc) Run(ctx context.Context, hc Context) error { return f(ctx, hc) }

// Result records one hook run.
type Result struct {
	Name     string        `json:"name"`
	Phase    Phase         `json:"phase"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Rejection returns the first failed result.
func Rejection(results []Result) (Result, bool) {
	for _, r := range results {
		if !r.Success {
			return r, true
		}
	}
	return Result{}, false
}

type registration struct {
	name     string
	phase    Phase
	priority int
	timeout  time.Duration
	hook     Hook
}

// Dispatcher holds registered hooks and triggers them by phase.
type Dispatcher struct {
	mu             sync.RWMutex
	hooks          map[string]registration
	defaultTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultTimeout sets the timeout of hooks registered without one.
func WithDefaultTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.defaultTimeout = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hooks:          make(map[string]registration),
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
		tracer:         otel.Tracer("handoff/hooks"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterOption configures one registration.
type RegisterOption func(*registration)

// WithHookTimeout overrides the timeout of one hook.
func WithHookTimeout(t time.Duration) RegisterOption {
	return func(r *registration) {
		if t > 0 {
			r.timeout = t
		}
	}
}

// Register adds hook under name. Registering a name again replaces it.
func (d *Dispatcher) Register(name string, phase Phase, priority int, hook Hook, opts ...RegisterOption) error {
	if name == "" || hook == nil {
		return errors.New(errors.CodeInvalidInput, "hook name and implementation are required", nil)
	}
	if _, err := ParsePhase(string(phase)); err != nil {
		return err
	}
	reg := registration{name: name, phase: phase, priority: priority, timeout: d.defaultTimeout, hook: hook}
	for _, opt := range opts {
		opt(&reg)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[name] = reg
	return nil
}

// Names returns the hooks registered for phase, in run order.
func (d *Dispatcher) Names(phase Phase) []string {
	d.mu.RLock()
	var names []string
	for name, reg := range d.hooks {
		if reg.phase == phase {
			names = append(names, name)
		}
	}
	d.mu.RUnlock()
	sort.Strings(names)
	regs := d.resolve(phase, names)
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.name
	}
	return out
}

// resolve drops unknown names, duplicates and other phases, and orders the
// rest by priority. Equal priorities keep the order of names.
func (d *Dispatcher) resolve(phase Phase, names []string) []registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]bool, len(names))
	var regs []registration
	for _, name := range names {
		reg, ok := d.hooks[name]
		if !ok || reg.phase != phase || seen[name] {
			if !ok {
				d.logger.Debug("hooks.unknown", slog.String("hook", name), slog.String("phase", string(phase)))
			}
			continue
		}
		seen[name] = true
		regs = append(regs, reg)
	}
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].priority > regs[j].priority })
	return regs
}

// Trigger runs the named hooks of phase. In the before phase the first
// failure stops the remaining hooks.
func (d *Dispatcher) Trigger(ctx context.Context, phase Phase, names []string, hc Context) []Result {
	if hc.Values == nil {
		hc.Values = make(map[string]any)
	}
	regs := d.resolve(phase, names)
	results := make([]Result, 0, len(regs))
	for _, reg := range regs {
		res := d.run(ctx, reg, hc)
		results = append(results, res)
		if res.Success {
			continue
		}
		d.logger.Warn("hooks.failed",
			slog.String("hook", res.Name),
			slog.String("phase", string(phase)),
			slog.String("task_id", hc.TaskID),
			slog.String("error", res.Error),
		)
		if phase == PhaseBefore {
			break
		}
	}
	return results
}

// TriggerOnComplete runs the completion hook name with the task summary.
// The result is informational only.
func (d *Dispatcher) TriggerOnComplete(ctx context.Context, name string, allStepsDone, testsPassed bool, hc Context) (Result, bool) {
	hc.AllStepsDone = allStepsDone
	hc.TestsPassed = testsPassed
	results := d.Trigger(ctx, PhaseOnComplete, []string{name}, hc)
	if len(results) == 0 {
		return Result{}, false
	}
	return results[0], true
}

func (d *Dispatcher) run(ctx context.Context, reg registration, hc Context) (res Result) {
	ctx, span := d.tracer.Start(ctx, "Hook.Run", trace.WithAttributes(
		attribute.String(telemetry.AttrHookName, reg.name),
		attribute.String(telemetry.AttrHookPhase, string(reg.phase)),
		attribute.String(telemetry.AttrTaskID, hc.TaskID),
	))
	defer span.End()

	start := d.now()
	err := resilience.WithTimeout(ctx, reg.timeout, func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = errors.New(errors.CodeInternal, fmt.Sprintf("hook %s panicked: %v", reg.name, p), nil)
			}
		}()
		return reg.hook.Run(ctx, hc)
	})
	res = Result{Name: reg.name, Phase: reg.phase, Success: err == nil, Duration: d.now().Sub(start)}
	if err != nil {
		res.Error = errors.Message(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}
