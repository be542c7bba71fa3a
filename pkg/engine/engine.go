// Package engine executes plans step by step and settles them into a
// Promise.
//
// Scheduling policy:
//
//   - A step that is another step's fallback target, or a member of a
//     parallel group, is owned. It runs only in place of its owner.
//   - A free step is ready once every dependency is terminal. Ready steps
//     run one at a time in plan order.
//   - A failed step with a fallback walks its chain link by link. The first
//     link that succeeds compensates the owner. Links never reached, including
//     the whole chain of a step that succeeds outright, are skipped so their
//     dependents still run.
//   - Outputs are written once per key into the shared context. When several
//     alternatives succeed the first one wins.
//   - The plan is Done when every free step resolved, or failed while another
//     step producing the same output key succeeded.
package engine

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/planner"
	"github.com/jllopis/handoff/pkg/resilience"
	"github.com/jllopis/handoff/pkg/telemetry"
)

const (
	// DefaultStepTimeout applies to steps that declare no timeout.
	DefaultStepTimeout = 60 * time.Second
	// DefaultMaxStepTimeout caps every step timeout.
	DefaultMaxStepTimeout = 120 * time.Second
)

// StepObserver receives one call per settled step.
type StepObserver interface {
	ObserveStep(ctx context.Context, kind, status string, d time.Duration)
}

// Engine runs plans against a capability invoker.
type Engine struct {
	invoker        capability.Invoker
	audit          AuditStore
	observer       StepObserver
	logger         *slog.Logger
	tracer         trace.Tracer
	defaultTimeout time.Duration
	maxStepTimeout time.Duration
	retry          resilience.RetryConfig
	now            func() time.Time
	newRunID       func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditStore records every step result in store.
func WithAuditStore(store AuditStore) Option {
	return func(e *Engine) { e.audit = store }
}

// WithObserver reports settled steps to obs.
func WithObserver(obs StepObserver) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithDefaultStepTimeout sets the timeout for steps that declare none.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxStepTimeout caps every step timeout. Zero removes the cap.
func WithMaxStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.maxStepTimeout = d
		}
	}
}

// WithRetryDelay sets the backoff used between attempts of steps with
// MaxAttempts above one.
func WithRetryDelay(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.retry = e.retry.WithInitialDelay(initial).WithMaxDelay(max)
	}
}

// New creates an engine dispatching through invoker.
func New(invoker capability.Invoker, opts ...Option) *Engine {
	e := &Engine{
		invoker:        invoker,
		logger:         slog.Default(),
		tracer:         otel.Tracer("handoff/engine"),
		defaultTimeout: DefaultStepTimeout,
		maxStepTimeout: DefaultMaxStepTimeout,
		retry:          resilience.DefaultRetryConfig(),
		now:            time.Now,
		newRunID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepTimeout returns the effective timeout of step.
func (e *Engine) StepTimeout(step planner.Step) time.Duration {
	return resilience.Cap(step.Timeout.Std(), e.defaultTimeout, e.maxStepTimeout)
}

// Execute runs plan to completion or cancellation. The error is reserved
// for plans that fail validation; step failures are reported through the
// Outcome.
func (e *Engine) Execute(ctx context.Context, plan *planner.Plan) (*Outcome, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	r := e.newRun(plan)
	ctx, span := e.tracer.Start(ctx, "Engine.Execute",
		trace.WithAttributes(
			attribute.String(telemetry.AttrPlanID, plan.ID),
			attribute.String(telemetry.AttrRunID, r.runID),
			attribute.Int(telemetry.AttrPlanSteps, len(plan.Steps)),
		),
	)
	defer span.End()

	e.logger.Info("engine.plan.started",
		slog.String("plan_id", plan.ID),
		slog.String("run_id", r.runID),
		slog.Int("steps", len(plan.Steps)),
	)

	for {
		if ctx.Err() != nil {
			break
		}
		step, ok := r.next()
		if !ok {
			break
		}
		st := r.runChain(ctx, step)
		r.commit(st)
	}

	out := r.finish(ctx)
	e.record(ctx, out)

	if out.Promise.IsDone() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, out.Promise.Reason())
	}
	e.logger.Info("engine.plan.finished",
		slog.String("plan_id", plan.ID),
		slog.String("run_id", r.runID),
		slog.String("promise", out.Promise.String()),
		slog.Duration("elapsed", out.FinishedAt.Sub(out.StartedAt)),
	)
	return out, nil
}

func (e *Engine) record(ctx context.Context, out *Outcome) {
	// Persisting the audit trail must not depend on the task context, which
	// may already be cancelled.
	ctx = context.WithoutCancel(ctx)
	for _, res := range out.Results {
		if e.observer != nil && res.Status != StatusPending {
			e.observer.ObserveStep(ctx, string(res.Kind), string(res.Status), res.Duration())
		}
		if e.audit == nil {
			continue
		}
		if err := e.audit.Record(ctx, AuditEvent{PlanID: out.PlanID, RunID: out.RunID, StepResult: res}); err != nil {
			e.logger.Warn("engine.audit.record_failed",
				slog.String("plan_id", out.PlanID),
				slog.String("step_id", res.StepID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// run is the state of one Execute call.
type run struct {
	e     *Engine
	plan  *planner.Plan
	runID string
	start time.Time

	// owner maps owned steps to the step they run in place of.
	owner map[string]string

	mu      sync.Mutex
	results map[string]*StepResult
	shared  map[string]any
	written map[string]bool
}

// settled is the outcome of running a step together with its fallback
// chain. producer is the step whose output should be committed.
type settled struct {
	status   StepStatus
	producer *planner.Step
	output   any
	err      string
}

func (e *Engine) newRun(plan *planner.Plan) *run {
	r := &run{
		e:       e,
		plan:    plan,
		runID:   e.newRunID(),
		start:   e.now(),
		owner:   make(map[string]string),
		results: make(map[string]*StepResult, len(plan.Steps)),
		shared:  maps.Clone(plan.InitialContext),
		written: make(map[string]bool),
	}
	if r.shared == nil {
		r.shared = make(map[string]any)
	}
	for _, s := range plan.Steps {
		r.results[s.ID] = &StepResult{StepID: s.ID, Kind: s.Kind, Target: s.Target, Status: StatusPending}
		if s.Fallback != "" {
			r.owner[s.Fallback] = s.ID
		}
		for _, member := range s.Group {
			r.owner[member] = s.ID
		}
	}
	return r
}

func (r *run) step(id string) *planner.Step {
	for i := range r.plan.Steps {
		if r.plan.Steps[i].ID == id {
			return &r.plan.Steps[i]
		}
	}
	return nil
}

func (r *run) status(id string) StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id].Status
}

// next returns the first pending free step whose dependencies are terminal.
func (r *run) next() (*planner.Step, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.plan.Steps {
		s := &r.plan.Steps[i]
		if _, owned := r.owner[s.ID]; owned || r.results[s.ID].Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if !r.results[dep].Status.Terminal() {
				ready = false
				break
			}
		}
		if ready {
			return s, true
		}
	}
	return nil, false
}

// snapshot copies the shared context.
func (r *run) snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.shared)
}

// commit writes a successful producer's output under its key, unless an
// earlier step already wrote that key.
func (r *run) commit(st settled) {
	if !st.status.Resolved() || st.producer == nil || st.producer.OutputKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := st.producer.OutputKey
	if r.written[key] {
		return
	}
	r.written[key] = true
	r.shared[key] = st.output
}

// runChain runs step and, if it fails, its fallback chain. Links that are
// never reached end up terminal so their dependents can run.
func (r *run) runChain(ctx context.Context, step *planner.Step) settled {
	st := r.execute(ctx, step, "")
	if step.Fallback == "" {
		return st
	}
	switch st.status {
	case StatusFailed:
	case StatusCancelled:
		r.markChain(step.Fallback, StatusCancelled, "task cancelled")
		return st
	default:
		r.markChain(step.Fallback, StatusSkipped, "")
		return st
	}

	for cur := step.Fallback; cur != ""; {
		link := r.step(cur)
		if ctx.Err() != nil {
			r.markChain(cur, StatusCancelled, "task cancelled")
			return st
		}
		r.e.logger.Info("engine.step.fallback",
			slog.String("plan_id", r.plan.ID),
			slog.String("step_id", step.ID),
			slog.String("fallback", link.ID),
		)
		lst := r.execute(ctx, link, step.ID)
		if lst.status == StatusSucceeded {
			r.setStatus(step.ID, StatusCompensated)
			r.markChain(link.Fallback, StatusSkipped, "")
			lst.status = StatusCompensated
			return lst
		}
		if lst.status == StatusCancelled {
			r.markChain(link.Fallback, StatusCancelled, "task cancelled")
			return st
		}
		cur = link.Fallback
	}
	return st
}

// markChain sets status on id and every link after it.
func (r *run) markChain(id string, status StepStatus, msg string) {
	for id != "" {
		r.mu.Lock()
		res := r.results[id]
		if res.Status == StatusPending {
			res.Status = status
			res.Error = msg
		}
		r.mu.Unlock()
		id = r.step(id).Fallback
	}
}

func (r *run) setStatus(id string, status StepStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[id].Status = status
}

// skip marks id skipped together with every step it owns.
func (r *run) skip(id, reason string) {
	r.mu.Lock()
	res, ok := r.results[id]
	if !ok || res.Status != StatusPending {
		r.mu.Unlock()
		return
	}
	res.Status = StatusSkipped
	res.Error = reason
	r.mu.Unlock()

	step := r.step(id)
	if step.Fallback != "" {
		r.skip(step.Fallback, reason)
	}
	for _, member := range step.Group {
		r.skip(member, reason)
	}
}

func (r *run) begin(step *planner.Step, fallbackFor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[step.ID]
	res.Status = StatusRunning
	res.FallbackFor = fallbackFor
	res.StartedAt = r.e.now()
}

func (r *run) end(ctx context.Context, step *planner.Step, output any, attempts int, err error) settled {
	status := StatusSucceeded
	msg := ""
	if err != nil {
		status = StatusFailed
		if ctx.Err() != nil || errors.IsCode(err, errors.CodeCancelled) {
			status = StatusCancelled
		}
		msg = errors.Message(err)
	}

	r.mu.Lock()
	res := r.results[step.ID]
	res.Status = status
	res.Attempts = attempts
	res.Error = msg
	res.FinishedAt = r.e.now()
	if err == nil {
		res.Output = output
	}
	elapsed := res.Duration()
	r.mu.Unlock()

	attrs := []any{
		slog.String("plan_id", r.plan.ID),
		slog.String("step_id", step.ID),
		slog.String("kind", string(step.Kind)),
		slog.String("status", string(status)),
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", elapsed),
	}
	switch status {
	case StatusSucceeded:
		r.e.logger.Debug("engine.step.succeeded", attrs...)
	case StatusCancelled:
		r.e.logger.Info("engine.step.cancelled", attrs...)
	default:
		r.e.logger.Warn("engine.step.failed", append(attrs, slog.String("error", msg))...)
	}
	return settled{status: status, producer: step, output: output, err: msg}
}

// execute runs a single step by kind, without its fallback chain.
func (r *run) execute(ctx context.Context, step *planner.Step, fallbackFor string) settled {
	r.begin(step, fallbackFor)
	ctx, span := r.e.tracer.Start(ctx, "Engine.Step",
		trace.WithAttributes(
			attribute.String(telemetry.AttrPlanID, r.plan.ID),
			attribute.String(telemetry.AttrStepID, step.ID),
			attribute.String(telemetry.AttrStepKind, string(step.Kind)),
			attribute.String(telemetry.AttrStepTarget, step.Target),
		),
	)
	defer span.End()

	var st settled
	switch step.Kind {
	case planner.KindConditional:
		st = r.evaluate(ctx, step)
	case planner.KindParallel:
		st = r.runGroup(ctx, step)
	default:
		st = r.invoke(ctx, step)
	}
	if st.status == StatusSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, st.err)
	}
	return st
}

func (r *run) invoke(ctx context.Context, step *planner.Step) settled {
	shared := r.snapshot()
	timeout := r.e.StepTimeout(*step)
	call := capability.Call{
		Kind:    step.Kind,
		Target:  step.Target,
		Tool:    step.Tool,
		Params:  ResolveParams(step.Params, shared),
		Timeout: timeout,
		Context: shared,
	}
	rc := r.e.retry.WithMaxAttempts(step.Attempts()).WithOnRetry(func(attempt int, lastErr error) {
		r.e.logger.Info("engine.step.retry",
			slog.String("plan_id", r.plan.ID),
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
	})
	output, attempts, err := resilience.RetryAttempts(ctx, rc, func(ctx context.Context) (any, error) {
		return resilience.Timeout(ctx, timeout, func(ctx context.Context) (any, error) {
			if r.e.invoker == nil {
				return nil, errors.New(errors.CodeUnavailable, "no invoker configured", nil)
			}
			res, err := r.e.invoker.Invoke(ctx, call)
			if err != nil {
				return nil, err
			}
			if err := res.Err(step.Target); err != nil {
				return nil, err
			}
			return res.Data, nil
		})
	})
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
	return r.end(ctx, step, output, attempts, err)
}

func (r *run) evaluate(ctx context.Context, step *planner.Step) settled {
	ok, err := EvaluateCondition(step.Condition, r.snapshot())
	if err != nil {
		return r.end(ctx, step, nil, 1, err)
	}
	if !ok {
		for _, id := range skipList(step.Params) {
			r.skip(id, "condition "+step.ID+" is false")
		}
	}
	return r.end(ctx, step, ok, 1, nil)
}

func (r *run) finish(ctx context.Context) *Outcome {
	cancelled := ctx.Err() != nil
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, res := range r.results {
		if res.Status == StatusCancelled {
			cancelled = true
		}
	}
	for _, s := range r.plan.Steps {
		res := r.results[s.ID]
		if res.Status != StatusPending {
			continue
		}
		if cancelled {
			res.Status = StatusCancelled
			res.Error = "task cancelled"
		} else {
			res.Status = StatusSkipped
			res.Error = "not reached"
		}
	}

	out := &Outcome{
		PlanID:     r.plan.ID,
		RunID:      r.runID,
		Context:    maps.Clone(r.shared),
		Cancelled:  cancelled,
		StartedAt:  r.start,
		FinishedAt: r.e.now(),
		Results:    make([]StepResult, 0, len(r.plan.Steps)),
	}
	for _, s := range r.plan.Steps {
		out.Results = append(out.Results, *r.results[s.ID])
	}
	out.Promise = r.promise(cancelled)
	return out
}

// promise settles the plan. Callers hold r.mu.
func (r *run) promise(cancelled bool) Promise {
	if cancelled {
		return Blocked("task cancelled")
	}
	produced := make(map[string]bool)
	for _, s := range r.plan.Steps {
		if s.OutputKey != "" && r.results[s.ID].Status == StatusSucceeded {
			produced[s.OutputKey] = true
		}
	}
	for _, s := range r.plan.Steps {
		if _, owned := r.owner[s.ID]; owned {
			continue
		}
		res := r.results[s.ID]
		if res.Status != StatusFailed {
			continue
		}
		if s.OutputKey != "" && produced[s.OutputKey] {
			continue
		}
		return Blocked("step " + s.ID + " failed: " + res.Error)
	}
	return Done()
}
