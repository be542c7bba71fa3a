// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs one request through the whole pipeline: match
// capabilities, reuse or build a plan, run the before hooks, execute the
// plan, run the after hooks, record the task in the ledgers and settle the
// completion promise.
//
// A request always ends in a Promise. Persistence problems along the way are
// logged and reported as warnings; they never change the Promise.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/handoff/pkg/core"
	"github.com/jllopis/handoff/pkg/engine"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/hooks"
	"github.com/jllopis/handoff/pkg/ledger"
	"github.com/jllopis/handoff/pkg/matcher"
	"github.com/jllopis/handoff/pkg/planner"
	"github.com/jllopis/handoff/pkg/resilience"
	"github.com/jllopis/handoff/pkg/telemetry"
)

const (
	// DefaultTestEvery runs the test suite after every tenth completed task.
	DefaultTestEvery = 10
	// MaxTestTimeout is the hard ceiling of one test suite run.
	MaxTestTimeout = 300 * time.Second
)

// Status is the headline state of a finished request.
type Status string

const (
	StatusDone      Status = "done"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
	// StatusPlanned is reported by dry runs.
	StatusPlanned Status = "planned"
)

// Request is one natural-language task.
type Request struct {
	Intent string
	User   string
	// Budget is the spend limit of the task. Zero means unlimited.
	Budget float64
	// Spent is what the task has cost so far, checked against the cost
	// threshold of the risk gate.
	Spent       float64
	Permissions []string
	Context     map[string]any
	DryRun      bool
	// TaskID is generated when empty.
	TaskID string
}

// Result is everything a request produced.
type Result struct {
	TaskID     string            `json:"task_id"`
	Status     Status            `json:"status"`
	Promise    engine.Promise    `json:"promise"`
	Analysis   *matcher.Analysis `json:"analysis,omitempty"`
	Plan       *planner.Plan     `json:"plan,omitempty"`
	PlanReused bool              `json:"plan_reused"`
	Outcome    *engine.Outcome   `json:"outcome,omitempty"`
	Hooks      []hooks.Result    `json:"hooks,omitempty"`
	Completion *hooks.Result     `json:"completion,omitempty"`
	Tests      *TestReport       `json:"tests,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Orchestrator wires the pipeline components together.
type Orchestrator struct {
	matcher *matcher.Matcher
	planner *planner.Planner
	engine  *engine.Engine

	hooks          *hooks.Dispatcher
	beforeHooks    []string
	afterHooks     []string
	onErrorHooks   []string
	completionHook string

	markdown *ledger.Markdown
	tasks    *ledger.Tasks

	tester      Tester
	testEvery   int
	testTimeout time.Duration

	emitter  core.EventEmitter
	metrics  *telemetry.Metrics
	breakers *resilience.BreakerSet
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	closers  []func() error

	mu          sync.Mutex
	active      map[string]context.CancelFunc
	completed   int
	testsPassed bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHooks sets the hook dispatcher and the hook names of each phase.
// Hooks suggested by the capability analysis are added to the before and
// after phases of every task.
func WithHooks(d *hooks.Dispatcher, before, after, onError []string, completion string) Option {
	return func(o *Orchestrator) {
		o.hooks = d
		o.beforeHooks = before
		o.afterHooks = after
		o.onErrorHooks = onError
		if completion != "" {
			o.completionHook = completion
		}
	}
}

// WithLedger sets the markdown and JSON task ledgers. Either may be nil.
func WithLedger(markdown *ledger.Markdown, tasks *ledger.Tasks) Option {
	return func(o *Orchestrator) {
		o.markdown = markdown
		o.tasks = tasks
	}
}

// WithTester runs t after every n-th completed task, bounded by timeout.
// The timeout never exceeds MaxTestTimeout.
func WithTester(t Tester, every int, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.tester = t
		if every > 0 {
			o.testEvery = every
		}
		o.testTimeout = resilience.Cap(timeout, MaxTestTimeout, MaxTestTimeout)
	}
}

// WithEmitter sets where task events go.
func WithEmitter(e core.EventEmitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithMetrics records task and hook counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithBreakers reports the circuit breaker states after every task.
func WithBreakers(set *resilience.BreakerSet) Option {
	return func(o *Orchestrator) { o.breakers = set }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCloser registers fn to run on Close.
func WithCloser(fn func() error) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.closers = append(o.closers, fn)
		}
	}
}

// New creates an orchestrator. Without WithHooks only a completion checker
// is registered.
func New(m *matcher.Matcher, p *planner.Planner, e *engine.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		matcher:        m,
		planner:        p,
		engine:         e,
		completionHook: hooks.CompletionChecker,
		testEvery:      DefaultTestEvery,
		testTimeout:    MaxTestTimeout,
		emitter:        core.NoopEventEmitter{},
		logger:         slog.Default(),
		tracer:         otel.Tracer("handoff/orchestrator"),
		now:            time.Now,
		active:         make(map[string]context.CancelFunc),
		testsPassed:    true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.hooks == nil {
		o.hooks = hooks.NewDispatcher(hooks.WithLogger(o.logger))
		_ = hooks.RegisterBuiltins(o.hooks, hooks.Builtins{Tasks: o.tasks})
	}
	return o
}

// Matcher returns the capability matcher.
func (o *Orchestrator) Matcher() *matcher.Matcher { return o.matcher }

// Planner returns the planner.
func (o *Orchestrator) Planner() *planner.Planner { return o.planner }

// Tasks returns the JSON task ledger, or nil.
func (o *Orchestrator) Tasks() *ledger.Tasks { return o.tasks }

// Close releases what the orchestrator was wired with, such as MCP sessions
// and database handles.
func (o *Orchestrator) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.New(errors.CodeInternal, "close orchestrator", stderrors.Join(errs...))
	}
	return nil
}

// Orchestrate runs req to a Promise. The error is reserved for requests
// that cannot start, such as an empty intent.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	intent := strings.TrimSpace(req.Intent)
	if intent == "" {
		return nil, errors.New(errors.CodeInvalidInput, "intent is required", nil)
	}
	req.Intent = intent

	res := &Result{TaskID: req.TaskID, StartedAt: o.now()}
	if res.TaskID == "" {
		res.TaskID = core.NewTaskID(res.StartedAt)
	}
	ctx = core.WithTaskID(ctx, res.TaskID)
	ctx, _ = core.EnsureRunID(ctx)

	ctx, span := o.tracer.Start(ctx, "Orchestrator.Orchestrate",
		trace.WithAttributes(telemetry.TaskAttributes(res.TaskID, intent, "", req.User, req.Budget)...))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(res.TaskID, cancel)
	defer o.untrack(res.TaskID)

	o.emit(ctx, core.EventTaskStarted, res.TaskID, intent, nil)
	o.logger.InfoContext(ctx, "orchestrator.task.started",
		slog.String("task_id", res.TaskID),
		slog.String("intent", intent),
	)

	analysis := o.matcher.Match(intent)
	res.Analysis = &analysis
	o.progress(ctx, res.TaskID, "routing", map[string]any{
		"task_type":  string(analysis.TaskType),
		"confidence": analysis.Confidence,
		"missing":    matcher.Names(analysis.Missing),
	})

	plan, reused, err := o.plan(ctx, req, res)
	if err != nil {
		o.finish(ctx, span, res, req, engine.Blocked(errors.Message(err)), nil)
		return res, nil
	}
	res.Plan, res.PlanReused = plan, reused
	span.SetAttributes(telemetry.PlanAttributes(plan.ID, string(plan.Builder), string(plan.Complexity), len(plan.Steps), reused)...)

	if req.DryRun {
		res.Status = StatusPlanned
		res.FinishedAt = o.now()
		o.logger.InfoContext(ctx, "orchestrator.task.planned",
			slog.String("task_id", res.TaskID),
			slog.String("plan_id", plan.ID),
		)
		return res, nil
	}

	o.recordTask(res, ledger.Task{
		ID:          res.TaskID,
		Description: intent,
		State:       ledger.StateInProgress,
		PlanID:      plan.ID,
	})

	hc := o.hookContext(res, req)
	before := o.hooks.Trigger(ctx, hooks.PhaseBefore, o.phaseHooks(o.beforeHooks, analysis), hc)
	o.recordHooks(ctx, res, before)
	if rejected, ok := hooks.Rejection(before); ok {
		promise := engine.Blocked(fmt.Sprintf("%s blocked - %s", rejected.Name, rejected.Error))
		o.logger.WarnContext(ctx, "orchestrator.task.rejected",
			slog.String("task_id", res.TaskID),
			slog.String("hook", rejected.Name),
			slog.String("error", rejected.Error),
		)
		o.finish(ctx, span, res, req, promise, nil)
		return res, nil
	}

	o.progress(ctx, res.TaskID, "executing", map[string]any{"plan_id": plan.ID, "steps": len(plan.Steps)})
	outcome, err := o.engine.Execute(ctx, plan)
	if err != nil {
		o.finish(ctx, span, res, req, engine.Blocked(errors.Message(err)), nil)
		return res, nil
	}
	res.Outcome = outcome
	o.finish(ctx, span, res, req, outcome.Promise, outcome)
	return res, nil
}

// plan reuses a stored plan whose intent is similar enough, or builds and
// stores a new one.
func (o *Orchestrator) plan(ctx context.Context, req Request, res *Result) (*planner.Plan, bool, error) {
	similar, err := o.planner.FindSimilar(ctx, req.Intent)
	if err != nil {
		o.warn(ctx, res, "plan store not searched: "+errors.Message(err))
	}
	if similar != nil {
		o.logger.InfoContext(ctx, "orchestrator.plan.reused",
			slog.String("task_id", res.TaskID),
			slog.String("plan_id", similar.ID),
		)
		return similar, true, nil
	}
	plan, err := o.planner.Build(req.Intent, req.Context)
	if err != nil {
		return nil, false, err
	}
	if req.DryRun {
		return plan, false, nil
	}
	if err := o.planner.Store().Save(ctx, plan); err != nil {
		o.warn(ctx, res, "plan not saved: "+errors.Message(err))
	}
	return plan, false, nil
}

// finish runs everything after the plan settled: after hooks, ledgers,
// batch tests, on-error and completion hooks.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, res *Result, req Request, promise engine.Promise, outcome *engine.Outcome) {
	// Bookkeeping must survive a cancelled task.
	ctx = context.WithoutCancel(ctx)

	res.Promise = promise
	switch {
	case outcome != nil && outcome.Cancelled:
		res.Status = StatusCancelled
	case promise.IsDone():
		res.Status = StatusDone
	default:
		res.Status = StatusBlocked
	}

	hc := o.hookContext(res, req)
	if outcome != nil {
		after := o.hooks.Trigger(ctx, hooks.PhaseAfter, o.phaseHooks(o.afterHooks, *res.Analysis), hc)
		o.recordHooks(ctx, res, after)
	}

	o.writeLedgers(ctx, res, outcome)

	if res.Status == StatusDone {
		o.batchTests(ctx, res)
	}

	if res.Status == StatusBlocked && len(o.onErrorHooks) > 0 {
		hc.Err = errors.New(errors.CodeToolFailure, promise.Reason(), nil)
		o.recordHooks(ctx, res, o.hooks.Trigger(ctx, hooks.PhaseOnError, o.onErrorHooks, hc))
	}

	if res.Plan != nil {
		if done, ok := o.hooks.TriggerOnComplete(ctx, o.completionHook, promise.IsDone(), o.lastTestsPassed(), hc); ok {
			res.Completion = &done
			o.recordHooks(ctx, res, []hooks.Result{done})
		}
	}

	res.FinishedAt = o.now()
	span.SetAttributes(telemetry.PromiseAttributes(string(res.Status), promise.String())...)
	if promise.IsDone() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, promise.Reason())
	}

	taskType := ""
	if res.Analysis != nil {
		taskType = string(res.Analysis.TaskType)
	}
	o.metrics.RecordTask(ctx, taskType, string(res.Status))
	if o.breakers != nil {
		states := make(map[string]string)
		for name, state := range o.breakers.States() {
			states[name] = string(state)
		}
		o.metrics.RecordBreakerStates(ctx, states)
	}

	event := core.EventTaskCompleted
	switch res.Status {
	case StatusBlocked:
		event = core.EventTaskBlocked
	case StatusCancelled:
		event = core.EventTaskCancelled
	}
	o.emit(ctx, event, res.TaskID, promise.String(), map[string]any{"warnings": len(res.Warnings)})
	o.logger.InfoContext(ctx, "orchestrator.task."+string(res.Status),
		slog.String("task_id", res.TaskID),
		slog.String("promise", promise.String()),
		slog.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	)
}

func (o *Orchestrator) writeLedgers(ctx context.Context, res *Result, outcome *engine.Outcome) {
	if o.tasks != nil {
		state := hooks.StateOf(outcome, res.Promise)
		if err := o.tasks.SetState(res.TaskID, state); err != nil {
			o.recordTask(res, ledger.Task{
				ID:          res.TaskID,
				Description: res.intent(),
				State:       state,
				Notes:       res.Promise.String(),
			})
		}
	}
	if o.markdown == nil || res.Plan == nil {
		return
	}
	entry := ledger.EntryFor(res.TaskID, res.intent(), res.Plan, outcome, res.Promise)
	if _, err := o.markdown.Append(entry); err != nil {
		o.warn(ctx, res, "markdown ledger not updated: "+errors.Message(err))
	}
}

func (r *Result) intent() string {
	if r.Analysis != nil {
		return r.Analysis.Intent
	}
	if r.Plan != nil {
		return r.Plan.Intent
	}
	return ""
}

func (o *Orchestrator) recordTask(res *Result, task ledger.Task) {
	if o.tasks == nil {
		return
	}
	if err := o.tasks.Upsert(task); err != nil {
		o.warn(context.Background(), res, "task ledger not updated: "+errors.Message(err))
	}
}

// batchTests counts completed tasks and runs the tester on every n-th.
func (o *Orchestrator) batchTests(ctx context.Context, res *Result) {
	o.mu.Lock()
	o.completed++
	due := o.tester != nil && o.testEvery > 0 && o.completed%o.testEvery == 0
	o.mu.Unlock()
	if !due {
		return
	}

	o.progress(ctx, res.TaskID, "testing", nil)
	report, err := resilience.Timeout(ctx, o.testTimeout, o.tester.Run)
	if err != nil {
		report = TestReport{Passed: false, Output: errors.Message(err)}
	}
	res.Tests = &report

	o.mu.Lock()
	o.testsPassed = report.Passed
	o.mu.Unlock()

	if !report.Passed {
		o.emit(ctx, core.EventTestsFailed, res.TaskID, "batch tests failed", map[string]any{"output": report.Output})
		o.warn(ctx, res, "batch tests failed")
	}
}

func (o *Orchestrator) lastTestsPassed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.testsPassed
}

func (o *Orchestrator) hookContext(res *Result, req Request) hooks.Context {
	return hooks.Context{
		TaskID:      res.TaskID,
		Intent:      req.Intent,
		User:        req.User,
		Budget:      req.Budget,
		Spent:       req.Spent,
		Permissions: req.Permissions,
		Plan:        res.Plan,
		Analysis:    res.Analysis,
		Outcome:     res.Outcome,
		Promise:     res.Promise,
		Values:      make(map[string]any),
	}
}

// phaseHooks appends the hooks suggested for the task type to the
// configured ones. Hooks of another phase are skipped by the dispatcher.
func (o *Orchestrator) phaseHooks(configured []string, analysis matcher.Analysis) []string {
	names := make([]string, 0, len(configured)+len(analysis.SuggestedHooks))
	names = append(names, configured...)
	return append(names, analysis.SuggestedHooks...)
}

func (o *Orchestrator) recordHooks(ctx context.Context, res *Result, results []hooks.Result) {
	for _, r := range results {
		o.metrics.RecordHook(ctx, r.Name, string(r.Phase), r.Success)
	}
	res.Hooks = append(res.Hooks, results...)
}

func (o *Orchestrator) warn(ctx context.Context, res *Result, msg string) {
	res.warn(msg)
	o.logger.WarnContext(ctx, "orchestrator.task.warning",
		slog.String("task_id", res.TaskID),
		slog.String("warning", msg),
	)
	o.emit(ctx, core.EventTaskWarning, res.TaskID, msg, nil)
}

func (o *Orchestrator) progress(ctx context.Context, taskID, stage string, payload map[string]any) {
	o.emit(ctx, core.EventTaskProgress, taskID, stage, payload)
}

func (o *Orchestrator) emit(ctx context.Context, typ core.EventType, taskID, msg string, payload map[string]any) {
	o.emitter.Emit(ctx, core.NewEvent(typ, taskID, msg, payload))
}

// Cancel stops an in-flight task at its next step boundary. A task that is
// not running here but still open in the ledger is marked cancelled there.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	cancel, ok := o.active[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
		o.logger.Info("orchestrator.task.cancelling", slog.String("task_id", taskID))
		return nil
	}
	if o.tasks == nil {
		return errors.New(errors.CodeNotFound, "task not running: "+taskID, nil)
	}
	task, err := o.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if !task.State.Open() {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("task %s is already %s", taskID, task.State), nil)
	}
	return o.tasks.SetState(taskID, ledger.StateCancelled, "cancelled by request")
}

// Active returns the ids of the tasks in flight.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) track(taskID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[taskID] = cancel
}

func (o *Orchestrator) untrack(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, taskID)
}
