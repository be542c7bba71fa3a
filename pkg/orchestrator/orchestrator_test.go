package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/core"
	"github.com/jllopis/handoff/pkg/engine"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/hooks"
	"github.com/jllopis/handoff/pkg/intent"
	"github.com/jllopis/handoff/pkg/ledger"
	"github.com/jllopis/handoff/pkg/matcher"
	"github.com/jllopis/handoff/pkg/planner"
	"github.com/jllopis/handoff/pkg/registry"
)

const automateIntent = "automate the weekly report workflow"

type fixture struct {
	dir      string
	store    *planner.MemoryStore
	tasks    *ledger.Tasks
	markdown *ledger.Markdown
	hooks    *hooks.Dispatcher
	calls    atomic.Int32

	mu     sync.Mutex
	events []core.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		store:    planner.NewMemoryStore(),
		tasks:    ledger.NewTasks(filepath.Join(dir, "tasks.json")),
		markdown: ledger.NewMarkdown(filepath.Join(dir, "TODO.md")),
		hooks:    hooks.NewDispatcher(),
	}
	require.NoError(t, hooks.RegisterBuiltins(f.hooks, hooks.Builtins{Tasks: f.tasks}))
	return f
}

func (f *fixture) okInvoker() capability.Invoker {
	return capability.InvokerFunc(func(ctx context.Context, call capability.Call) (capability.Result, error) {
		f.calls.Add(1)
		return capability.OK(map[string]any{"target": call.Target}), nil
	})
}

func (f *fixture) emitter() core.EventEmitter {
	return core.EmitterFunc(func(_ context.Context, e core.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	})
}

func (f *fixture) eventTypes() []core.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func (f *fixture) orchestrator(t *testing.T, inv capability.Invoker, opts ...Option) *Orchestrator {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	m := matcher.New(intent.MustClassifier(intent.DefaultRules()), reg)
	p := planner.New(f.store)
	e := engine.New(inv, engine.WithRetryDelay(time.Millisecond, time.Millisecond))
	base := []Option{
		WithHooks(f.hooks, nil, nil, nil, ""),
		WithLedger(f.markdown, f.tasks),
		WithEmitter(f.emitter()),
	}
	return New(m, p, e, append(base, opts...)...)
}

func TestOrchestrateDone(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.okInvoker())

	res, err := o.Orchestrate(context.Background(), Request{Intent: "  " + automateIntent + " "})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.True(t, res.Promise.IsDone())
	assert.NotEmpty(t, res.TaskID)
	assert.False(t, res.PlanReused)
	require.NotNil(t, res.Plan)
	assert.Equal(t, automateIntent, res.Plan.Intent)
	assert.EqualValues(t, len(res.Plan.Steps), f.calls.Load())
	assert.Empty(t, res.Warnings)

	require.NotNil(t, res.Completion)
	assert.True(t, res.Completion.Success)
	assert.Equal(t, hooks.CompletionChecker, res.Completion.Name)

	task, err := f.tasks.Get(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, task.State)
	assert.Equal(t, res.Plan.ID, task.PlanID)

	todo, err := os.ReadFile(f.markdown.Path())
	require.NoError(t, err)
	assert.Contains(t, string(todo), res.TaskID)

	stored, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	types := f.eventTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, core.EventTaskStarted, types[0])
	assert.Equal(t, core.EventTaskCompleted, types[len(types)-1])
}

func TestOrchestrateScrapeRunsExtraction(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var targets []string
	inv := capability.InvokerFunc(func(_ context.Context, call capability.Call) (capability.Result, error) {
		mu.Lock()
		targets = append(targets, call.Target)
		mu.Unlock()
		if call.Target == planner.ReasonerAgent {
			return capability.OK(map[string]any{"seen": call.Context["scraped_content"]}), nil
		}
		return capability.OK("<h1>Example Domain</h1>"), nil
	})
	o := f.orchestrator(t, inv)

	res, err := o.Orchestrate(context.Background(), Request{
		Intent:  "scrape the homepage of example.com",
		Context: map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status, res.Promise.String())
	assert.Equal(t, []string{"firecrawl", planner.ReasonerAgent}, targets)
	require.NotNil(t, res.Outcome)
	extract, ok := res.Outcome.Result("step_5_extract")
	require.True(t, ok)
	assert.Equal(t, engine.StatusSucceeded, extract.Status)
	assert.Equal(t, map[string]any{"seen": "<h1>Example Domain</h1>"}, res.Outcome.Context["extracted_data"])

	todo, err := os.ReadFile(f.markdown.Path())
	require.NoError(t, err)
	assert.Contains(t, string(todo), "2. [ ] Use Playwright browser automation as fallback\n")
	assert.Contains(t, string(todo), "5. [x] Extract structured data from the scraped content\n")
}

func TestOrchestrateRejectsEmptyIntent(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.okInvoker())

	_, err := o.Orchestrate(context.Background(), Request{Intent: "   "})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))
	assert.Zero(t, f.calls.Load())
}

func TestOrchestrateBeforeHookBlocks(t *testing.T) {
	f := newFixture(t)
	var onError atomic.Bool
	require.NoError(t, f.hooks.Register("deny-all", hooks.PhaseBefore, 10, hooks.HookFunc(
		func(context.Context, hooks.Context) error {
			return errors.New(errors.CodeHookRejected, "nope", nil)
		})))
	require.NoError(t, f.hooks.Register("notify", hooks.PhaseOnError, 10, hooks.HookFunc(
		func(_ context.Context, hc hooks.Context) error {
			onError.Store(hc.Err != nil)
			return nil
		})))
	o := f.orchestrator(t, f.okInvoker(),
		WithHooks(f.hooks, []string{"deny-all"}, nil, []string{"notify"}, ""))

	res, err := o.Orchestrate(context.Background(), Request{Intent: automateIntent})
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, res.Status)
	assert.False(t, res.Promise.IsDone())
	assert.Equal(t, "deny-all blocked - nope", res.Promise.Reason())
	assert.Nil(t, res.Outcome)
	assert.Zero(t, f.calls.Load(), "no step may run after a before hook rejects")
	assert.True(t, onError.Load())

	task, err := f.tasks.Get(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateBlocked, task.State)

	todo, err := os.ReadFile(f.markdown.Path())
	require.NoError(t, err)
	assert.Contains(t, string(todo), res.TaskID)

	require.NotNil(t, res.Completion)
	assert.False(t, res.Completion.Success)
	assert.Contains(t, f.eventTypes(), core.EventTaskBlocked)
}

func TestOrchestrateReusesSimilarPlan(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.okInvoker())

	first, err := o.Orchestrate(context.Background(), Request{Intent: automateIntent})
	require.NoError(t, err)
	second, err := o.Orchestrate(context.Background(), Request{Intent: "please " + automateIntent})
	require.NoError(t, err)

	assert.False(t, first.PlanReused)
	assert.True(t, second.PlanReused)
	assert.Equal(t, first.Plan.ID, second.Plan.ID)
	assert.NotEqual(t, first.TaskID, second.TaskID)

	stored, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestOrchestrateDryRun(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.okInvoker())

	res, err := o.Orchestrate(context.Background(), Request{Intent: automateIntent, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, StatusPlanned, res.Status)
	require.NotNil(t, res.Plan)
	assert.NotEmpty(t, res.Plan.Steps)
	assert.Nil(t, res.Outcome)
	assert.Zero(t, f.calls.Load())
	assert.False(t, f.tasks.Exists())

	stored, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestOrchestrateBatchTests(t *testing.T) {
	f := newFixture(t)
	var runs atomic.Int32
	tester := TesterFunc(func(context.Context) (TestReport, error) {
		runs.Add(1)
		return TestReport{Passed: false, Output: "FAIL"}, nil
	})
	o := f.orchestrator(t, f.okInvoker(), WithTester(tester, 2, time.Second))

	first, err := o.Orchestrate(context.Background(), Request{Intent: automateIntent})
	require.NoError(t, err)
	assert.Nil(t, first.Tests)
	require.NotNil(t, first.Completion)
	assert.True(t, first.Completion.Success)

	second, err := o.Orchestrate(context.Background(), Request{Intent: automateIntent})
	require.NoError(t, err)
	assert.EqualValues(t, 1, runs.Load())
	require.NotNil(t, second.Tests)
	assert.False(t, second.Tests.Passed)
	assert.Contains(t, second.Warnings, "batch tests failed")
	assert.Contains(t, f.eventTypes(), core.EventTestsFailed)

	// The step promise stands; only the completion check sees the failure.
	assert.True(t, second.Promise.IsDone())
	require.NotNil(t, second.Completion)
	assert.False(t, second.Completion.Success)
	assert.Equal(t, "Tests not passed", second.Completion.Error)
}

func TestOrchestrateTesterError(t *testing.T) {
	f := newFixture(t)
	tester := TesterFunc(func(context.Context) (TestReport, error) {
		return TestReport{}, errors.New(errors.CodeToolFailure, "go not found", nil)
	})
	o := f.orchestrator(t, f.okInvoker(), WithTester(tester, 1, time.Second))

	res, err := o.Orchestrate(context.Background(), Request{Intent: automateIntent})
	require.NoError(t, err)
	require.NotNil(t, res.Tests)
	assert.False(t, res.Tests.Passed)
	assert.Equal(t, "go not found", res.Tests.Output)
}

func TestCancelRunningTask(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	var once sync.Once
	inv := capability.InvokerFunc(func(ctx context.Context, call capability.Call) (capability.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return capability.Result{}, ctx.Err()
	})
	o := f.orchestrator(t, inv)

	done := make(chan *Result, 1)
	go func() {
		res, err := o.Orchestrate(context.Background(), Request{Intent: automateIntent, TaskID: "task-cancel"})
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started a step")
	}
	assert.Equal(t, []string{"task-cancel"}, o.Active())
	require.NoError(t, o.Cancel("task-cancel"))

	var res *Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled task did not finish")
	}
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, o.Active())

	task, err := f.tasks.Get("task-cancel")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCancelled, task.State)
}

func TestCancelFromLedger(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.okInvoker())
	require.NoError(t, f.tasks.Upsert(ledger.Task{ID: "task-open", Description: "left over", State: ledger.StateInProgress}))

	require.NoError(t, o.Cancel("task-open"))
	task, err := f.tasks.Get("task-open")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCancelled, task.State)

	err = o.Cancel("task-open")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))

	err = o.Cancel("task-missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	f := newFixture(t)
	var order []string
	o := f.orchestrator(t, f.okInvoker(),
		WithCloser(func() error { order = append(order, "first"); return nil }),
		WithCloser(func() error { order = append(order, "second"); return errors.New(errors.CodeInternal, "boom", nil) }),
	)

	err := o.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"second", "first"}, order)
}
