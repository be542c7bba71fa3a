package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "github.com/jllopis/handoff/pkg/errors"
)

type trace struct {
	mu    sync.Mutex
	calls []string
}

func (t *trace) hook(name string, err error) Hook {
	return HookFunc(func(ctx context.Context, hc Context) error {
		t.mu.Lock()
		t.calls = append(t.calls, name)
		t.mu.Unlock()
		return err
	})
}

func TestTriggerOrdersByPriority(t *testing.T) {
	var tr trace
	d := NewDispatcher()
	require.NoError(t, d.Register("low", PhaseAfter, 1, tr.hook("low", nil)))
	require.NoError(t, d.Register("high", PhaseAfter, 10, tr.hook("high", nil)))
	require.NoError(t, d.Register("tie-a", PhaseAfter, 5, tr.hook("tie-a", nil)))
	require.NoError(t, d.Register("tie-b", PhaseAfter, 5, tr.hook("tie-b", nil)))
	require.NoError(t, d.Register("other-phase", PhaseBefore, 99, tr.hook("other-phase", nil)))

	results := d.Trigger(context.Background(), PhaseAfter,
		[]string{"tie-b", "low", "unknown", "other-phase", "high", "tie-a", "low"}, Context{TaskID: "t1"})

	assert.Equal(t, []string{"high", "tie-b", "tie-a", "low"}, tr.calls)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, PhaseAfter, r.Phase)
	}
	assert.Equal(t, []string{"other-phase"}, d.Names(PhaseBefore))
	assert.Equal(t, []string{"high", "tie-a", "tie-b", "low"}, d.Names(PhaseAfter))
}

func TestBeforePhaseStopsAtFirstFailure(t *testing.T) {
	var tr trace
	d := NewDispatcher()
	require.NoError(t, d.Register("first", PhaseBefore, 3, tr.hook("first", nil)))
	require.NoError(t, d.Register("gate", PhaseBefore, 2, tr.hook("gate", errors.New("not today"))))
	require.NoError(t, d.Register("last", PhaseBefore, 1, tr.hook("last", nil)))

	results := d.Trigger(context.Background(), PhaseBefore, []string{"first", "gate", "last"}, Context{})
	assert.Equal(t, []string{"first", "gate"}, tr.calls)

	rejected, ok := Rejection(results)
	require.True(t, ok)
	assert.Equal(t, "gate", rejected.Name)
	assert.Equal(t, "not today", rejected.Error)
}

func TestOtherPhasesRunEveryHook(t *testing.T) {
	var tr trace
	d := NewDispatcher()
	require.NoError(t, d.Register("a", PhaseOnError, 2, tr.hook("a", errors.New("boom"))))
	require.NoError(t, d.Register("b", PhaseOnError, 1, tr.hook("b", nil)))

	results := d.Trigger(context.Background(), PhaseOnError, []string{"a", "b"}, Context{})
	assert.Equal(t, []string{"a", "b"}, tr.calls)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
}

func TestHookTimeoutAndPanic(t *testing.T) {
	d := NewDispatcher(WithDefaultTimeout(time.Second))
	slow := HookFunc(func(ctx context.Context, hc Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, d.Register("slow", PhaseAfter, 2, slow, WithHookTimeout(20*time.Millisecond)))
	require.NoError(t, d.Register("panics", PhaseAfter, 1, HookFunc(func(context.Context, Context) error {
		panic("bad hook")
	})))

	results := d.Trigger(context.Background(), PhaseAfter, []string{"slow", "panics"}, Context{})
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "exceeded")
	assert.Less(t, results[0].Duration, time.Second)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "panicked: bad hook")
}

func TestRegisterValidation(t *testing.T) {
	d := NewDispatcher()
	assert.True(t, herrors.IsCode(d.Register("", PhaseAfter, 0, HookFunc(nil)), herrors.CodeInvalidInput))
	assert.True(t, herrors.IsCode(d.Register("x", "during", 0, HookFunc(func(context.Context, Context) error { return nil })), herrors.CodeInvalidInput))

	_, err := ParsePhase("on_complete")
	assert.NoError(t, err)
}

func TestValuesAreShared(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("writer", PhaseAfter, 2, HookFunc(func(_ context.Context, hc Context) error {
		hc.Values["seen"] = "writer"
		return nil
	})))
	var got any
	require.NoError(t, d.Register("reader", PhaseAfter, 1, HookFunc(func(_ context.Context, hc Context) error {
		got = hc.Values["seen"]
		return nil
	})))

	values := map[string]any{}
	d.Trigger(context.Background(), PhaseAfter, []string{"reader", "writer"}, Context{Values: values})
	assert.Equal(t, "writer", got)
	assert.Equal(t, "writer", values["seen"])
}
