package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/handoff/pkg/errors"
)

func stepsPlan(steps ...Step) *Plan {
	return &Plan{ID: "plan_test", Intent: "test", Steps: steps}
}

func TestValidateAcceptsTemplates(t *testing.T) {
	p := New(nil)
	for _, intent := range []string{"scrape example.com", "search x", "automate y", "sql z", "hello"} {
		plan, err := p.Build(intent, nil)
		require.NoError(t, err, intent)
		require.NoError(t, plan.Validate(), intent)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		plan *Plan
	}{
		{"nil", nil},
		{"no steps", stepsPlan()},
		{"empty id", stepsPlan(Step{Kind: KindReasoningCall})},
		{"duplicate id", stepsPlan(
			Step{ID: "a", Kind: KindReasoningCall},
			Step{ID: "a", Kind: KindReasoningCall},
		)},
		{"unknown kind", stepsPlan(Step{ID: "a", Kind: "mcp_call"})},
		{"self dependency", stepsPlan(Step{ID: "a", Kind: KindReasoningCall, DependsOn: []string{"a"}})},
		{"unknown dependency", stepsPlan(Step{ID: "a", Kind: KindReasoningCall, DependsOn: []string{"b"}})},
		{"self fallback", stepsPlan(Step{ID: "a", Kind: KindReasoningCall, Fallback: "a"})},
		{"unknown fallback", stepsPlan(Step{ID: "a", Kind: KindReasoningCall, Fallback: "b"})},
		{"empty group", stepsPlan(Step{ID: "a", Kind: KindParallel})},
		{"group on non parallel", stepsPlan(
			Step{ID: "a", Kind: KindReasoningCall, Group: []string{"b"}},
			Step{ID: "b", Kind: KindReasoningCall},
		)},
		{"conditional without condition", stepsPlan(Step{ID: "a", Kind: KindConditional})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeInvalidPlan))
		})
	}
}

func TestValidateReportsCyclePath(t *testing.T) {
	plan := stepsPlan(
		Step{ID: "a", Kind: KindReasoningCall, DependsOn: []string{"c"}},
		Step{ID: "b", Kind: KindReasoningCall, DependsOn: []string{"a"}},
		Step{ID: "c", Kind: KindReasoningCall, DependsOn: []string{"b"}},
	)
	err := plan.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency detected")
	he := errors.As(err)
	path, ok := he.Context["cycle"].([]string)
	require.True(t, ok)
	assert.Equal(t, path[0], path[len(path)-1])
	assert.Len(t, path, 4)
}

func TestValidateFallbackEdgesParticipateInCycles(t *testing.T) {
	// b is a's fallback, so b settles after a; a waiting on b deadlocks.
	plan := stepsPlan(
		Step{ID: "a", Kind: KindCapabilityCall, Fallback: "b", DependsOn: []string{"b"}},
		Step{ID: "b", Kind: KindNetworkCall},
	)
	require.Error(t, plan.Validate())
}

func TestTopologicalOrder(t *testing.T) {
	plan, err := New(nil).Build("scrape example.com", nil)
	require.NoError(t, err)
	order, err := plan.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, "step_1_firecrawl", order[0])
	assert.Equal(t, "step_5_extract", order[len(order)-1])
}

func TestParseStepKind(t *testing.T) {
	for _, k := range StepKinds {
		got, err := ParseStepKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseStepKind("claude_reason")
	require.Error(t, err)
}
