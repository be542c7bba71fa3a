package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func closedTasks() []Task {
	return []Task{{ID: "a", State: StateCompleted}, {ID: "b", State: StateCancelled}}
}

func TestGateDecisionOrder(t *testing.T) {
	tests := []struct {
		name   string
		state  GateState
		action Action
		reason string
	}{
		{"iterations first", GateState{Iteration: 100, Tasks: []Task{{ID: "a"}}}, ActionTerminate, ReasonMaxIterations},
		{"elapsed", GateState{Elapsed: 2 * time.Hour}, ActionTerminate, ReasonMaxTime},
		{"budget", GateState{Spent: 10, BudgetLimit: 10}, ActionTerminate, ReasonBudgetExceeded},
		{"no ledger", GateState{}, ActionContinue, ReasonNoLedger},
		{"open tasks before tests", GateState{Tasks: []Task{{ID: "a", State: StateBlocked}}, Tests: &TestResults{Passed: 3}}, ActionContinue, ReasonTasksRemaining},
		{"tests passed", GateState{Tasks: closedTasks(), Tests: &TestResults{Passed: 3}}, ActionTerminate, ReasonTestsPassed},
		{"failing tests fall through", GateState{Tasks: closedTasks(), Tests: &TestResults{Passed: 3, Failed: 1}, Logs: []string{"rate limit hit"}}, ActionContinue, ReasonKnownError},
		{"high cost", GateState{Tasks: closedTasks(), Spent: 9, BudgetLimit: 10}, ActionEscalate, ReasonHighCost},
		{"destructive", GateState{Tasks: closedTasks(), Logs: []string{"will KILL the worker"}}, ActionEscalate, ReasonDestructiveAction},
		{"default", GateState{Tasks: []Task{}}, ActionContinue, ReasonDefault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := NewGate().Evaluate(tc.state)
			assert.Equal(t, tc.action, d.Action)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestGateOpenTasksData(t *testing.T) {
	d := NewGate().Evaluate(GateState{Tasks: []Task{{ID: "b", State: StatePending}, {ID: "a", State: StateInProgress}, {ID: "c", State: StateCompleted}}})
	assert.Equal(t, []string{"a", "b"}, d.Data["open_tasks"])
	assert.Equal(t, "continue (tasks_remaining)", d.String())
}

func TestGateRetryBudget(t *testing.T) {
	g := NewGate(WithMaxRetries(2))
	state := GateState{SessionID: "s1", Tasks: closedTasks(), Logs: []string{"dial tcp: connection refused"}}

	assert.Equal(t, ReasonKnownError, g.Evaluate(state).Reason)
	d := g.Evaluate(state)
	assert.Equal(t, ReasonKnownError, d.Reason)
	assert.Equal(t, 2, d.Data["retry_count"])
	assert.Equal(t, ReasonDefault, g.Evaluate(state).Reason, "retry budget exhausted")

	state.SessionID = "s2"
	assert.Equal(t, ReasonKnownError, g.Evaluate(state).Reason, "budget is per session")
}

func TestGateLimits(t *testing.T) {
	g := NewGate(WithMaxIterations(3), WithMaxTime(time.Minute))
	assert.Equal(t, ReasonMaxIterations, g.Evaluate(GateState{Iteration: 3}).Reason)
	assert.Equal(t, ReasonMaxTime, g.Evaluate(GateState{Elapsed: time.Minute}).Reason)
	assert.Equal(t, ReasonNoLedger, g.Evaluate(GateState{Iteration: 2, Elapsed: time.Second}).Reason)
}
