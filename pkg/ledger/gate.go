package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action is what the gate tells the caller to do next.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionTerminate Action = "terminate"
	ActionEscalate  Action = "escalate"
)

// Gate decision reasons.
const (
	ReasonMaxIterations     = "max_iterations_exceeded"
	ReasonMaxTime           = "max_time_exceeded"
	ReasonBudgetExceeded    = "budget_exceeded"
	ReasonNoLedger          = "no_task_ledger"
	ReasonTasksRemaining    = "tasks_remaining"
	ReasonTestsPassed       = "all_tests_passed"
	ReasonKnownError        = "known_error_with_remediation"
	ReasonHighCost          = "high_cost_operation"
	ReasonDestructiveAction = "potential_destructive_action"
	ReasonDefault           = "default_continue"
)

// Gate defaults.
const (
	DefaultMaxIterations = 100
	DefaultMaxTime       = time.Hour
	DefaultMaxRetries    = 5
)

var (
	remediablePatterns  = []string{"connection refused", "timeout", "rate limit", "out of memory"}
	destructivePatterns = []string{"delete", "drop", "remove", "destroy", "terminate", "kill"}
)

// TestResults summarizes a test run.
type TestResults struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// GateState is everything the gate looks at.
type GateState struct {
	SessionID   string
	Iteration   int
	Elapsed     time.Duration
	Spent       float64
	BudgetLimit float64
	// Tasks is nil when there is no ledger file.
	Tasks []Task
	Tests *TestResults
	Logs  []string
}

// Decision is the gate's verdict.
type Decision struct {
	Action Action         `json:"action"`
	Reason string         `json:"reason"`
	Data   map[string]any `json:"data,omitempty"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s (%s)", d.Action, d.Reason)
}

// Gate decides whether work may stop. Only the gate decides termination.
type Gate struct {
	maxIterations int
	maxTime       time.Duration
	maxRetries    int

	mu      sync.Mutex
	retries map[string]int
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithMaxIterations sets the iteration hard stop.
func WithMaxIterations(n int) GateOption {
	return func(g *Gate) {
		if n > 0 {
			g.maxIterations = n
		}
	}
}

// WithMaxTime sets the elapsed time hard stop.
func WithMaxTime(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.maxTime = d
		}
	}
}

// WithMaxRetries sets how often one known error may be retried.
func WithMaxRetries(n int) GateOption {
	return func(g *Gate) {
		if n >= 0 {
			g.maxRetries = n
		}
	}
}

// NewGate creates a gate with the default limits.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		maxIterations: DefaultMaxIterations,
		maxTime:       DefaultMaxTime,
		maxRetries:    DefaultMaxRetries,
		retries:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate checks, in order: hard stops, remaining tasks, tests, known
// errors with retry budget left, escalation, and otherwise continues. A
// ledger with every task closed only terminates once tests pass.
func (g *Gate) Evaluate(s GateState) Decision {
	if d, ok := g.hardStop(s); ok {
		return d
	}

	if s.Tasks == nil {
		return Decision{Action: ActionContinue, Reason: ReasonNoLedger}
	}
	if open := OpenIDs(s.Tasks); len(open) > 0 {
		return Decision{Action: ActionContinue, Reason: ReasonTasksRemaining, Data: map[string]any{
			"open_count": len(open),
			"open_tasks": open,
		}}
	}

	if s.Tests != nil && s.Tests.Failed == 0 && s.Tests.Passed > 0 {
		return Decision{Action: ActionTerminate, Reason: ReasonTestsPassed, Data: map[string]any{
			"passed": s.Tests.Passed,
		}}
	}

	logs := strings.ToLower(strings.Join(s.Logs, "\n"))
	if d, ok := g.remediation(s.SessionID, logs); ok {
		return d
	}

	if s.BudgetLimit > 0 && s.Spent > s.BudgetLimit*0.8 {
		return Decision{Action: ActionEscalate, Reason: ReasonHighCost, Data: map[string]any{
			"spent":           s.Spent,
			"limit":           s.BudgetLimit,
			"percentage_used": s.Spent / s.BudgetLimit * 100,
		}}
	}
	for _, pattern := range destructivePatterns {
		if strings.Contains(logs, pattern) {
			return Decision{Action: ActionEscalate, Reason: ReasonDestructiveAction, Data: map[string]any{
				"pattern": pattern,
			}}
		}
	}

	return Decision{Action: ActionContinue, Reason: ReasonDefault}
}

func (g *Gate) hardStop(s GateState) (Decision, bool) {
	switch {
	case s.Iteration >= g.maxIterations:
		return Decision{Action: ActionTerminate, Reason: ReasonMaxIterations, Data: map[string]any{
			"iteration": s.Iteration, "max_iterations": g.maxIterations,
		}}, true
	case s.Elapsed >= g.maxTime:
		return Decision{Action: ActionTerminate, Reason: ReasonMaxTime, Data: map[string]any{
			"elapsed": s.Elapsed.String(), "max_time": g.maxTime.String(),
		}}, true
	case s.BudgetLimit > 0 && s.Spent >= s.BudgetLimit:
		return Decision{Action: ActionTerminate, Reason: ReasonBudgetExceeded, Data: map[string]any{
			"spent": s.Spent, "limit": s.BudgetLimit,
		}}, true
	}
	return Decision{}, false
}

func (g *Gate) remediation(sessionID, logs string) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, pattern := range remediablePatterns {
		if !strings.Contains(logs, pattern) {
			continue
		}
		key := sessionID + "_" + pattern
		if g.retries[key] >= g.maxRetries {
			continue
		}
		g.retries[key]++
		return Decision{Action: ActionContinue, Reason: ReasonKnownError, Data: map[string]any{
			"pattern":     pattern,
			"retry_count": g.retries[key],
			"max_retries": g.maxRetries,
		}}, true
	}
	return Decision{}, false
}
