package engine

import (
	"time"

	"github.com/jllopis/handoff/pkg/planner"
)

// StepStatus is the lifecycle state of a step within one execution.
type StepStatus string

const (
	StatusPending     StepStatus = "pending"
	StatusRunning     StepStatus = "running"
	StatusSucceeded   StepStatus = "succeeded"
	StatusCompensated StepStatus = "compensated"
	StatusFailed      StepStatus = "failed"
	StatusSkipped     StepStatus = "skipped"
	StatusCancelled   StepStatus = "cancelled"
)

// Terminal reports whether s is final for the current execution.
func (s StepStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusCompensated, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// Resolved reports whether s satisfied the step: it succeeded itself or an
// alternative in its fallback chain did.
func (s StepStatus) Resolved() bool {
	return s == StatusSucceeded || s == StatusCompensated
}

// StepResult records what happened to one step.
type StepResult struct {
	StepID      string           `json:"step_id"`
	Kind        planner.StepKind `json:"kind"`
	Target      string           `json:"target,omitempty"`
	Status      StepStatus       `json:"status"`
	Output      any              `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	Attempts    int              `json:"attempts"`
	FallbackFor string           `json:"fallback_for,omitempty"`
	StartedAt   time.Time        `json:"started_at,omitzero"`
	FinishedAt  time.Time        `json:"finished_at,omitzero"`
}

// Duration returns how long the step ran.
func (r StepResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome is the result of executing a plan.
type Outcome struct {
	PlanID     string         `json:"plan_id"`
	RunID      string         `json:"run_id"`
	Promise    Promise        `json:"promise"`
	Results    []StepResult   `json:"results"`
	Context    map[string]any `json:"context"`
	Cancelled  bool           `json:"cancelled"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Result returns the result for step id.
func (o *Outcome) Result(id string) (StepResult, bool) {
	for _, r := range o.Results {
		if r.StepID == id {
			return r, true
		}
	}
	return StepResult{}, false
}

// Count returns how many steps ended with status.
func (o *Outcome) Count(status StepStatus) int {
	n := 0
	for _, r := range o.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}
