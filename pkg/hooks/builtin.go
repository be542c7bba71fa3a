package hooks

import (
	"context"
	"fmt"

	"github.com/jllopis/handoff/pkg/engine"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/governance"
	"github.com/jllopis/handoff/pkg/guardrails"
	"github.com/jllopis/handoff/pkg/ledger"
	"github.com/jllopis/handoff/pkg/matcher"
)

// Built-in hook names.
const (
	Guardrails        = "guardrails"
	PolicyCheck       = "policy-check"
	IntelligentRouter = matcher.HookIntelligentRouter
	TaskLedgerUpdate  = matcher.HookTaskLedgerUpdate
	CompletionChecker = matcher.HookCompletionChecker
)

// PromiseMarkerValue is the Values key the completion checker writes.
const PromiseMarkerValue = "promise_marker"

// Built-in priorities. The intent is screened first, then policy runs
// before the risk gate.
const (
	PriorityGuardrails        = 110
	PriorityPolicyCheck       = 100
	PriorityIntelligentRouter = 90
	PriorityTaskLedgerUpdate  = 50
	PriorityCompletionChecker = 50
)

// NewGuardrails returns a hook that rejects intents the guard blocks.
func NewGuardrails(g *guardrails.Guard) Hook {
	return HookFunc(func(ctx context.Context, hc Context) error {
		v := g.Check(ctx, hc.Intent)
		if !v.Blocked {
			return nil
		}
		return errors.New(errors.CodeHookRejected, fmt.Sprintf("%s (%s)", v.Reason, v.Checker), nil).
			WithContext("confidence", v.Confidence)
	})
}

// NewPolicyCheck returns a hook that evaluates every step of the plan
// against policy. Pending decisions go to approval; a nil approval denies
// them.
func NewPolicyCheck(policy governance.PolicyEngine, approval governance.ApprovalHook) Hook {
	return HookFunc(func(ctx context.Context, hc Context) error {
		if hc.Plan == nil {
			return nil
		}
		for _, step := range hc.Plan.Steps {
			typ, ok := governance.ActionTypeFor(step.Kind)
			if !ok {
				continue
			}
			name := step.Target
			if name == "" {
				name = step.ID
			}
			action := governance.Action{
				Type:     typ,
				Name:     name,
				Metadata: map[string]string{"step_id": step.ID, "intent": hc.Intent},
			}
			decision := governance.Settle(ctx, policy.Evaluate(ctx, action), action, approval)
			if decision.IsAllowed() {
				continue
			}
			reason := decision.Reason
			if reason == "" {
				reason = "denied by policy"
			}
			return errors.New(errors.CodeHookRejected,
				fmt.Sprintf("step %s: %s %s not allowed: %s", step.ID, typ, name, reason), nil).
				WithContext("rule_id", decision.RuleID)
		}
		return nil
	})
}

// NewIntelligentRouter returns a hook that asks approval for risky
// requests: destructive wording, spend above the threshold or risky
// permissions.
func NewIntelligentRouter(assessor *governance.RiskAssessor, approval governance.ApprovalHook) Hook {
	return HookFunc(func(ctx context.Context, hc Context) error {
		risk := assessor.Assess(governance.Subject{Text: hc.Intent, Spent: hc.Spent, Permissions: hc.Permissions})
		if !risk.NeedsApproval {
			return nil
		}
		pending := governance.Decision{Status: governance.DecisionStatusPending, RuleID: IntelligentRouter, Reason: risk.Reason}
		action := governance.Action{
			Type:     governance.ActionTask,
			Name:     hc.TaskID,
			Metadata: map[string]string{"intent": hc.Intent},
		}
		decision := governance.Settle(ctx, pending, action, approval)
		if decision.IsAllowed() {
			return nil
		}
		return errors.New(errors.CodeHookRejected, risk.Reason+": "+decision.Reason, nil)
	})
}

// NewTaskLedgerUpdate returns a hook that writes the task state to the JSON
// ledger once the plan has settled.
func NewTaskLedgerUpdate(tasks *ledger.Tasks) Hook {
	return HookFunc(func(ctx context.Context, hc Context) error {
		task := ledger.Task{
			ID:          hc.TaskID,
			Description: hc.Intent,
			State:       StateOf(hc.Outcome, hc.Promise),
			Notes:       hc.Promise.String(),
		}
		if hc.Plan != nil {
			task.PlanID = hc.Plan.ID
		}
		if hc.Outcome != nil {
			for _, res := range hc.Outcome.Results {
				if res.Status.Resolved() {
					task.Evidence = append(task.Evidence, fmt.Sprintf("%s: %s", res.StepID, res.Status))
				}
			}
		}
		return tasks.Upsert(task)
	})
}

// StateOf maps a settled task onto its ledger state.
func StateOf(outcome *engine.Outcome, promise engine.Promise) ledger.State {
	switch {
	case outcome != nil && outcome.Cancelled:
		return ledger.StateCancelled
	case promise.IsDone():
		return ledger.StateCompleted
	default:
		return ledger.StateBlocked
	}
}

// NewCompletionChecker returns the hook that renders the completion marker
// into Values[PromiseMarkerValue]. It fails when the marker is blocked.
func NewCompletionChecker() Hook {
	return HookFunc(func(ctx context.Context, hc Context) error {
		marker := CompletionMarker(hc.AllStepsDone, hc.TestsPassed, hc.Err)
		if hc.Values != nil {
			hc.Values[PromiseMarkerValue] = marker
		}
		if marker.IsDone() {
			return nil
		}
		return errors.New(errors.CodeHookRejected, marker.Reason(), nil)
	})
}

// CompletionMarker decides the completion promise: an error blocks, and
// done requires every step done and the tests passed.
func CompletionMarker(allStepsDone, testsPassed bool, err error) engine.Promise {
	switch {
	case err != nil:
		return engine.Blocked(errors.Message(err))
	case allStepsDone && testsPassed:
		return engine.Done()
	case allStepsDone:
		return engine.Blocked("Tests not passed")
	default:
		return engine.Blocked("Not all steps completed")
	}
}

// Builtins bundles what the built-in hooks need.
type Builtins struct {
	Guard    *guardrails.Guard
	Policy   governance.PolicyEngine
	Risk     *governance.RiskAssessor
	Approval governance.ApprovalHook
	Tasks    *ledger.Tasks
}

// RegisterBuiltins registers every built-in hook whose dependency is set.
// The completion checker is always registered.
func RegisterBuiltins(d *Dispatcher, b Builtins) error {
	if b.Guard != nil {
		if err := d.Register(Guardrails, PhaseBefore, PriorityGuardrails, NewGuardrails(b.Guard)); err != nil {
			return err
		}
	}
	if b.Policy != nil {
		if err := d.Register(PolicyCheck, PhaseBefore, PriorityPolicyCheck, NewPolicyCheck(b.Policy, b.Approval)); err != nil {
			return err
		}
	}
	if b.Risk != nil {
		if err := d.Register(IntelligentRouter, PhaseBefore, PriorityIntelligentRouter, NewIntelligentRouter(b.Risk, b.Approval)); err != nil {
			return err
		}
	}
	if b.Tasks != nil {
		if err := d.Register(TaskLedgerUpdate, PhaseAfter, PriorityTaskLedgerUpdate, NewTaskLedgerUpdate(b.Tasks)); err != nil {
			return err
		}
	}
	return d.Register(CompletionChecker, PhaseOnComplete, PriorityCompletionChecker, NewCompletionChecker())
}
