// Package governance decides whether a plan step may run: ordered policy
// rules, allow/deny lists, a risk assessment of destructive requests and the
// approval hooks that settle pending decisions.
package governance

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/jllopis/handoff/pkg/config"
	"github.com/jllopis/handoff/pkg/planner"
)

// ActionType is what a step does, as seen by policy rules.
type ActionType string

const (
	ActionCapability ActionType = "capability"
	ActionSkill      ActionType = "skill"
	ActionAgent      ActionType = "agent"
	ActionNetwork    ActionType = "network"
	ActionReasoning  ActionType = "reasoning"
	ActionTask       ActionType = "task"
)

var stepActions = map[planner.StepKind]ActionType{
	planner.KindCapabilityCall: ActionCapability,
	planner.KindSkillInvoke:    ActionSkill,
	planner.KindAgentTask:      ActionAgent,
	planner.KindNetworkCall:    ActionNetwork,
	planner.KindReasoningCall:  ActionReasoning,
}

// ActionTypeFor maps a step kind onto the action it performs. Conditional
// and parallel steps perform none of their own.
func ActionTypeFor(kind planner.StepKind) (ActionType, bool) {
	t, ok := stepActions[kind]
	return t, ok
}

// Action is what policy is asked about. Metadata carries free-form detail
// shown to approvers.
type Action struct {
	Type     ActionType
	Name     string
	Metadata map[string]string
}

type DecisionStatus string

const (
	DecisionStatusAllow   DecisionStatus = "allow"
	DecisionStatusDeny    DecisionStatus = "deny"
	DecisionStatusPending DecisionStatus = "pending"
)

// Decision is the outcome of a policy evaluation. Status wins over Allowed
// when both are set.
type Decision struct {
	Allowed bool
	Reason  string
	RuleID  string
	Status  DecisionStatus
}

// Allow is the decision of a rule set with no matching rule.
var Allow = Decision{Allowed: true, Status: DecisionStatusAllow}

func (d Decision) status() DecisionStatus {
	switch {
	case d.Status != "":
		return d.Status
	case d.Allowed:
		return DecisionStatusAllow
	default:
		return DecisionStatusDeny
	}
}

func (d Decision) IsAllowed() bool { return d.status() == DecisionStatusAllow }
func (d Decision) IsPending() bool { return d.status() == DecisionStatusPending }
func (d Decision) IsDenied() bool  { return d.status() == DecisionStatusDeny }

type PolicyEngine interface {
	Evaluate(ctx context.Context, action Action) Decision
}

// ApprovalHook asks a human, or stands in for one, about a pending action.
type ApprovalHook interface {
	Request(ctx context.Context, action Action) Decision
}

// Rule matches actions by type and a glob on the name. Empty fields match
// anything.
type Rule struct {
	ID     string
	Effect DecisionStatus
	Type   ActionType
	Name   string
	Reason string
}

func (r Rule) matches(action Action) bool {
	if r.Type != "" && r.Type != action.Type {
		return false
	}
	if r.Name == "" || r.Name == action.Name {
		return true
	}
	ok, err := path.Match(r.Name, action.Name)
	return err == nil && ok
}

func (r Rule) decide() Decision {
	status := DecisionStatus(strings.ToLower(string(r.Effect)))
	if status != DecisionStatusDeny && status != DecisionStatusPending {
		status = DecisionStatusAllow
	}
	return Decision{
		Allowed: status == DecisionStatusAllow,
		Status:  status,
		Reason:  r.Reason,
		RuleID:  r.ID,
	}
}

// RuleSet is first-match-wins over Rules, falling back to DefaultDecision.
type RuleSet struct {
	Rules           []Rule
	DefaultDecision Decision
}

func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{Rules: append([]Rule(nil), rules...), DefaultDecision: Allow}
}

func (r *RuleSet) Evaluate(_ context.Context, action Action) Decision {
	for _, rule := range r.Rules {
		if rule.matches(action) {
			return rule.decide()
		}
	}
	return r.DefaultDecision
}

// RuleSetFromConfig builds the rule set of governance.policies. Rules
// without an id are named by position, rule-1 onwards.
func RuleSetFromConfig(cfg config.GovernanceConfig) *RuleSet {
	rules := make([]Rule, 0, len(cfg.Policies))
	for i, p := range cfg.Policies {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = fmt.Sprintf("rule-%d", i+1)
		}
		rules = append(rules, Rule{
			ID:     id,
			Effect: DecisionStatus(p.Effect),
			Type:   ActionType(strings.ToLower(p.Type)),
			Name:   p.Name,
			Reason: p.Reason,
		})
	}
	return NewRuleSet(rules)
}

// Settle resolves a pending decision through hook. Without a hook a pending
// decision is denied.
func Settle(ctx context.Context, decision Decision, action Action, hook ApprovalHook) Decision {
	if !decision.IsPending() {
		return decision
	}
	if hook == nil {
		return Decision{Status: DecisionStatusDeny, RuleID: decision.RuleID, Reason: "approval required: " + decision.Reason}
	}
	md := make(map[string]string, len(action.Metadata)+2)
	for k, v := range action.Metadata {
		md[k] = v
	}
	md["policy_rule_id"] = decision.RuleID
	md["policy_reason"] = decision.Reason
	action.Metadata = md

	settled := hook.Request(ctx, action)
	if settled.RuleID == "" {
		settled.RuleID = decision.RuleID
	}
	return settled
}
