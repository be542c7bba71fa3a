// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"path"
	"strings"

	"github.com/jllopis/handoff/pkg/config"
)

// Filter combines allow and deny lists with a policy engine. List entries
// are glob patterns matched against the action name and against
// "<type>:<name>", so "docker" and "capability:dock*" both match the docker
// capability.
type Filter struct {
	allowlist    map[string]bool
	denylist     map[string]bool
	policyEngine PolicyEngine
}

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// NewFilter creates a new Filter with the given options.
func NewFilter(opts ...FilterOption) *Filter {
	f := &Filter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FilterFromConfig builds the filter described by the governance section.
func FilterFromConfig(cfg config.GovernanceConfig) *Filter {
	return NewFilter(
		WithAllowlist(cfg.Allow),
		WithDenylist(cfg.Deny),
		WithPolicyEngine(RuleSetFromConfig(cfg)),
	)
}

// WithAllowlist sets the permitted names or patterns.
func WithAllowlist(names []string) FilterOption {
	return func(f *Filter) { addTo(f.allowlist, names) }
}

// WithDenylist sets the forbidden names or patterns.
func WithDenylist(names []string) FilterOption {
	return func(f *Filter) { addTo(f.denylist, names) }
}

// WithPolicyEngine attaches a policy engine for additional evaluation.
func WithPolicyEngine(engine PolicyEngine) FilterOption {
	return func(f *Filter) {
		f.policyEngine = engine
	}
}

// Evaluate implements PolicyEngine.
// Evaluation order:
// 1. If denylist matches → deny
// 2. If allowlist is non-empty and doesn't match → deny
// 3. If policy engine exists, evaluate → respect decision
// 4. Otherwise → allow
func (f *Filter) Evaluate(ctx context.Context, action Action) Decision {
	if f.matches(action, f.denylist) {
		return Decision{
			Allowed: false,
			Status:  DecisionStatusDeny,
			Reason:  string(action.Type) + " is in denylist",
		}
	}

	if len(f.allowlist) > 0 && !f.matches(action, f.allowlist) {
		return Decision{
			Allowed: false,
			Status:  DecisionStatusDeny,
			Reason:  string(action.Type) + " is not in allowlist",
		}
	}

	if f.policyEngine != nil {
		return f.policyEngine.Evaluate(ctx, action)
	}
	return Allow
}

// FilterNames returns the names of type typ that pass the filter, in order.
func (f *Filter) FilterNames(ctx context.Context, typ ActionType, names []string) []string {
	if len(f.allowlist) == 0 && len(f.denylist) == 0 && f.policyEngine == nil {
		return names
	}

	filtered := make([]string, 0, len(names))
	for _, name := range names {
		if f.Evaluate(ctx, Action{Type: typ, Name: name}).IsAllowed() {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

func (f *Filter) matches(action Action, list map[string]bool) bool {
	qualified := string(action.Type) + ":" + action.Name
	if list[action.Name] || list[qualified] {
		return true
	}
	for pattern := range list {
		if matchPattern(pattern, action.Name) || matchPattern(pattern, qualified) {
			return true
		}
	}
	return false
}

// AddToAllowlist adds names to the allowlist.
func (f *Filter) AddToAllowlist(names ...string) { addTo(f.allowlist, names) }

// AddToDenylist adds names to the denylist.
func (f *Filter) AddToDenylist(names ...string) { addTo(f.denylist, names) }

func addTo(list map[string]bool, names []string) {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			list[name] = true
		}
	}
}

// matchPattern reports whether value equals pattern or matches it as a glob.
func matchPattern(pattern, value string) bool {
	if pattern == value {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}
