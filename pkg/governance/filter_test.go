// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"reflect"
	"testing"

	"github.com/jllopis/handoff/pkg/config"
)

func capabilityAction(name string) Action {
	return Action{Type: ActionCapability, Name: name}
}

func TestFilter_EmptyFilter(t *testing.T) {
	filter := NewFilter()

	decision := filter.Evaluate(context.Background(), capabilityAction("any-server"))
	if !decision.IsAllowed() {
		t.Error("empty filter should allow everything")
	}
}

func TestFilter_Lists(t *testing.T) {
	filter := NewFilter(
		WithAllowlist([]string{"firecrawl", "playwright", "docker", "skill:*"}),
		WithDenylist([]string{"capability:dock*"}),
	)

	tests := []struct {
		name    string
		action  Action
		allowed bool
	}{
		{"allowed by name", capabilityAction("firecrawl"), true},
		{"not in allowlist", capabilityAction("slack"), false},
		{"denylist takes precedence", capabilityAction("docker"), false},
		{"qualified glob", Action{Type: ActionSkill, Name: "universal_scraper"}, true},
		{"type must match qualified entry", Action{Type: ActionAgent, Name: "universal_scraper"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := filter.Evaluate(context.Background(), tc.action)
			if decision.IsAllowed() != tc.allowed {
				t.Errorf("%+v: expected allowed=%v, got %+v", tc.action, tc.allowed, decision)
			}
		})
	}
}

func TestFilter_FilterNames(t *testing.T) {
	filter := NewFilter(WithDenylist([]string{"slack", "make"}))

	got := filter.FilterNames(context.Background(), ActionCapability, []string{"github", "slack", "n8n", "make"})
	if !reflect.DeepEqual(got, []string{"github", "n8n"}) {
		t.Fatalf("unexpected filtered names %v", got)
	}
}

func TestFilter_AddToLists(t *testing.T) {
	filter := NewFilter()

	filter.AddToAllowlist("postgresql")
	filter.AddToDenylist("docker")

	if !filter.Evaluate(context.Background(), capabilityAction("postgresql")).IsAllowed() {
		t.Error("postgresql should be allowed after AddToAllowlist")
	}
	if filter.Evaluate(context.Background(), capabilityAction("docker")).IsAllowed() {
		t.Error("docker should be denied after AddToDenylist")
	}
	if filter.Evaluate(context.Background(), capabilityAction("github")).IsAllowed() {
		t.Error("github should be denied (not in allowlist)")
	}
}

func TestFilterFromConfig(t *testing.T) {
	filter := FilterFromConfig(config.GovernanceConfig{
		Deny: []string{"network:*"},
		Policies: []config.PolicyRuleConfig{
			{ID: "ask-github", Effect: "pending", Type: "capability", Name: "github", Reason: "writes to a remote"},
		},
	})

	if filter.Evaluate(context.Background(), Action{Type: ActionNetwork, Name: "duckduckgo"}).IsAllowed() {
		t.Error("network calls should be denied")
	}
	decision := filter.Evaluate(context.Background(), capabilityAction("github"))
	if !decision.IsPending() || decision.RuleID != "ask-github" {
		t.Errorf("expected pending decision from the rule set, got %+v", decision)
	}
	if !filter.Evaluate(context.Background(), capabilityAction("firecrawl")).IsAllowed() {
		t.Error("unmatched capability should be allowed")
	}
}
