package governance

import (
	"testing"

	"github.com/jllopis/handoff/pkg/config"
)

func TestRiskAssessor(t *testing.T) {
	r := NewRiskAssessor(nil, nil, DefaultCostThreshold)

	tests := []struct {
		name    string
		subject Subject
		want    Risk
	}{
		{"safe", Subject{Text: "scrape prices from shop.example"}, Risk{}},
		{"destructive", Subject{Text: "DROP the staging database"}, Risk{true, "destructive action detected: drop"}},
		{"cost first", Subject{Text: "delete old rows", Spent: 75}, Risk{true, "cost exceeds threshold (75.00 > 50.00)"}},
		{"permission", Subject{Text: "rotate keys", Permissions: []string{"logs:read", "admin:write"}}, Risk{true, "risky permission in use: admin:write"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Assess(tc.subject); got != tc.want {
				t.Fatalf("Assess = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestRiskAssessorFromConfig(t *testing.T) {
	r := RiskAssessorFromConfig(config.GovernanceConfig{DestructiveKeywords: []string{" Purge "}})
	if !r.Assess(Subject{Text: "purge the cache"}).NeedsApproval {
		t.Fatal("configured keyword should need approval")
	}
	if r.Assess(Subject{Text: "delete the cache", Spent: 1000}).NeedsApproval {
		t.Fatal("configured keywords replace the defaults and a zero threshold disables the cost check")
	}
}
