package governance

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jllopis/handoff/pkg/config"
)

// Default risk gate settings.
var (
	DefaultDestructiveKeywords = []string{"delete", "drop", "remove", "destroy", "terminate"}
	DefaultRiskyPermissions    = []string{"admin:write", "data:delete", "system:modify"}
)

// DefaultCostThreshold is the spend above which every request needs approval.
const DefaultCostThreshold = 50.0

// Subject is what the risk assessor looks at.
type Subject struct {
	Text        string
	Spent       float64
	Permissions []string
}

// Risk is the outcome of an assessment. Reason is empty when no approval is
// needed.
type Risk struct {
	NeedsApproval bool
	Reason        string
}

// RiskAssessor flags requests that need a human decision before they run.
type RiskAssessor struct {
	keywords      []string
	permissions   []string
	costThreshold float64
}

// NewRiskAssessor creates an assessor. Empty lists fall back to the
// defaults; a zero threshold disables the cost check.
func NewRiskAssessor(keywords, permissions []string, costThreshold float64) *RiskAssessor {
	if len(keywords) == 0 {
		keywords = DefaultDestructiveKeywords
	}
	if len(permissions) == 0 {
		permissions = DefaultRiskyPermissions
	}
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			lowered = append(lowered, kw)
		}
	}
	return &RiskAssessor{keywords: lowered, permissions: permissions, costThreshold: costThreshold}
}

// RiskAssessorFromConfig builds the assessor described by the governance
// section.
func RiskAssessorFromConfig(cfg config.GovernanceConfig) *RiskAssessor {
	return NewRiskAssessor(cfg.DestructiveKeywords, cfg.RiskyPermissions, cfg.CostThreshold)
}

// Assess checks spend first, then destructive keywords, then permissions.
func (r *RiskAssessor) Assess(s Subject) Risk {
	if r.costThreshold > 0 && s.Spent > r.costThreshold {
		return Risk{true, fmt.Sprintf("cost exceeds threshold (%.2f > %.2f)", s.Spent, r.costThreshold)}
	}
	text := strings.ToLower(s.Text)
	for _, kw := range r.keywords {
		if strings.Contains(text, kw) {
			return Risk{true, "destructive action detected: " + kw}
		}
	}
	for _, perm := range r.permissions {
		if slices.Contains(s.Permissions, perm) {
			return Risk{true, "risky permission in use: " + perm}
		}
	}
	return Risk{}
}
