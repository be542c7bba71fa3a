// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"regexp"
)

// DefaultInjectionThreshold blocks on a single match.
const DefaultInjectionThreshold = 0.7

// Instruction overrides, persona switches, prompt extraction, attempts to
// talk the router out of its own gates and forged completion markers.
var injectionPatterns = []string{
	`(?i)\b(ignore|disregard|forget|override)\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`,
	`(?i)\byou\s+are\s+now\s+(a|an|the)\s+`,
	`(?i)\bpretend\s+(you\s+are|to\s+be)\s+`,
	`(?i)\b(show|reveal|print|repeat)\s+(me\s+)?your\s+(system\s+)?(prompt|instructions)`,
	`(?i)\b(jailbreak|do\s+anything\s+now|dan\s+mode)\b`,
	`(?i)\b(developer|sudo|god)\s+mode\b`,
	`(?i)\bbypass\s+(the\s+)?(safety|policy|policies|approval|guardrails?|filters?)\b`,
	`(?i)\b(skip|disable)\s+(the\s+)?(policy|approval|risk)\s+(check|gate|hooks?)\b`,
	`(?i)<\s*/?\s*promise\s*>`,
	`(?i)\[/?INST\]|<</?SYS>>|<\|[a-z_]+\|>`,
}

// InjectionDetector flags text that tries to steer the agents behind the
// router instead of describing a task.
type InjectionDetector struct {
	patterns  []*regexp.Regexp
	threshold float64
}

// InjectionOption configures an InjectionDetector.
type InjectionOption func(*InjectionDetector)

// WithThreshold sets the confidence at which text is blocked. Values
// outside (0, 1] are ignored.
func WithThreshold(threshold float64) InjectionOption {
	return func(d *InjectionDetector) {
		if threshold > 0 && threshold <= 1 {
			d.threshold = threshold
		}
	}
}

// WithPatterns adds patterns. Patterns that do not compile are skipped.
func WithPatterns(patterns ...string) InjectionOption {
	return func(d *InjectionDetector) {
		d.patterns = append(d.patterns, compileAll(patterns)...)
	}
}

// NewInjectionDetector creates a detector with the built-in patterns.
func NewInjectionDetector(opts ...InjectionOption) *InjectionDetector {
	d := &InjectionDetector{
		patterns:  compileAll(injectionPatterns),
		threshold: DefaultInjectionThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *InjectionDetector) ID() string { return "prompt-injection" }

// Check scores text by the number of patterns it matches: 0.7 for one,
// plus 0.1 for each further match, up to 1.
func (d *InjectionDetector) Check(ctx context.Context, text string) Verdict {
	if text == "" {
		return Verdict{}
	}
	var matches []string
	for _, re := range d.patterns {
		if ctx.Err() != nil {
			return Verdict{}
		}
		if m := re.FindString(text); m != "" {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return Verdict{}
	}
	confidence := min(0.7+0.1*float64(len(matches)-1), 1)
	if confidence < d.threshold {
		return Verdict{Confidence: confidence, Matches: matches}
	}
	return Verdict{
		Blocked:    true,
		Reason:     "potential prompt injection",
		Confidence: confidence,
		Matches:    matches,
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}
