// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails screens task text on the way in and scrubs it on the
// way out.
//
// Checkers run on the intent before anything is planned: a blocked verdict
// rejects the task. Filters run on text that is about to be persisted, such
// as ledger entries, and mask personal data.
//
// Unlike governance policies, which gate the steps of a plan, guardrails
// look at the words of the request itself.
package guardrails

import (
	"context"
	"strings"

	"github.com/jllopis/handoff/pkg/config"
)

// Verdict is the outcome of a check.
type Verdict struct {
	Blocked bool `json:"blocked"`
	// Reason explains a block.
	Reason string `json:"reason,omitempty"`
	// Checker is the ID of the checker that blocked.
	Checker string `json:"checker,omitempty"`
	// Confidence is within [0, 1].
	Confidence float64  `json:"confidence,omitempty"`
	Matches    []string `json:"matches,omitempty"`
}

// Redaction records one masked span. The original text is never kept.
type Redaction struct {
	Kind        string `json:"kind"`
	Replacement string `json:"replacement"`
	Position    int    `json:"position"`
}

// Checker inspects incoming text.
type Checker interface {
	ID() string
	Check(ctx context.Context, text string) Verdict
}

// Filter rewrites outgoing text.
type Filter interface {
	ID() string
	Filter(ctx context.Context, text string) (string, []Redaction)
}

// Guard runs checkers in order and filters in sequence. The zero value and
// a nil Guard pass everything through.
type Guard struct {
	checkers []Checker
	filters  []Filter
	failOpen bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithChecker adds c.
func WithChecker(c Checker) Option {
	return func(g *Guard) {
		if c != nil {
			g.checkers = append(g.checkers, c)
		}
	}
}

// WithFilter adds f.
func WithFilter(f Filter) Option {
	return func(g *Guard) {
		if f != nil {
			g.filters = append(g.filters, f)
		}
	}
}

// WithFailOpen lets text through when the context ends mid-check. The
// default is to block.
func WithFailOpen(failOpen bool) Option {
	return func(g *Guard) { g.failOpen = failOpen }
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FromConfig builds the guard described by the governance.guardrails
// section.
func FromConfig(cfg config.GuardrailsConfig) *Guard {
	var opts []Option
	if cfg.Injection {
		opts = append(opts, WithChecker(NewInjectionDetector(WithThreshold(cfg.InjectionThreshold))))
	}
	if len(cfg.BlockedTerms) > 0 {
		opts = append(opts, WithChecker(NewTermChecker(cfg.BlockedTerms...)))
	}
	switch strings.ToLower(cfg.PII) {
	case "mask":
		opts = append(opts, WithFilter(NewPIIMasker(MaskMode)))
	case "redact":
		opts = append(opts, WithFilter(NewPIIMasker(RedactMode)))
	}
	return New(opts...)
}

// Check returns the first blocking verdict, or a passing one.
func (g *Guard) Check(ctx context.Context, text string) Verdict {
	if g == nil {
		return Verdict{}
	}
	for _, c := range g.checkers {
		if ctx.Err() != nil {
			if g.failOpen {
				return Verdict{}
			}
			return Verdict{Blocked: true, Reason: "guardrail check cancelled", Checker: "system"}
		}
		v := c.Check(ctx, text)
		if v.Blocked {
			v.Checker = c.ID()
			return v
		}
	}
	return Verdict{}
}

// Redact runs every filter over text, each on the output of the previous.
func (g *Guard) Redact(ctx context.Context, text string) (string, []Redaction) {
	if g == nil || text == "" {
		return text, nil
	}
	var all []Redaction
	for _, f := range g.filters {
		if ctx.Err() != nil {
			break
		}
		var redactions []Redaction
		text, redactions = f.Filter(ctx, text)
		all = append(all, redactions...)
	}
	return text, all
}

// RedactText is Redact without the report, in the shape ledger redactors
// take.
func (g *Guard) RedactText(text string) string {
	out, _ := g.Redact(context.Background(), text)
	return out
}

// Checkers returns the IDs of the configured checkers.
func (g *Guard) Checkers() []string {
	if g == nil {
		return nil
	}
	ids := make([]string, len(g.checkers))
	for i, c := range g.checkers {
		ids[i] = c.ID()
	}
	return ids
}

// Filters returns the IDs of the configured filters.
func (g *Guard) Filters() []string {
	if g == nil {
		return nil
	}
	ids := make([]string, len(g.filters))
	for i, f := range g.filters {
		ids[i] = f.ID()
	}
	return ids
}
