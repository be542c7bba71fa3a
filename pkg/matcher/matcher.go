// SPDX-License-Identifier: Apache-2.0

// Package matcher turns a request into an Analysis: the capabilities it
// needs, which of them are installed, and the skills and hooks worth
// attaching to the run.
package matcher

import (
	"fmt"
	"strings"

	"github.com/jllopis/handoff/pkg/intent"
	"github.com/jllopis/handoff/pkg/registry"
)

const (
	// TaskCandidates is how many task-map names are examined per request.
	TaskCandidates = 3

	// RegistryMatches is how many registry matches are examined per request.
	RegistryMatches = 3

	candidateConfidence = 0.8
	optionalScore       = 0.2
	missingScore        = 0.4
)

// Hook names suggested by the matcher.
const (
	HookTaskLedgerUpdate  = "task-ledger-update"
	HookCompletionChecker = "completion-checker"
	HookIntelligentRouter = "intelligent-router"
)

// CapabilityMatch is a derived, read-only view of one capability.
type CapabilityMatch struct {
	Name       string                     `json:"name"`
	Capability string                     `json:"capability"`
	Installed  bool                       `json:"installed"`
	Confidence float64                    `json:"confidence"`
	Install    registry.InstallDescriptor `json:"install"`
}

// Analysis is the immutable result of matching one request.
type Analysis struct {
	Intent          string            `json:"intent"`
	TaskType        intent.TaskType   `json:"task_type"`
	Required        []CapabilityMatch `json:"required"`
	Optional        []CapabilityMatch `json:"optional"`
	Missing         []CapabilityMatch `json:"missing"`
	SuggestedSkills []string          `json:"suggested_skills"`
	SuggestedHooks  []string          `json:"suggested_hooks"`
	Confidence      float64           `json:"confidence"`
}

// Names returns the capability names of matches.
func Names(matches []CapabilityMatch) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Name)
	}
	return out
}

// Suggestion is an actionable install hint.
type Suggestion struct {
	Name           string `json:"name"`
	InstallCommand string `json:"install_command"`
	Reason         string `json:"reason"`
}

// Matcher combines the classifier, the task maps and the registry.
type Matcher struct {
	classifier *intent.Classifier
	registry   *registry.Registry
	tasks      map[intent.TaskType][]string
	skills     map[intent.TaskType][]string
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithTaskCapabilities overrides the task to capability priority map.
func WithTaskCapabilities(m map[intent.TaskType][]string) Option {
	return func(mt *Matcher) {
		if m != nil {
			mt.tasks = m
		}
	}
}

// WithTaskSkills overrides the task to skill map.
func WithTaskSkills(m map[intent.TaskType][]string) Option {
	return func(mt *Matcher) {
		if m != nil {
			mt.skills = m
		}
	}
}

// New creates a matcher over classifier and reg.
func New(classifier *intent.Classifier, reg *registry.Registry, opts ...Option) *Matcher {
	m := &Matcher{
		classifier: classifier,
		registry:   reg,
		tasks:      DefaultTaskCapabilities(),
		skills:     DefaultTaskSkills(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match analyses text.
//
// The task candidates follow an "any one suffices" policy: installed ones
// are required, the rest are optional suggestions, and when none is
// installed only the first candidate is reported missing.
func (m *Matcher) Match(text string) Analysis {
	cls := m.classifier.Classify(text)
	a := Analysis{
		Intent:          text,
		TaskType:        cls.TaskType,
		Required:        []CapabilityMatch{},
		Optional:        []CapabilityMatch{},
		Missing:         []CapabilityMatch{},
		SuggestedSkills: append([]string{}, m.skills[cls.TaskType]...),
		SuggestedHooks:  SuggestedHooks(cls.TaskType),
	}

	seen := make(map[string]bool)
	anyInstalled := false
	candidates := m.tasks[cls.TaskType]
	if len(candidates) > TaskCandidates {
		candidates = candidates[:TaskCandidates]
	}
	for _, name := range candidates {
		match, ok := m.matchFor(name, candidateConfidence)
		if !ok {
			continue
		}
		seen[name] = true
		if match.Installed {
			a.Required = append(a.Required, match)
			anyInstalled = true
		} else {
			a.Optional = append(a.Optional, match)
		}
	}
	if !anyInstalled && len(a.Optional) > 0 {
		a.Missing = append(a.Missing, a.Optional[0])
		a.Optional = a.Optional[1:]
	}

	if strings.TrimSpace(text) != "" {
		for _, scored := range m.registry.FindForIntent(text, RegistryMatches) {
			name := scored.Capability.Name
			if seen[name] || scored.Score <= optionalScore {
				continue
			}
			match, ok := m.matchFor(name, scored.Score)
			if !ok {
				continue
			}
			switch {
			case match.Installed:
				a.Optional = append(a.Optional, match)
			case scored.Score > missingScore && !anyInstalled:
				a.Missing = append(a.Missing, match)
			}
		}
	}

	a.Confidence = confidence(cls.TaskType, a.Required, a.Missing)
	return a
}

func (m *Matcher) matchFor(name string, conf float64) (CapabilityMatch, bool) {
	c, ok := m.registry.Get(name)
	if !ok {
		return CapabilityMatch{}, false
	}
	return CapabilityMatch{
		Name:       c.Name,
		Capability: c.PrimaryCapability(),
		Installed:  m.registry.IsInstalled(c.Name),
		Confidence: conf,
		Install:    c.Install,
	}, true
}

func confidence(taskType intent.TaskType, required, missing []CapabilityMatch) float64 {
	c := intent.BaselineConfidence
	if taskType != intent.TaskGeneral {
		c += 0.2
	}
	if len(required) > 0 && len(missing) == 0 {
		c += 0.2
	}
	c -= 0.1 * float64(len(missing))
	return max(0.1, min(1.0, c))
}

// SuggestedHooks returns the hooks worth attaching to a task type.
func SuggestedHooks(taskType intent.TaskType) []string {
	hooks := []string{HookTaskLedgerUpdate}
	switch taskType {
	case intent.TaskScrape, intent.TaskAutomate, intent.TaskDeploy:
		hooks = append(hooks, HookCompletionChecker)
	}
	switch taskType {
	case intent.TaskDeploy, intent.TaskDatabase:
		hooks = append(hooks, HookIntelligentRouter)
	}
	return hooks
}

// Missing returns the capabilities text needs that are not installed.
func (m *Matcher) Missing(text string) []CapabilityMatch {
	return m.Match(text).Missing
}

// SuggestInstallation lists install hints for the missing capabilities.
func (m *Matcher) SuggestInstallation(text string) []Suggestion {
	missing := m.Missing(text)
	out := make([]Suggestion, 0, len(missing))
	for _, c := range missing {
		out = append(out, Suggestion{
			Name:           c.Name,
			InstallCommand: c.Install.Command,
			Reason:         "Required for " + c.Capability,
		})
	}
	return out
}

// CanHandle reports whether the installed set is enough for text.
func (m *Matcher) CanHandle(text string) (bool, string) {
	a := m.Match(text)
	if len(a.Required) > 0 || len(a.Missing) == 0 {
		return true, "All required capabilities available"
	}
	return false, fmt.Sprintf("Missing MCPs: %s", strings.Join(Names(a.Missing), ", "))
}
