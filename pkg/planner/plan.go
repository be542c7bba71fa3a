package planner

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StepKind is the closed set of step kinds.
type StepKind string

const (
	KindCapabilityCall StepKind = "capability-call"
	KindSkillInvoke    StepKind = "skill-invoke"
	KindAgentTask      StepKind = "agent-task"
	KindReasoningCall  StepKind = "reasoning-call"
	KindNetworkCall    StepKind = "network-call"
	KindConditional    StepKind = "conditional"
	KindParallel       StepKind = "parallel"
)

// StepKinds lists every step kind.
var StepKinds = []StepKind{
	KindCapabilityCall,
	KindSkillInvoke,
	KindAgentTask,
	KindReasoningCall,
	KindNetworkCall,
	KindConditional,
	KindParallel,
}

// ParseStepKind validates s against the closed set.
func ParseStepKind(s string) (StepKind, error) {
	for _, k := range StepKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown step kind %q", s)
}

// Valid reports whether k is a known kind.
func (k StepKind) Valid() bool {
	_, err := ParseStepKind(string(k))
	return err == nil
}

// UnmarshalText rejects unknown kinds when decoding plans.
func (k *StepKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStepKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// BuilderKind names the template that produced a plan.
type BuilderKind string

const (
	BuilderScrape   BuilderKind = "scrape"
	BuilderSearch   BuilderKind = "search"
	BuilderAutomate BuilderKind = "automate"
	BuilderDatabase BuilderKind = "database"
	BuilderGeneral  BuilderKind = "general"
)

// Complexity is derived from step and capability counts.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Duration is a time.Duration that encodes as a Go duration string.
// Decoding also accepts a bare number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Step is one node of a plan.
//
// Steps that share an OutputKey are alternatives: a consumer depending on
// all of them is satisfied once any one succeeds.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        StepKind       `json:"kind" yaml:"kind"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Target      string         `json:"target,omitempty" yaml:"target,omitempty"`
	Tool        string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Fallback    string         `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Timeout     Duration       `json:"timeout" yaml:"timeout"`
	OutputKey   string         `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Condition   string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Group       []string       `json:"group,omitempty" yaml:"group,omitempty"`
}

// Attempts returns MaxAttempts, defaulting to one.
func (s Step) Attempts() int {
	if s.MaxAttempts < 1 {
		return 1
	}
	return s.MaxAttempts
}

// Plan is an ordered, dependency-annotated list of steps.
type Plan struct {
	ID                string         `json:"id" yaml:"id"`
	Intent            string         `json:"intent" yaml:"intent"`
	CreatedAt         time.Time      `json:"created_at" yaml:"created_at"`
	Builder           BuilderKind    `json:"builder" yaml:"builder"`
	Complexity        Complexity     `json:"complexity" yaml:"complexity"`
	EstimatedDuration Duration       `json:"estimated_duration" yaml:"estimated_duration"`
	Steps             []Step         `json:"steps" yaml:"steps"`
	CapabilitiesUsed  []string       `json:"capabilities_used" yaml:"capabilities_used"`
	SkillsUsed        []string       `json:"skills_used" yaml:"skills_used"`
	AgentsUsed        []string       `json:"agents_used" yaml:"agents_used"`
	InitialContext    map[string]any `json:"initial_context" yaml:"initial_context"`
}

// Step returns the step with id.
func (p *Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Clone returns a copy that shares no slices or top-level maps with p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.Params = maps.Clone(s.Params)
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.Group = append([]string(nil), s.Group...)
		out.Steps[i] = s
	}
	out.CapabilitiesUsed = append([]string(nil), p.CapabilitiesUsed...)
	out.SkillsUsed = append([]string(nil), p.SkillsUsed...)
	out.AgentsUsed = append([]string(nil), p.AgentsUsed...)
	out.InitialContext = maps.Clone(p.InitialContext)
	return &out
}

// ComputeComplexity derives complexity from step and capability counts.
func ComputeComplexity(steps, capabilities int) Complexity {
	switch {
	case steps <= 2 && capabilities <= 1:
		return ComplexitySimple
	case steps <= 4 && capabilities <= 2:
		return ComplexityModerate
	default:
		return ComplexityComplex
	}
}
