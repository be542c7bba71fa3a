// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the catalogue of external capabilities (MCP servers)
// the orchestrator knows about, scores them against free text and tracks
// which of them are installed.
//
// The catalogue is seeded at construction and never shrinks. The installed
// set is the only mutable state; it is persisted to a small JSON document so
// an external installer can flip entries while the process runs.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/handoff/pkg/errors"
)

// Category groups capabilities by domain.
type Category string

const (
	CategoryBrowser       Category = "browser"
	CategoryDatabase      Category = "database"
	CategorySearch        Category = "search"
	CategoryFilesystem    Category = "filesystem"
	CategoryDevOps        Category = "devops"
	CategoryWorkflow      Category = "workflow"
	CategoryCommunication Category = "communication"
	CategoryAITools       Category = "ai_tools"
	CategoryScraping      Category = "scraping"
	CategoryDocs          Category = "docs"
	CategoryUtility       Category = "utility"
	CategoryCloud         Category = "cloud"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryBrowser,
	CategoryDatabase,
	CategorySearch,
	CategoryFilesystem,
	CategoryDevOps,
	CategoryWorkflow,
	CategoryCommunication,
	CategoryAITools,
	CategoryScraping,
	CategoryDocs,
	CategoryUtility,
	CategoryCloud,
}

// SubCapability is one named ability of a capability with its own triggers.
type SubCapability struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Keywords    []string `json:"keywords" yaml:"keywords"`
}

// ServerConfig describes how to launch a capability's MCP server.
type ServerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// InstallDescriptor is opaque to the pipeline; it is surfaced to users and
// handed to the MCP layer.
type InstallDescriptor struct {
	Command string       `json:"command" yaml:"command"`
	Server  ServerConfig `json:"server" yaml:"server"`
}

// Capability is a registry entry.
type Capability struct {
	Name         string            `json:"name"`
	Package      string            `json:"package"`
	Description  string            `json:"description"`
	Category     Category          `json:"category"`
	Keywords     []string          `json:"keywords"`
	Capabilities []SubCapability   `json:"capabilities"`
	Install      InstallDescriptor `json:"install"`
	Official     bool              `json:"official"`
}

// Score rates how well the capability matches free text, in [0, 1].
//
// Every test is a substring test on the lower-cased text: keyword +0.2,
// sub-capability keyword +0.15, own name +0.3, description word longer than
// four characters +0.05.
func (c Capability) Score(text string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	for _, kw := range c.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			score += 0.2
		}
	}
	for _, sub := range c.Capabilities {
		for _, kw := range sub.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score += 0.15
			}
		}
	}
	if strings.Contains(lower, strings.ToLower(c.Name)) {
		score += 0.3
	}
	for _, word := range strings.Fields(strings.ToLower(c.Description)) {
		if len(word) > 4 && strings.Contains(lower, word) {
			score += 0.05
		}
	}
	return min(1.0, score)
}

// PrimaryCapability returns the first sub-capability name or "general".
func (c Capability) PrimaryCapability() string {
	if len(c.Capabilities) == 0 {
		return "general"
	}
	return c.Capabilities[0].Name
}

// ScoredCapability pairs a capability with its intent score.
type ScoredCapability struct {
	Capability Capability
	Score      float64
}

// MinScore is the score a capability must exceed to be reported by FindForIntent.
const MinScore = 0.1

// Registry is the capability catalogue plus the installed set.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	entries   map[string]Capability
	installed map[string]bool
	state     *stateFile
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStatePath persists the installed set to path.
func WithStatePath(path string) Option {
	return func(r *Registry) {
		if path != "" {
			r.state = &stateFile{path: path}
		}
	}
}

// WithLogger sets the logger used for persistence warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithInstalled marks names installed at construction without persisting.
func WithInstalled(names ...string) Option {
	return func(r *Registry) {
		for _, name := range names {
			r.installed[name] = true
		}
	}
}

// WithCapabilities replaces the built-in seed.
func WithCapabilities(caps ...Capability) Option {
	return func(r *Registry) {
		r.order = nil
		r.entries = make(map[string]Capability, len(caps))
		for _, c := range caps {
			r.add(c)
		}
	}
}

// New creates a registry seeded with the built-in capabilities.
// When a state path is configured the installed set is loaded from it; a
// missing file is not an error.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		entries:   make(map[string]Capability),
		installed: make(map[string]bool),
		logger:    slog.Default(),
	}
	for _, c := range builtinCapabilities() {
		r.add(c)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.state != nil {
		names, err := r.state.load()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			r.installed[name] = true
		}
	}
	return r, nil
}

func (r *Registry) add(c Capability) {
	if _, exists := r.entries[c.Name]; !exists {
		r.order = append(r.order, c.Name)
	}
	r.entries[c.Name] = c
}

// Register adds or replaces a capability. Entries are never removed.
func (r *Registry) Register(c Capability) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New(errors.CodeInvalidInput, "capability name is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(c)
	return nil
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[name]
	return c, ok
}

// Names returns every registered name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List returns every capability in registration order.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// ByCategory returns the capabilities in category, in registration order.
func (r *Registry) ByCategory(category Category) []Capability {
	var out []Capability
	for _, c := range r.List() {
		if c.Category == category {
			out = append(out, c)
		}
	}
	return out
}

// FindForIntent scores every capability against text and returns at most
// topK entries scoring above MinScore, best first. Equal scores keep
// registration order.
func (r *Registry) FindForIntent(text string, topK int) []ScoredCapability {
	var scored []ScoredCapability
	for _, c := range r.List() {
		if s := c.Score(text); s > MinScore {
			scored = append(scored, ScoredCapability{Capability: c, Score: s})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// IsInstalled reports whether name is in the installed set.
func (r *Registry) IsInstalled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installed[name]
}

// Installed returns the installed names in registration order, followed by
// any installed names the catalogue does not know.
func (r *Registry) Installed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installedLocked()
}

func (r *Registry) installedLocked() []string {
	var out []string
	seen := make(map[string]bool, len(r.installed))
	for _, name := range r.order {
		if r.installed[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	var extra []string
	for name, ok := range r.installed {
		if ok && !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// MarkInstalled adds name to the installed set and persists it.
func (r *Registry) MarkInstalled(name string) error {
	return r.setInstalled(name, true)
}

// MarkUninstalled removes name from the installed set and persists it.
func (r *Registry) MarkUninstalled(name string) error {
	return r.setInstalled(name, false)
}

func (r *Registry) setInstalled(name string, installed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if installed {
		r.installed[name] = true
	} else {
		delete(r.installed, name)
	}
	if r.state == nil {
		return nil
	}
	if err := r.state.save(r.installedLocked(), len(r.order)); err != nil {
		r.logger.Warn("registry.state.save_failed",
			slog.String("path", r.state.path),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Reload re-reads the installed set from the state file.
func (r *Registry) Reload() error {
	if r.state == nil {
		return nil
	}
	names, err := r.state.load()
	if err != nil {
		return err
	}
	installed := make(map[string]bool, len(names))
	for _, name := range names {
		installed[name] = true
	}
	r.mu.Lock()
	r.installed = installed
	r.mu.Unlock()
	return nil
}

// StatePath returns the configured state file path, if any.
func (r *Registry) StatePath() string {
	if r.state == nil {
		return ""
	}
	return r.state.path
}

// InstallCommand returns the install command for name.
func (r *Registry) InstallCommand(name string) (string, bool) {
	c, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return c.Install.Command, true
}

// ServerConfig returns the launch template for name.
func (r *Registry) ServerConfig(name string) (ServerConfig, bool) {
	c, ok := r.Get(name)
	if !ok {
		return ServerConfig{}, false
	}
	return c.Install.Server, true
}

// CapabilitiesSummary maps every category to the distinct sub-capability
// keywords of its members, sorted.
func (r *Registry) CapabilitiesSummary() map[Category][]string {
	summary := make(map[Category][]string, len(Categories))
	for _, category := range Categories {
		seen := make(map[string]bool)
		keywords := []string{}
		for _, c := range r.ByCategory(category) {
			for _, sub := range c.Capabilities {
				for _, kw := range sub.Keywords {
					if !seen[kw] {
						seen[kw] = true
						keywords = append(keywords, kw)
					}
				}
			}
		}
		sort.Strings(keywords)
		summary[category] = keywords
	}
	return summary
}

// ExportMarkdown renders the catalogue grouped by category.
func (r *Registry) ExportMarkdown() string {
	var b strings.Builder
	b.WriteString("# Available MCP Servers\n")
	for _, category := range Categories {
		caps := r.ByCategory(category)
		if len(caps) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", titleCase(string(category)))
		for _, c := range caps {
			status := ""
			if r.IsInstalled(c.Name) {
				status = " [installed]"
			}
			fmt.Fprintf(&b, "- **%s**%s: %s\n", c.Name, status, c.Description)
		}
	}
	return b.String()
}

func titleCase(s string) string {
	parts := strings.Split(s, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "_")
}
