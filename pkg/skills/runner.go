// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/errors"
)

// Request is what a Handler receives.
type Request struct {
	Skill   SkillSpec
	Params  map[string]any
	Context map[string]any
}

// Handler runs one skill in process.
type Handler interface {
	Run(ctx context.Context, req Request) (capability.Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (capability.Result, error)

// Run calls f.
func (f HandlerFunc) Run(ctx context.Context, req Request) (capability.Result, error) {
	return f(ctx, req)
}

// Runner serves skill-invoke calls.
type Runner struct {
	mu       sync.RWMutex
	specs    map[string]SkillSpec
	handlers map[string]Handler
	executor capability.Invoker
	logger   *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHandler registers an in-process handler for a skill name.
func WithHandler(name string, h Handler) RunnerOption {
	return func(r *Runner) { r.handlers[name] = h }
}

// WithExecutor sets the invoker that runs instruction-only skills. It
// receives the skill body as the "instructions" parameter.
func WithExecutor(inv capability.Invoker) RunnerOption {
	return func(r *Runner) { r.executor = inv }
}

// WithSkills adds loaded skill definitions.
func WithSkills(specs ...SkillSpec) RunnerOption {
	return func(r *Runner) {
		for _, s := range specs {
			r.specs[s.Name] = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		specs:    make(map[string]SkillSpec),
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a handler at runtime.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names returns every runnable skill, sorted.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.specs)+len(r.handlers))
	for name := range r.specs {
		seen[name] = true
	}
	for name := range r.handlers {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec returns the definition of name, if one was loaded.
func (r *Runner) Spec(name string) (SkillSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Invoke implements capability.Invoker. A registered handler wins over a
// SKILL.md definition of the same name.
func (r *Runner) Invoke(ctx context.Context, call capability.Call) (capability.Result, error) {
	r.mu.RLock()
	spec, hasSpec := r.specs[call.Target]
	handler, hasHandler := r.handlers[call.Target]
	executor := r.executor
	r.mu.RUnlock()

	if !hasSpec {
		spec = SkillSpec{Name: call.Target}
	}
	switch {
	case hasHandler:
		r.logger.Debug("skills.run", slog.String("skill", call.Target), slog.String("mode", "handler"))
		return handler.Run(ctx, Request{Skill: spec, Params: call.Params, Context: call.Context})
	case hasSpec && executor != nil:
		r.logger.Debug("skills.run", slog.String("skill", call.Target), slog.String("mode", "instructions"))
		params := make(map[string]any, len(call.Params)+2)
		for k, v := range call.Params {
			params[k] = v
		}
		params["instructions"] = spec.Body
		if resources, err := spec.Resources(); err == nil && len(resources) > 0 {
			params["resources"] = resources
		}
		if len(spec.Capabilities) > 0 {
			params["capabilities"] = spec.Capabilities
		}
		forwarded := call
		forwarded.Params = params
		if forwarded.Timeout == 0 {
			forwarded.Timeout = spec.Timeout
		}
		return executor.Invoke(ctx, forwarded)
	default:
		return capability.Result{}, errors.New(errors.CodeUnavailable,
			fmt.Sprintf("skill %q is not available", call.Target), nil).
			WithContext("skill", call.Target)
	}
}

var resourceDirs = []string{"scripts", "references", "assets"}

// Resources lists the files shipped next to SKILL.md.
func (s SkillSpec) Resources() ([]string, error) {
	if s.Dir == "" {
		return nil, nil
	}
	var out []string
	for _, sub := range resourceDirs {
		entries, err := os.ReadDir(filepath.Join(s.Dir, sub))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				out = append(out, filepath.Join(sub, entry.Name()))
			}
		}
	}
	return out, nil
}

// LoadResource reads a file from the skill directory. Paths escaping the
// directory are rejected.
func (s SkillSpec) LoadResource(path string) (string, error) {
	if path == "" {
		return "", errors.New(errors.CodeInvalidInput, "resource path is required", nil)
	}
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.New(errors.CodeInvalidInput, "invalid resource path: "+path, nil)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, clean))
	if err != nil {
		return "", errors.New(errors.CodeNotFound, "load resource "+path, err)
	}
	return string(data), nil
}
