// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	// HealthHealthy indicates the component is fully operational.
	HealthHealthy HealthStatus = "HEALTHY"

	// HealthDegraded indicates the component works with reduced capacity,
	// e.g. the installed-set cannot be persisted.
	HealthDegraded HealthStatus = "DEGRADED"

	// HealthUnhealthy indicates the component is not operational.
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult represents the result of a health check.
type HealthResult struct {
	Status    HealthStatus `json:"status"`
	Component string       `json:"component"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

// HealthChecker checks the health of a component.
type HealthChecker interface {
	// Check returns the current health status of the component.
	// The context can be used to implement timeouts.
	Check(ctx context.Context) HealthResult
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) HealthResult

// Check calls f and stamps LastCheck when f did not.
func (f HealthFunc) Check(ctx context.Context) HealthResult {
	result := f(ctx)
	if result.LastCheck.IsZero() {
		result.LastCheck = time.Now()
	}
	return result
}

// Healthy returns a healthy result with msg.
func Healthy(msg string) HealthResult {
	return HealthResult{Status: HealthHealthy, Message: msg, LastCheck: time.Now()}
}

// Unhealthy returns an unhealthy result carrying err.
func Unhealthy(err error) HealthResult {
	return HealthResult{Status: HealthUnhealthy, Message: errors.Message(err), LastCheck: time.Now()}
}

// Health runs registered checkers, each under a timeout.
type Health struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	timeout  time.Duration
}

// NewHealth creates an empty set of checks. A zero timeout means 5s.
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Health{checkers: make(map[string]HealthChecker), timeout: timeout}
}

// Register adds a checker for a component.
func (h *Health) Register(name string, checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Check checks the health of a specific component.
func (h *Health) Check(ctx context.Context, name string) (HealthResult, error) {
	h.mu.RLock()
	checker, ok := h.checkers[name]
	h.mu.RUnlock()
	if !ok {
		return HealthResult{}, errors.New(errors.CodeNotFound, "checker not registered: "+name, nil)
	}
	return h.run(ctx, name, checker), nil
}

// CheckAll checks every component, sorted by name. The overall status is
// the worst individual status.
func (h *Health) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	overall := HealthHealthy
	results := make([]HealthResult, 0, len(names))
	for _, name := range names {
		h.mu.RLock()
		checker := h.checkers[name]
		h.mu.RUnlock()
		result := h.run(ctx, name, checker)
		results = append(results, result)
		switch result.Status {
		case HealthUnhealthy:
			overall = HealthUnhealthy
		case HealthDegraded:
			if overall == HealthHealthy {
				overall = HealthDegraded
			}
		}
	}
	return results, overall
}

func (h *Health) run(ctx context.Context, name string, checker HealthChecker) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	result := checker.Check(ctx)
	result.Component = name
	if result.Status == "" {
		result.Status = HealthUnhealthy
	}
	return result
}
