// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a circuit breaker. Zero values take the
// defaults noted on each field.
type CircuitBreakerConfig struct {
	Name string
	// Consecutive failures that open a closed breaker. Default 5.
	FailureThreshold int
	// Probe successes that close a half-open breaker. Default 2.
	SuccessThreshold int
	// How long an open breaker rejects calls before probing. Default 30s.
	Timeout time.Duration
	// OnStateChange, when set, is called after every transition. It runs
	// without the breaker lock held.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Name == "" {
		c.Name = "circuit_breaker"
	}
	return c
}

// CircuitBreaker stops calling a target that keeps failing. The protected
// function never runs under the lock.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    CircuitBreakerState
	streak   int // consecutive failures when closed, successes when half-open
	openedAt time.Time
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config.withDefaults(), state: StateClosed, now: time.Now}
}

// Call runs fn unless the breaker is open, in which case it fails fast with
// a recoverable CodeUnavailable error. Failures caused by ctx ending are not
// held against the target.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		return err
	}
	cb.observe(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	var change func()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) > cb.config.Timeout {
		change = cb.moveTo(StateHalfOpen)
	}
	state, openedAt := cb.state, cb.openedAt
	cb.mu.Unlock()
	notify(change)

	if state != StateOpen {
		return nil
	}
	return errors.New(errors.CodeUnavailable, "circuit breaker open", nil).
		WithContext("breaker", cb.config.Name).
		WithContext("retry_after", openedAt.Add(cb.config.Timeout).Format(time.RFC3339)).
		WithRecoverable(true)
}

func (cb *CircuitBreaker) observe(ok bool) {
	cb.mu.Lock()
	var change func()
	switch {
	case !ok && cb.state == StateHalfOpen:
		change = cb.moveTo(StateOpen)
	case !ok:
		cb.streak++
		if cb.streak >= cb.config.FailureThreshold {
			change = cb.moveTo(StateOpen)
		}
	case cb.state == StateHalfOpen:
		cb.streak++
		if cb.streak >= cb.config.SuccessThreshold {
			change = cb.moveTo(StateClosed)
		}
	default:
		cb.streak = 0
	}
	cb.mu.Unlock()
	notify(change)
}

// moveTo switches state and returns the pending notification. Callers hold
// mu and run the notification after releasing it.
func (cb *CircuitBreaker) moveTo(to CircuitBreakerState) func() {
	from := cb.state
	cb.state = to
	cb.streak = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	if hook := cb.config.OnStateChange; hook != nil && from != to {
		name := cb.config.Name
		return func() { hook(name, from, to) }
	}
	return nil
}

func notify(change func()) {
	if change != nil {
		change()
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and forgets its history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.moveTo(StateClosed)
	cb.mu.Unlock()
	notify(change)
}

// BreakerSet hands out one breaker per target name, all sharing a config.
type BreakerSet struct {
	config CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewBreakerSet(config CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[name]
	if !ok {
		cfg := s.config
		cfg.Name = name
		cb = NewCircuitBreaker(cfg)
		s.breakers[name] = cb
	}
	return cb
}

// States snapshots every breaker created so far.
func (s *BreakerSet) States() map[string]CircuitBreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CircuitBreakerState, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.State()
	}
	return out
}
