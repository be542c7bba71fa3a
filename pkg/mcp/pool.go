// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/registry"
)

// ErrPoolClosed is returned when operations are attempted on a closed pool.
var ErrPoolClosed = stderrors.New("mcp pool is closed")

// Resolver returns the launch template of a capability's server.
// *registry.Registry satisfies it.
type Resolver interface {
	ServerConfig(name string) (registry.ServerConfig, bool)
}

// Dialer opens a session to the server of a capability.
type Dialer func(ctx context.Context, name string, cfg registry.ServerConfig) (*Client, error)

// StdioDialer launches the configured command and connects over stdio.
func StdioDialer(opts ...ClientOption) Dialer {
	return func(ctx context.Context, _ string, cfg registry.ServerConfig) (*Client, error) {
		return NewStdioClient(ctx, cfg.Command, cfg.Env, cfg.Args, opts...)
	}
}

type pooledClient struct {
	client   *Client
	refCount atomic.Int32
	lastUsed atomic.Int64
}

// Pool shares one session per capability across steps and tasks. Sessions
// are opened lazily on first use.
type Pool struct {
	resolver    Resolver
	dial        Dialer
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	clients map[string]*pooledClient
	dialing map[string]*dialCall
	closed  atomic.Bool

	dialed       atomic.Int64
	dialErrors   atomic.Int64
	healthPassed atomic.Int64
	healthFailed atomic.Int64
}

type dialCall struct {
	done chan struct{}
	err  error
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the stdio dialer.
func WithDialer(dial Dialer) PoolOption {
	return func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithIdleTimeout sets how long an unused session is kept by Prune.
func WithIdleTimeout(timeout time.Duration) PoolOption {
	return func(p *Pool) {
		if timeout > 0 {
			p.idleTimeout = timeout
		}
	}
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool resolving servers through resolver.
func NewPool(resolver Resolver, opts ...PoolOption) *Pool {
	p := &Pool{
		resolver:    resolver,
		dial:        StdioDialer(),
		idleTimeout: 5 * time.Minute,
		logger:      slog.Default(),
		now:         time.Now,
		clients:     make(map[string]*pooledClient),
		dialing:     make(map[string]*dialCall),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the session for name, dialing it if needed. Every Get must be
// paired with a Release.
func (p *Pool) Get(ctx context.Context, name string) (*Client, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	p.mu.Lock()
	if pc, ok := p.clients[name]; ok {
		pc.refCount.Add(1)
		pc.lastUsed.Store(p.now().UnixNano())
		p.mu.Unlock()
		return pc.client, nil
	}
	if call, ok := p.dialing[name]; ok {
		p.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, errors.New(errors.CodeCancelled, "waiting for mcp session", ctx.Err())
		}
		if call.err != nil {
			return nil, call.err
		}
		return p.Get(ctx, name)
	}
	cfg, ok := p.resolver.ServerConfig(name)
	if !ok || cfg.Command == "" {
		p.mu.Unlock()
		return nil, errors.New(errors.CodeUnavailable, fmt.Sprintf("no mcp server configured for %q", name), nil).
			WithContext("capability", name)
	}
	call := &dialCall{done: make(chan struct{})}
	p.dialing[name] = call
	p.mu.Unlock()

	client, err := p.dial(ctx, name, cfg)

	p.mu.Lock()
	delete(p.dialing, name)
	if err != nil {
		p.dialErrors.Add(1)
		call.err = err
		p.mu.Unlock()
		close(call.done)
		p.logger.Warn("mcp.dial.failed",
			slog.String("capability", name),
			slog.String("error", err.Error()))
		return nil, err
	}
	if p.closed.Load() {
		p.mu.Unlock()
		_ = client.Close()
		call.err = ErrPoolClosed
		close(call.done)
		return nil, ErrPoolClosed
	}
	pc := &pooledClient{client: client}
	pc.refCount.Store(1)
	pc.lastUsed.Store(p.now().UnixNano())
	p.clients[name] = pc
	p.mu.Unlock()
	close(call.done)

	p.dialed.Add(1)
	p.logger.Debug("mcp.dial.connected", slog.String("capability", name))
	return client, nil
}

// Release returns a session obtained from Get.
func (p *Pool) Release(name string, client *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.clients[name]; ok && pc.client == client {
		pc.refCount.Add(-1)
		pc.lastUsed.Store(p.now().UnixNano())
	}
}

// Drop closes and forgets the session for name, e.g. after it misbehaved.
func (p *Pool) Drop(name string) {
	p.mu.Lock()
	pc, ok := p.clients[name]
	delete(p.clients, name)
	p.mu.Unlock()
	if ok {
		_ = pc.client.Close()
	}
}

// Prune pings every idle session and closes the dead ones and those unused
// for longer than the idle timeout.
func (p *Pool) Prune(ctx context.Context) {
	p.mu.Lock()
	idle := make(map[string]*pooledClient)
	for name, pc := range p.clients {
		if pc.refCount.Load() == 0 {
			idle[name] = pc
		}
	}
	p.mu.Unlock()

	cutoff := p.now().Add(-p.idleTimeout).UnixNano()
	for name, pc := range idle {
		if pc.lastUsed.Load() < cutoff {
			p.logger.Debug("mcp.session.idle", slog.String("capability", name))
			p.remove(name, pc)
			continue
		}
		if err := pc.client.Ping(ctx); err != nil {
			p.healthFailed.Add(1)
			p.logger.Warn("mcp.session.unhealthy",
				slog.String("capability", name),
				slog.String("error", err.Error()))
			p.remove(name, pc)
			continue
		}
		p.healthPassed.Add(1)
	}
}

func (p *Pool) remove(name string, pc *pooledClient) {
	p.mu.Lock()
	current, ok := p.clients[name]
	if ok && current == pc && pc.refCount.Load() == 0 {
		delete(p.clients, name)
	} else {
		ok = false
	}
	p.mu.Unlock()
	if ok {
		_ = pc.client.Close()
	}
}

// Close closes every session. The pool cannot be used afterwards.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*pooledClient)
	p.mu.Unlock()

	var errs []error
	for name, pc := range clients {
		if err := pc.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return stderrors.Join(errs...)
}

// Connected returns the capabilities with an open session, sorted.
func (p *Pool) Connected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PoolStats contains pool counters.
type PoolStats struct {
	Sessions           int
	Dialed             int
	DialErrors         int
	HealthChecksPassed int
	HealthChecksFailed int
}

// Stats returns current pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	sessions := len(p.clients)
	p.mu.Unlock()
	return PoolStats{
		Sessions:           sessions,
		Dialed:             int(p.dialed.Load()),
		DialErrors:         int(p.dialErrors.Load()),
		HealthChecksPassed: int(p.healthPassed.Load()),
		HealthChecksFailed: int(p.healthFailed.Load()),
	}
}
