// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp connects plan steps to MCP servers. A Client wraps one mcp-go
// session, a Pool shares sessions per capability and an Invoker turns
// capability calls into MCP tool calls.
package mcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/resilience"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultRetries  = 2
	defaultBackoff  = 200 * time.Millisecond
	defaultCacheTTL = 30 * time.Second
	initTimeout     = 10 * time.Second
)

// ClientName is reported to servers during initialization.
const ClientName = "handoff-client"

// ClientVersion is reported to servers during initialization.
var ClientVersion = "0.1.0"

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRetry configures how many times a failed request is repeated and the
// initial backoff between attempts.
func WithRetry(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retry = c.retry.WithMaxAttempts(retries + 1)
		}
		if backoff > 0 {
			c.retry = c.retry.WithInitialDelay(backoff)
		}
	}
}

// WithToolCacheTTL sets the tool discovery cache TTL. Use 0 to disable caching.
func WithToolCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl >= 0 {
			c.tools.ttl = ttl
		}
	}
}

// Client is an initialized MCP session. Requests are retried on transport
// failures and bounded by the client timeout.
type Client struct {
	session client.MCPClient
	timeout time.Duration
	retry   resilience.RetryConfig
	now     func() time.Time
	tools   toolCache
}

// toolCache holds the last tools/list answer for ttl. A zero ttl disables it.
type toolCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	tools   []mcp.Tool
	expires time.Time
}

func (tc *toolCache) get(now time.Time) ([]mcp.Tool, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.ttl == 0 || tc.tools == nil || now.After(tc.expires) {
		return nil, false
	}
	return append([]mcp.Tool(nil), tc.tools...), true
}

func (tc *toolCache) put(now time.Time, tools []mcp.Tool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.ttl == 0 {
		return
	}
	tc.tools = append(make([]mcp.Tool, 0, len(tools)), tools...)
	tc.expires = now.Add(tc.ttl)
}

// NewClient wraps an already initialized session.
func NewClient(session client.MCPClient, opts ...ClientOption) *Client {
	c := &Client{
		session: session,
		timeout: defaultTimeout,
		retry: resilience.DefaultRetryConfig().
			WithMaxAttempts(defaultRetries + 1).
			WithInitialDelay(defaultBackoff),
		now:   time.Now,
		tools: toolCache{ttl: defaultCacheTTL},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry = c.retry.WithIsRecoverable(retryable)
	return c
}

// Connect starts and initializes session, then wraps it.
func Connect(ctx context.Context, session *client.Client, opts ...ClientOption) (*Client, error) {
	if err := session.Start(ctx); err != nil {
		_ = session.Close()
		return nil, errors.New(errors.CodeUnavailable, "start mcp session", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    ClientName,
		Version: ClientVersion,
	}
	if _, err := session.Initialize(initCtx, req); err != nil {
		_ = session.Close()
		return nil, errors.New(errors.CodeUnavailable, "initialize mcp session", err)
	}
	return NewClient(session, opts...), nil
}

// NewStdioClient launches command as a subprocess server and connects to it.
func NewStdioClient(ctx context.Context, command string, env map[string]string, args []string, opts ...ClientOption) (*Client, error) {
	session, err := client.NewStdioMCPClient(command, environ(env), args...)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "launch mcp server", err).
			WithContext("command", command)
	}
	return Connect(ctx, session, opts...)
}

// NewHTTPClient connects to a Streamable HTTP server.
func NewHTTPClient(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	session, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "create mcp http client", err).
			WithContext("url", url)
	}
	return Connect(ctx, session, opts...)
}

// ListTools retrieves the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if tools, ok := c.tools.get(c.now()); ok {
		return tools, nil
	}
	resp, err := roundTrip(ctx, c, "list tools", func(ctx context.Context) (*mcp.ListToolsResult, error) {
		return c.session.ListTools(ctx, mcp.ListToolsRequest{})
	})
	if err != nil {
		return nil, err
	}
	c.tools.put(c.now(), resp.Tools)
	return resp.Tools, nil
}

// ToolNames returns the sorted names of the server's tools.
func (c *Client) ToolNames(ctx context.Context) ([]string, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return roundTrip(ctx, c, "call tool "+name, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return c.session.CallTool(ctx, req)
	})
}

// Ping checks the session is alive. It is not retried.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return classify("ping", c.session.Ping(ctx))
}

func (c *Client) Close() error { return c.session.Close() }

// roundTrip runs one request under the client's retry policy, each attempt
// bounded by the client timeout.
func roundTrip[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	return resilience.Retry(ctx, c.retry, func(ctx context.Context) (T, error) {
		ctx, cancel := c.bounded(ctx)
		defer cancel()
		v, err := fn(ctx)
		return v, classify(op, err)
	})
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps transport errors onto handoff codes. Cancellation and
// deadlines are final; everything else may be retried.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, context.Canceled):
		return errors.New(errors.CodeCancelled, op, err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.New(errors.CodeTimeout, op, err)
	default:
		return errors.New(errors.CodeToolFailure, op, err).WithRecoverable(true)
	}
}

func retryable(err error) bool {
	return errors.IsCode(err, errors.CodeToolFailure) && errors.IsRecoverable(err)
}

func environ(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}
