package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/errors"
)

// Invoker runs capability calls as MCP tool calls on the target's server.
type Invoker struct {
	pool   *Pool
	logger *slog.Logger
}

// NewInvoker creates an invoker drawing sessions from pool.
func NewInvoker(pool *Pool, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{pool: pool, logger: logger}
}

// Invoke implements capability.Invoker. When the call names no tool and the
// server exposes exactly one, that tool is used.
func (i *Invoker) Invoke(ctx context.Context, call capability.Call) (capability.Result, error) {
	client, err := i.pool.Get(ctx, call.Target)
	if err != nil {
		return capability.Result{}, err
	}
	defer i.pool.Release(call.Target, client)

	tool := call.Tool
	if tool == "" {
		tool, err = soleTool(ctx, client)
		if err != nil {
			return capability.Result{}, errors.New(errors.CodeInvalidInput, "no tool named for "+call.Target, err).
				WithContext("target", call.Target)
		}
	}

	res, err := client.CallTool(ctx, tool, call.Params)
	if err != nil {
		if errors.IsCode(err, errors.CodeToolFailure) {
			// A session that keeps failing is reopened on the next call.
			i.pool.Drop(call.Target)
		}
		i.logger.Warn("mcp.tool.failed",
			slog.String("target", call.Target),
			slog.String("tool", tool),
			slog.String("error", err.Error()))
		return capability.Result{}, err
	}
	return toResult(res), nil
}

func soleTool(ctx context.Context, client *Client) (string, error) {
	names, err := client.ToolNames(ctx)
	if err != nil {
		return "", err
	}
	if len(names) != 1 {
		return "", fmt.Errorf("server exposes %d tools", len(names))
	}
	return names[0], nil
}

// toResult maps an MCP tool result onto a capability result. Structured
// content wins over text.
func toResult(res *mcp.CallToolResult) capability.Result {
	if res == nil {
		return capability.Failed("empty tool result")
	}
	text := textContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return capability.Failed("%s", text)
	}
	if res.StructuredContent != nil {
		return capability.OK(res.StructuredContent)
	}
	if text != "" {
		return capability.OK(text)
	}
	return capability.OK(nil)
}

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
