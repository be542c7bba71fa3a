// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/handoff/pkg/core"
)

// ConfigureSlog installs NewLogger as the slog default and returns it.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := NewLogger(output, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger returns a text or JSON logger whose records carry the trace,
// span, task and run ids found on the context.
func NewLogger(output io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var base slog.Handler = slog.NewTextHandler(output, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		base = slog.NewJSONHandler(output, opts)
	}
	return slog.New(contextHandler{next: base})
}

// contextAttrs pulls correlation ids off a context, in output order.
var contextAttrs = []struct {
	key string
	get func(context.Context) (string, bool)
}{
	{"trace_id", func(ctx context.Context) (string, bool) {
		sc := trace.SpanContextFromContext(ctx)
		return sc.TraceID().String(), sc.IsValid()
	}},
	{"span_id", func(ctx context.Context) (string, bool) {
		sc := trace.SpanContextFromContext(ctx)
		return sc.SpanID().String(), sc.IsValid()
	}},
	{"task_id", core.TaskID},
	{"run_id", core.RunID},
}

// contextHandler adds the context ids a record does not already carry.
type contextHandler struct {
	next slog.Handler
}

func (h contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.next.Handle(ctx, record)
	}
	var present map[string]bool
	for _, a := range contextAttrs {
		value, ok := a.get(ctx)
		if !ok || value == "" {
			continue
		}
		if present == nil {
			present = attrKeys(record)
		}
		if !present[a.key] {
			record.AddAttrs(slog.String(a.key, value))
		}
	}
	return h.next.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{next: h.next.WithGroup(name)}
}

func attrKeys(record slog.Record) map[string]bool {
	keys := make(map[string]bool, record.NumAttrs())
	record.Attrs(func(a slog.Attr) bool {
		keys[a.Key] = true
		return true
	})
	return keys
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
