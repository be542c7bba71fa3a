// Package core holds what every pipeline component shares: run and task
// identifiers carried on the context, task events and health checks.
package core

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type idKey int

const (
	runKey idKey = iota
	taskKey
)

func withID(ctx context.Context, key idKey, id string) context.Context {
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key idKey) (string, bool) {
	id, ok := ctx.Value(key).(string)
	return id, ok && id != ""
}

func WithRunID(ctx context.Context, id string) context.Context { return withID(ctx, runKey, id) }

// RunID is the id of the current orchestration, one per Orchestrate call.
func RunID(ctx context.Context) (string, bool) { return idFrom(ctx, runKey) }

// EnsureRunID returns ctx unchanged when it already carries a run id, or a
// child with a fresh "run-<uuid>" one.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := "run-" + uuid.NewString()
	return WithRunID(ctx, id), id
}

func WithTaskID(ctx context.Context, id string) context.Context { return withID(ctx, taskKey, id) }

// TaskID is the ledger id of the task being worked on.
func TaskID(ctx context.Context) (string, bool) { return idFrom(ctx, taskKey) }

// NewTaskID returns task_YYYYmmdd_HHMMSS_<8 hex>.
func NewTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "task_" + now.Format("20060102_150405") + "_" + suffix
}
