// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// EventType identifies a task lifecycle event.
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskProgress  EventType = "task.progress"
	EventTaskCompleted EventType = "task.completed"
	EventTaskBlocked   EventType = "task.blocked"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskWarning   EventType = "task.warning"
	EventTestsFailed   EventType = "tests.failed"
)

// Event captures one lifecycle event.
type Event struct {
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, taskID, message string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		TaskID:    taskID,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventEmitter receives events. Emit must not block for long.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter drops every event.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event Event)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }

// MultiEmitter fans an event out to every emitter in order.
type MultiEmitter []EventEmitter

// Emit implements EventEmitter.
func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, event)
		}
	}
}

// LogEmitter writes events to a logger. Warnings and blocked tasks log at
// warn level.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements EventEmitter.
func (l LogEmitter) Emit(ctx context.Context, event Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch event.Type {
	case EventTaskWarning, EventTaskBlocked, EventTestsFailed:
		level = slog.LevelWarn
	case EventTaskProgress:
		level = slog.LevelDebug
	}
	logger.LogAttrs(ctx, level, string(event.Type),
		slog.String("task_id", event.TaskID),
		slog.String("message", event.Message),
	)
}

// JSONLEmitter appends one JSON document per event to a file, the format
// external log consumers tail.
type JSONLEmitter struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewJSONLEmitter appends to path. Write failures are logged and dropped.
func NewJSONLEmitter(path string, logger *slog.Logger) *JSONLEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLEmitter{path: path, logger: logger}
}

// Emit implements EventEmitter.
func (j *JSONLEmitter) Emit(_ context.Context, event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		j.logger.Warn("core.event.encode_failed", slog.String("type", string(event.Type)), slog.String("error", err.Error()))
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		j.logger.Warn("core.event.write_failed", slog.String("path", j.path), slog.String("error", err.Error()))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		j.logger.Warn("core.event.write_failed", slog.String("path", j.path), slog.String("error", err.Error()))
	}
}
