// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("deadline exceeded")
	he := New(CodeTimeout, "capability call timed out", cause)

	if he.Code != CodeTimeout {
		t.Errorf("expected CodeTimeout, got %v", he.Code)
	}
	if he.Message != "capability call timed out" {
		t.Errorf("unexpected message %q", he.Message)
	}
	if !errors.Is(he, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestWithContext(t *testing.T) {
	he := New(CodeToolFailure, "step failed", nil).
		WithContext("step", "step_1_firecrawl").
		WithContext("params", map[string]any{"url": "https://example.com"})

	if he.Context["step"] != "step_1_firecrawl" {
		t.Errorf("expected context step to be set")
	}
	if he.Context["params"] == nil {
		t.Errorf("expected context params to be set")
	}
}

func TestWithRecoverable(t *testing.T) {
	he := New(CodeToolFailure, "network error", nil)
	if he.Recoverable {
		t.Errorf("expected recoverable to be false by default")
	}
	he.WithRecoverable(true)
	if !he.Recoverable {
		t.Errorf("expected recoverable after WithRecoverable")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		he       *HandoffError
		expected string
	}{
		{
			name:     "with cause",
			he:       New(CodeTimeout, "operation timed out", errors.New("deadline exceeded")),
			expected: "[TIMEOUT] operation timed out: deadline exceeded",
		},
		{
			name:     "without cause",
			he:       New(CodeNotFound, "plan not found", nil),
			expected: "[NOT_FOUND] plan not found",
		},
		{
			name:     "formatted",
			he:       Newf(CodeInvalidPlan, "step %q depends on itself", "a"),
			expected: `[INVALID_PLAN] step "a" depends on itself`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.he.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestAs(t *testing.T) {
	wrapped := fmt.Errorf("save plan: %w", New(CodePersistence, "disk full", nil))

	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{name: "nil error", err: nil, expected: ""},
		{name: "already typed", err: New(CodeToolFailure, "failed", nil), expected: CodeToolFailure},
		{name: "wrapped typed", err: wrapped, expected: CodePersistence},
		{name: "generic error", err: errors.New("generic"), expected: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			he := As(tt.err)
			if tt.expected == "" {
				if he != nil {
					t.Errorf("expected nil for nil error")
				}
				return
			}
			if he == nil || he.Code != tt.expected {
				t.Errorf("expected %v, got %+v", tt.expected, he)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	inner := New(CodeTimeout, "slow", nil)
	outer := New(CodeToolFailure, "step failed", inner)

	if !IsCode(outer, CodeToolFailure) {
		t.Errorf("expected outer code to match")
	}
	if !IsCode(outer, CodeTimeout) {
		t.Errorf("expected nested code to match")
	}
	if IsCode(outer, CodeCancelled) {
		t.Errorf("unexpected match for CodeCancelled")
	}
	if IsCode(errors.New("plain"), CodeInternal) {
		t.Errorf("plain errors carry no code")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{New(CodeInvalidConfig, "bad config", nil), 2},
		{fmt.Errorf("load: %w", New(CodeInvalidConfig, "bad", nil)), 2},
		{New(CodeToolFailure, "x", nil), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMarshalJSON(t *testing.T) {
	he := New(CodeToolFailure, "capability failed", errors.New("network error")).
		WithContext("capability", "firecrawl").
		WithRecoverable(true)

	data, err := json.Marshal(he)
	if err != nil {
		t.Fatalf("unexpected error marshaling: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unexpected error unmarshaling: %v", err)
	}
	if result["code"] != "TOOL_FAILURE" {
		t.Errorf("expected code TOOL_FAILURE, got %v", result["code"])
	}
	if result["error"] != "network error" {
		t.Errorf("expected cause text, got %v", result["error"])
	}
	if result["recoverable"] != true {
		t.Errorf("expected recoverable true")
	}
}

func TestMessage(t *testing.T) {
	if got := Message(nil); got != "" {
		t.Errorf("Message(nil) = %q", got)
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Errorf("Message(plain) = %q", got)
	}
	inner := New(CodeTimeout, "operation exceeded timeout", errors.New("context deadline exceeded"))
	outer := New(CodeToolFailure, "scrape failed", inner)
	want := "scrape failed: operation exceeded timeout: context deadline exceeded"
	if got := Message(outer); got != want {
		t.Errorf("Message = %q, want %q", got, want)
	}
}
