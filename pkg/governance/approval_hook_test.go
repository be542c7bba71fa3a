// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

func TestConsoleApprovalHook(t *testing.T) {
	var out bytes.Buffer
	hook := NewConsoleApprovalHook(WithApprovalInput(strings.NewReader("yes\n")), WithApprovalOutput(&out))

	decision := hook.Request(context.Background(), Action{
		Type: ActionCapability,
		Name: "postgresql",
		Metadata: map[string]string{
			"policy_reason": "destructive action detected: drop",
			"intent":        "drop the staging tables",
		},
	})
	if !decision.IsAllowed() {
		t.Fatalf("expected approval, got %+v", decision)
	}
	text := out.String()
	for _, want := range []string{`capability "postgresql"`, "Reason: destructive action detected: drop", "intent: drop the staging tables"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in prompt output %q", want, text)
		}
	}

	hook = NewConsoleApprovalHook(WithApprovalInput(strings.NewReader("n\n")), WithApprovalOutput(io.Discard))
	if hook.Request(context.Background(), Action{}).IsAllowed() {
		t.Fatal("expected rejection")
	}
}

func TestConsoleApprovalHookTimeout(t *testing.T) {
	blocked, writer := io.Pipe()
	defer writer.Close()
	hook := NewConsoleApprovalHook(
		WithApprovalInput(blocked),
		WithApprovalOutput(io.Discard),
		WithApprovalTimeout(20*time.Millisecond),
	)
	decision := hook.Request(context.Background(), Action{Type: ActionAgent, Name: "deploy-agent"})
	if !decision.IsDenied() || decision.Reason != "approval timed out" {
		t.Fatalf("expected deny on timeout, got %+v", decision)
	}
}

func TestApprovalHookFor(t *testing.T) {
	ctx := context.Background()
	allow, err := ApprovalHookFor("allow")
	if err != nil || !allow.Request(ctx, Action{}).IsAllowed() {
		t.Fatalf("allow mode should approve: %v", err)
	}
	deny, err := ApprovalHookFor("DENY")
	if err != nil || !deny.Request(ctx, Action{}).IsDenied() {
		t.Fatalf("deny mode should reject: %v", err)
	}
	if _, ok := mustHook(t, "console").(*ConsoleApprovalHook); !ok {
		t.Fatal("console mode should prompt")
	}
	if _, err := ApprovalHookFor("slack"); !errors.IsCode(err, errors.CodeInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func mustHook(t *testing.T, mode string) ApprovalHook {
	t.Helper()
	h, err := ApprovalHookFor(mode)
	if err != nil {
		t.Fatalf("ApprovalHookFor(%q): %v", mode, err)
	}
	return h
}

func TestConsoleApprovalHookClosedInput(t *testing.T) {
	hook := NewConsoleApprovalHook(WithApprovalInput(strings.NewReader("")), WithApprovalOutput(io.Discard))
	if d := hook.Request(context.Background(), Action{}); !d.IsDenied() || d.Reason != "approval input closed" {
		t.Fatalf("expected deny on closed input, got %+v", d)
	}

	hook = NewConsoleApprovalHook(
		WithApprovalInput(strings.NewReader("")),
		WithApprovalOutput(io.Discard),
		WithApprovalDefault(Decision{Allowed: true, Reason: "unattended"}),
	)
	if d := hook.Request(context.Background(), Action{}); !d.IsAllowed() || d.Reason != "unattended" {
		t.Fatalf("expected the default decision, got %+v", d)
	}
}

func TestConsoleApprovalHookSequentialAnswers(t *testing.T) {
	hook := NewConsoleApprovalHook(WithApprovalInput(strings.NewReader("y\nno\n")), WithApprovalOutput(io.Discard))
	if !hook.Request(context.Background(), Action{Name: "first"}).IsAllowed() {
		t.Fatal("first answer should approve")
	}
	if !hook.Request(context.Background(), Action{Name: "second"}).IsDenied() {
		t.Fatal("second answer should reject")
	}
}
