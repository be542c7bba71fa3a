// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

// ApprovalHookFor returns the approval hook for a configured mode: allow,
// deny or console.
func ApprovalHookFor(mode string, opts ...ConsoleApprovalOption) (ApprovalHook, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "allow":
		return StaticApprovalHook{Decision: Decision{Allowed: true, Reason: "auto-approved"}}, nil
	case "deny":
		return StaticApprovalHook{Decision: Decision{Reason: "approval denied by configuration"}}, nil
	case "console":
		return NewConsoleApprovalHook(opts...), nil
	}
	return nil, errors.New(errors.CodeInvalidConfig, fmt.Sprintf("unknown approval mode %q", mode), nil)
}

// StaticApprovalHook answers every request with Decision.
type StaticApprovalHook struct {
	Decision Decision
}

func (h StaticApprovalHook) Request(context.Context, Action) Decision {
	return h.Decision.settled("approval decision not set")
}

// ConsoleApprovalHook asks an operator on a terminal. Prompts go to stderr
// by default so stdout only carries results.
type ConsoleApprovalHook struct {
	in       io.Reader
	out      io.Writer
	timeout  time.Duration
	fallback Decision

	once  sync.Once
	lines chan string
}

type ConsoleApprovalOption func(*ConsoleApprovalHook)

func NewConsoleApprovalHook(opts ...ConsoleApprovalOption) *ConsoleApprovalHook {
	h := &ConsoleApprovalHook{in: os.Stdin, out: os.Stderr}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func WithApprovalInput(r io.Reader) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if r != nil {
			h.in = r
		}
	}
}

func WithApprovalOutput(w io.Writer) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if w != nil {
			h.out = w
		}
	}
}

// WithApprovalTimeout bounds the wait for an answer. Zero waits until the
// context ends.
func WithApprovalTimeout(timeout time.Duration) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithApprovalDefault is the decision taken when no answer arrives. Unset
// means deny.
func WithApprovalDefault(decision Decision) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		h.fallback = decision
	}
}

// Request prints the action and waits for a yes or no. Anything but an
// answer starting with "y" rejects.
func (h *ConsoleApprovalHook) Request(ctx context.Context, action Action) Decision {
	if h == nil || h.in == nil {
		return Decision{}.settled("approval input not available")
	}
	_, _ = io.WriteString(h.out, describeAction(action))

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	select {
	case <-ctx.Done():
		return h.fallback.settled("approval timed out")
	case line, ok := <-h.answers():
		if !ok {
			return h.fallback.settled("approval input closed")
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
			return Decision{Allowed: true, Status: DecisionStatusAllow, Reason: "approved by operator"}
		}
		return Decision{Status: DecisionStatusDeny, Reason: "rejected by operator"}
	}
}

// answers starts a single reader for the hook's lifetime, so a prompt that
// timed out does not leave a second reader racing the next one.
func (h *ConsoleApprovalHook) answers() <-chan string {
	h.once.Do(func() {
		h.lines = make(chan string)
		go func() {
			defer close(h.lines)
			scanner := bufio.NewScanner(h.in)
			for scanner.Scan() {
				h.lines <- scanner.Text()
			}
		}()
	})
	return h.lines
}

func describeAction(action Action) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nApproval required for %s %q\n", action.Type, action.Name)
	if rule := strings.TrimSpace(action.Metadata["policy_rule_id"]); rule != "" {
		fmt.Fprintf(&b, "Rule: %s\n", rule)
	}
	reason := strings.TrimSpace(action.Metadata["policy_reason"])
	if reason == "" {
		reason = "approval required"
	}
	fmt.Fprintf(&b, "Reason: %s\n", reason)

	keys := make([]string, 0, len(action.Metadata))
	for k := range action.Metadata {
		if !strings.HasPrefix(k, "policy_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, action.Metadata[k])
	}
	b.WriteString("Approve? [y/N]: ")
	return b.String()
}

// settled fills in Status from Allowed. A zero decision becomes a deny
// carrying reason.
func (d Decision) settled(reason string) Decision {
	switch {
	case d == (Decision{}):
		return Decision{Status: DecisionStatusDeny, Reason: reason}
	case d.Status != "":
		return d
	case d.Allowed:
		d.Status = DecisionStatusAllow
	default:
		d.Status = DecisionStatusDeny
	}
	return d
}
