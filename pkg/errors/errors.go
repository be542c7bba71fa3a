// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors for the handoff orchestration pipeline.
//
// Step failures, hook rejections and persistence problems all travel as
// *HandoffError so the engine can decide between falling back, blocking the
// plan or only logging.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies handoff errors for recovery decisions and telemetry.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidConfig indicates configuration failed validation.
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// CodeInvalidPlan indicates a plan violates its structural invariants.
	CodeInvalidPlan ErrorCode = "INVALID_PLAN"

	// CodeToolFailure indicates a capability, skill or agent call failed.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnavailable indicates a collaborator is not installed or not reachable.
	CodeUnavailable ErrorCode = "UNAVAILABLE"

	// CodeHookRejected indicates a BEFORE hook refused the task.
	CodeHookRejected ErrorCode = "HOOK_REJECTED"

	// CodePersistence indicates a plan store or ledger write failed.
	CodePersistence ErrorCode = "PERSISTENCE_ERROR"

	// CodeCancelled indicates the task was cancelled cooperatively.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeReasoning indicates the reasoning provider failed.
	CodeReasoning ErrorCode = "REASONING_ERROR"
)

// HandoffError is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type HandoffError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
}

// Error implements the error interface.
func (e *HandoffError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *HandoffError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *HandoffError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string         `json:"code"`
		Message     string         `json:"message"`
		Err         string         `json:"error,omitempty"`
		Context     map[string]any `json:"context,omitempty"`
		Recoverable bool           `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new HandoffError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *HandoffError {
	return &HandoffError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]any),
	}
}

// Newf creates a HandoffError without a cause and a formatted message.
func Newf(code ErrorCode, format string, args ...any) *HandoffError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *HandoffError) WithContext(key string, value any) *HandoffError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *HandoffError) WithRecoverable(recoverable bool) *HandoffError {
	e.Recoverable = recoverable
	return e
}

// As converts err to a HandoffError, searching the wrap chain first and
// wrapping unknown errors as CodeInternal.
func As(err error) *HandoffError {
	if err == nil {
		return nil
	}
	var he *HandoffError
	if stderrors.As(err, &he) {
		return he
	}
	return New(CodeInternal, "wrapped error", err)
}

// IsCode reports whether any HandoffError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	var he *HandoffError
	for err != nil {
		if !stderrors.As(err, &he) {
			return false
		}
		if he.Code == code {
			return true
		}
		err = he.Err
	}
	return false
}

// IsRecoverable reports whether err is marked recoverable.
// Errors that are not HandoffErrors are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var he *HandoffError
	if stderrors.As(err, &he) {
		return he.Recoverable
	}
	return true
}

// ExitCode maps an error to a process exit status for the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsCode(err, CodeInvalidConfig):
		return 2
	default:
		return 1
	}
}

// Message returns the text of err without code prefixes. Causes that are
// HandoffErrors themselves are flattened the same way.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var he *HandoffError
	if !stderrors.As(err, &he) {
		return err.Error()
	}
	if he.Err == nil {
		return he.Message
	}
	return he.Message + ": " + Message(he.Err)
}
