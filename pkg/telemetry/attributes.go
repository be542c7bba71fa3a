// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry and slog for the pipeline: exporter
// setup, trace-aware logging, metrics and the attribute names spans use.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute names for handoff spans and metrics.
const (
	// Task attributes
	AttrTaskID     = "handoff.task.id"
	AttrTaskIntent = "handoff.task.intent"
	AttrTaskType   = "handoff.task.type"
	AttrTaskStatus = "handoff.task.status"
	AttrTaskUser   = "handoff.task.user"
	AttrTaskBudget = "handoff.task.budget"
	AttrPromise    = "handoff.promise"

	// Plan attributes
	AttrPlanID         = "handoff.plan.id"
	AttrPlanBuilder    = "handoff.plan.builder"
	AttrPlanComplexity = "handoff.plan.complexity"
	AttrPlanSteps      = "handoff.plan.steps"
	AttrPlanReused     = "handoff.plan.reused"
	AttrRunID          = "handoff.run.id"

	// Step attributes
	AttrStepID     = "handoff.step.id"
	AttrStepKind   = "handoff.step.kind"
	AttrStepTarget = "handoff.step.target"
	AttrStepStatus = "handoff.step.status"

	// Hook attributes
	AttrHookName    = "handoff.hook.name"
	AttrHookPhase   = "handoff.hook.phase"
	AttrHookSuccess = "handoff.hook.success"

	// Error attributes
	AttrErrorCode        = "handoff.error.code"
	AttrErrorRecoverable = "handoff.error.recoverable"
	AttrComponent        = "handoff.component"
)

// maxIntentLen bounds intents recorded on spans.
const maxIntentLen = 200

// TaskAttributes returns attributes for task spans.
func TaskAttributes(taskID, intent, taskType, user string, budget float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	if intent != "" {
		if len(intent) > maxIntentLen {
			intent = intent[:maxIntentLen] + "..."
		}
		attrs = append(attrs, attribute.String(AttrTaskIntent, intent))
	}
	if taskType != "" {
		attrs = append(attrs, attribute.String(AttrTaskType, taskType))
	}
	if user != "" {
		attrs = append(attrs, attribute.String(AttrTaskUser, user))
	}
	if budget > 0 {
		attrs = append(attrs, attribute.Float64(AttrTaskBudget, budget))
	}
	return attrs
}

// PlanAttributes returns attributes describing the plan a task runs.
func PlanAttributes(planID, builder, complexity string, steps int, reused bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPlanID, planID),
		attribute.String(AttrPlanBuilder, builder),
		attribute.String(AttrPlanComplexity, complexity),
		attribute.Int(AttrPlanSteps, steps),
		attribute.Bool(AttrPlanReused, reused),
	}
}

// HookAttributes returns attributes for one hook run.
func HookAttributes(name, phase string, success bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrHookName, name),
		attribute.String(AttrHookPhase, phase),
		attribute.Bool(AttrHookSuccess, success),
	}
}

// PromiseAttributes returns the task status and promise string.
func PromiseAttributes(status, promise string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrTaskStatus, status)}
	if promise != "" {
		attrs = append(attrs, attribute.String(AttrPromise, promise))
	}
	return attrs
}
