// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/handoff/pkg/errors"
)

// Metrics records pipeline counters and durations. It satisfies the engine
// step observer. A nil *Metrics records nothing.
type Metrics struct {
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	tasks        metric.Int64Counter
	hooks        metric.Int64Counter
	errorCounter metric.Int64Counter
	breakerState metric.Int64Gauge
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("handoff"))
}

// NewMetricsWithMeter creates the instruments on meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.steps, err = meter.Int64Counter("handoff.steps.total",
		metric.WithDescription("Settled plan steps by kind and status")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("handoff.steps.duration",
		metric.WithDescription("Step duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.tasks, err = meter.Int64Counter("handoff.tasks.total",
		metric.WithDescription("Finished tasks by outcome")); err != nil {
		return nil, err
	}
	if m.hooks, err = meter.Int64Counter("handoff.hooks.total",
		metric.WithDescription("Hook runs by name, phase and success")); err != nil {
		return nil, err
	}
	if m.errorCounter, err = meter.Int64Counter("handoff.errors.total",
		metric.WithDescription("Errors by code and component")); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge("handoff.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per target (0=open, 1=half-open, 2=closed)")); err != nil {
		return nil, err
	}
	return &m, nil
}

// ObserveStep records one settled step.
func (m *Metrics) ObserveStep(ctx context.Context, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStepKind, kind),
		attribute.String(AttrStepStatus, status),
	)
	m.steps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// RecordTask counts a finished task. outcome is done, blocked or cancelled.
func (m *Metrics) RecordTask(ctx context.Context, taskType, outcome string) {
	if m == nil {
		return
	}
	m.tasks.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTaskType, taskType),
		attribute.String(AttrTaskStatus, outcome),
	))
}

// RecordHook counts a hook run.
func (m *Metrics) RecordHook(ctx context.Context, name, phase string, success bool) {
	if m == nil {
		return
	}
	m.hooks.Add(ctx, 1, metric.WithAttributes(HookAttributes(name, phase, success)...))
}

// RecordError counts err under its code. Errors without a code count as
// INTERNAL_ERROR.
func (m *Metrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	he := errors.As(err)
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(he.Code)),
		attribute.String(AttrComponent, component),
		attribute.Bool(AttrErrorRecoverable, he.Recoverable),
	))
}

// RecordBreakerStates records the state of every circuit breaker by target.
func (m *Metrics) RecordBreakerStates(ctx context.Context, states map[string]string) {
	if m == nil {
		return
	}
	for target, state := range states {
		var v int64
		switch state {
		case "closed":
			v = 2
		case "half-open":
			v = 1
		}
		m.breakerState.Record(ctx, v, metric.WithAttributes(attribute.String(AttrStepTarget, target)))
	}
}
