package capability

import (
	"context"
	"log/slog"

	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/planner"
	"github.com/jllopis/handoff/pkg/resilience"
)

// Router dispatches calls to the invoker registered for their kind.
// Reasoning calls go to the configured Reasoner.
type Router struct {
	routes   map[planner.StepKind]Invoker
	reasoner Reasoner
	breakers *resilience.BreakerSet
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRoute registers inv for kind, replacing any earlier route.
func WithRoute(kind planner.StepKind, inv Invoker) RouterOption {
	return func(r *Router) {
		if inv != nil {
			r.routes[kind] = inv
		}
	}
}

// WithReasoner sets the reasoner used for reasoning calls.
func WithReasoner(reasoner Reasoner) RouterOption {
	return func(r *Router) { r.reasoner = reasoner }
}

// WithBreakers guards every kind/target pair with a circuit breaker.
func WithBreakers(set *resilience.BreakerSet) RouterOption {
	return func(r *Router) { r.breakers = set }
}

// WithRouterLogger sets the router logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter builds a router from opts.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		routes: make(map[planner.StepKind]Invoker),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke dispatches call by kind.
func (r *Router) Invoke(ctx context.Context, call Call) (Result, error) {
	dispatch, err := r.dispatcher(call)
	if err != nil {
		return Result{}, err
	}
	if r.breakers == nil {
		return dispatch(ctx)
	}

	var (
		res       Result
		invokeErr error
	)
	name := string(call.Kind) + ":" + call.Target
	err = r.breakers.Get(name).Call(ctx, func(ctx context.Context) error {
		res, invokeErr = dispatch(ctx)
		if invokeErr != nil {
			return invokeErr
		}
		return res.Err(call.Target)
	})
	if invokeErr != nil {
		return Result{}, invokeErr
	}
	if err != nil && !errors.IsCode(err, errors.CodeToolFailure) {
		r.logger.Warn("capability.breaker.rejected",
			slog.String("breaker", name),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}
	return res, nil
}

func (r *Router) dispatcher(call Call) (func(context.Context) (Result, error), error) {
	if call.Kind == planner.KindReasoningCall && r.reasoner != nil {
		prompt := Prompt{
			Task:    StringParam(call.Params, "task"),
			Intent:  StringParam(call.Params, "intent"),
			Input:   call.Context,
			Timeout: call.Timeout,
		}
		return func(ctx context.Context) (Result, error) {
			return r.reasoner.Reason(ctx, prompt)
		}, nil
	}
	inv, ok := r.routes[call.Kind]
	if !ok {
		return nil, errors.Newf(errors.CodeUnavailable, "no invoker for kind %q", call.Kind).
			WithContext("target", call.Target).
			WithRecoverable(false)
	}
	return func(ctx context.Context) (Result, error) {
		return inv.Invoke(ctx, call)
	}, nil
}
