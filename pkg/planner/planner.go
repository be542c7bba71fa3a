// Package planner builds execution plans from free-text intents, validates
// their step graphs, persists them and finds earlier plans worth reusing.
//
// A plan is produced by one of a closed set of templates chosen by keyword
// presence. Templates chain alternatives through fallback edges and fan
// their results into a consumer that depends on every alternative.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultReuseThreshold is the minimum word overlap for plan reuse.
const DefaultReuseThreshold = 3

// Planner creates, stores and looks up plans.
type Planner struct {
	store          Store
	reuseThreshold int
	now            func() time.Time
	newSuffix      func() string
	logger         *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithReuseThreshold sets the minimum word overlap for FindSimilar.
func WithReuseThreshold(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.reuseThreshold = n
		}
	}
}

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the planner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a planner persisting to store. A nil store keeps plans in
// memory.
func New(store Store, opts ...Option) *Planner {
	if store == nil {
		store = NewMemoryStore()
	}
	p := &Planner{
		store:          store,
		reuseThreshold: DefaultReuseThreshold,
		now:            time.Now,
		newSuffix:      func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the plan store.
func (p *Planner) Store() Store { return p.store }

// NewPlanID returns plan_YYYYmmdd_HHMMSS_<8 hex>. The suffix keeps plans
// created within the same second apart.
func (p *Planner) NewPlanID() string {
	return fmt.Sprintf("plan_%s_%s", p.now().Format("20060102_150405"), p.newSuffix())
}

// Build creates and validates a plan without persisting it.
func (p *Planner) Build(intent string, initialContext map[string]any) (*Plan, error) {
	if initialContext == nil {
		initialContext = map[string]any{}
	}
	plan := &Plan{
		ID:               p.NewPlanID(),
		Intent:           intent,
		CreatedAt:        p.now().UTC(),
		InitialContext:   maps.Clone(initialContext),
		CapabilitiesUsed: []string{},
		SkillsUsed:       []string{},
		AgentsUsed:       []string{},
	}
	build(plan, SelectBuilder(intent))
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// CreatePlan builds a plan and saves it.
func (p *Planner) CreatePlan(ctx context.Context, intent string, initialContext map[string]any) (*Plan, error) {
	plan, err := p.Build(intent, initialContext)
	if err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, plan); err != nil {
		return nil, err
	}
	p.logger.Debug("planner.plan.created",
		slog.String("plan_id", plan.ID),
		slog.String("builder", string(plan.Builder)),
		slog.Int("steps", len(plan.Steps)),
	)
	return plan, nil
}

// Load returns a stored plan.
func (p *Planner) Load(ctx context.Context, id string) (*Plan, error) {
	return p.store.Load(ctx, id)
}

// FindSimilar returns the stored plan whose intent shares the most
// whitespace-separated words with intent, when the overlap reaches the
// reuse threshold. Plans are scanned in id order and only a strictly
// better overlap replaces the current best, so the result is stable.
func (p *Planner) FindSimilar(ctx context.Context, intent string) (*Plan, error) {
	words := wordSet(intent)
	if len(words) == 0 {
		return nil, nil
	}
	plans, err := p.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var (
		best      *Plan
		bestScore int
	)
	for _, plan := range plans {
		overlap := 0
		for w := range wordSet(plan.Intent) {
			if words[w] {
				overlap++
			}
		}
		if overlap > bestScore {
			best, bestScore = plan, overlap
		}
	}
	if bestScore >= p.reuseThreshold {
		return best, nil
	}
	return nil, nil
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}
