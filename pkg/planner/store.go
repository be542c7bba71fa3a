package planner

import (
	"context"
	"sort"
	"sync"

	"github.com/jllopis/handoff/pkg/errors"
)

// Store persists plans keyed by id.
type Store interface {
	Save(ctx context.Context, plan *Plan) error
	Load(ctx context.Context, id string) (*Plan, error)
	// List returns every stored plan ordered by id.
	List(ctx context.Context) ([]*Plan, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps plans in memory.
type MemoryStore struct {
	mu    sync.Mutex
	plans map[string]*Plan
}

// NewMemoryStore returns an empty in-memory plan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*Plan)}
}

// Save stores a copy of plan.
func (s *MemoryStore) Save(_ context.Context, plan *Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan.Clone()
	return nil
}

// Load returns a copy of the plan stored under id.
func (s *MemoryStore) Load(_ context.Context, id string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, notFound(id)
	}
	return plan.Clone(), nil
}

// List returns copies of every plan ordered by id.
func (s *MemoryStore) List(_ context.Context) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Plan, 0, len(s.plans))
	for _, plan := range s.plans {
		out = append(out, plan.Clone())
	}
	sortByID(out)
	return out, nil
}

// Delete removes the plan stored under id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return notFound(id)
	}
	delete(s.plans, id)
	return nil
}

func sortByID(plans []*Plan) {
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
}

func notFound(id string) *errors.HandoffError {
	return errors.New(errors.CodeNotFound, "plan not found", nil).WithContext("plan_id", id)
}

func persistence(msg string, err error) *errors.HandoffError {
	return errors.New(errors.CodePersistence, msg, err)
}
