package engine

import (
	"context"
	"sync"
)

// AuditEvent is one settled step of one run, as persisted by an AuditStore.
type AuditEvent struct {
	PlanID string
	RunID  string
	StepResult
}

// AuditStore keeps the step history of every run. List returns events in
// the order they were recorded.
type AuditStore interface {
	Record(ctx context.Context, event AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// AuditFilter selects events; zero fields match everything. Limit <= 0 means
// no limit.
type AuditFilter struct {
	PlanID string
	RunID  string
	StepID string
	Status StepStatus
	Limit  int
}

func (f AuditFilter) match(ev AuditEvent) bool {
	return (f.PlanID == "" || ev.PlanID == f.PlanID) &&
		(f.RunID == "" || ev.RunID == f.RunID) &&
		(f.StepID == "" || ev.StepID == f.StepID) &&
		(f.Status == "" || ev.Status == f.Status)
}

func (f AuditFilter) full(n int) bool { return f.Limit > 0 && n >= f.Limit }

// MemoryAuditStore is the AuditStore of the memory plan store and of tests.
type MemoryAuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore { return &MemoryAuditStore{} }

func (s *MemoryAuditStore) Record(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, ev := range s.events {
		if filter.full(len(out)) {
			break
		}
		if filter.match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}
