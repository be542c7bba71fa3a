// SPDX-License-Identifier: Apache-2.0

// Package ledger records what happened to every task: a markdown log meant
// for people (TODO.md), a JSON task list meant for tools (tasks.json), and
// the gate that decides from that list whether work may stop.
package ledger

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/handoff/internal/atomicfile"
	"github.com/jllopis/handoff/pkg/errors"
)

// State is the lifecycle state of a ledger task.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateBlocked    State = "blocked"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
)

// States lists every valid state.
var States = []State{StatePending, StateInProgress, StateBlocked, StateCompleted, StateCancelled}

// ParseState rejects unknown state names.
func ParseState(s string) (State, error) {
	if slices.Contains(States, State(s)) {
		return State(s), nil
	}
	return "", errors.New(errors.CodeInvalidInput, fmt.Sprintf("unknown task state %q", s), nil)
}

// Open reports whether the task still has work left.
func (s State) Open() bool {
	return s != StateCompleted && s != StateCancelled
}

// Task is one entry of tasks.json.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	State       State     `json:"state"`
	PlanID      string    `json:"plan_id,omitempty"`
	Evidence    []string  `json:"evidence,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type document struct {
	SessionID string  `json:"session_id"`
	Tasks     []*Task `json:"tasks"`
}

// Tasks is the JSON task ledger. Every mutation rewrites the file
// atomically under one lock.
type Tasks struct {
	mu        sync.Mutex
	path      string
	sessionID string
	now       func() time.Time
	redact    Redactor
}

// Redactor rewrites free text before it is persisted, for instance to mask
// personal data.
type Redactor func(string) string

// TasksOption configures Tasks.
type TasksOption func(*Tasks)

// WithSessionID sets the session id written to new documents.
func WithSessionID(id string) TasksOption {
	return func(t *Tasks) { t.sessionID = id }
}

// WithClock overrides the clock used for UpdatedAt.
func WithClock(now func() time.Time) TasksOption {
	return func(t *Tasks) { t.now = now }
}

// WithRedactor applies r to descriptions, notes and evidence.
func WithRedactor(r Redactor) TasksOption {
	return func(t *Tasks) { t.redact = r }
}

// NewTasks opens the ledger at path. The file is created on first write.
func NewTasks(path string, opts ...TasksOption) *Tasks {
	t := &Tasks{path: path, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Path returns the ledger file.
func (t *Tasks) Path() string { return t.path }

// Exists reports whether the ledger file has been written.
func (t *Tasks) Exists() bool {
	_, err := os.Stat(t.path)
	return err == nil
}

// Upsert inserts task or replaces the task with the same id.
func (t *Tasks) Upsert(task Task) error {
	if task.ID == "" {
		return errors.New(errors.CodeInvalidInput, "task id is required", nil)
	}
	if task.State == "" {
		task.State = StatePending
	}
	if _, err := ParseState(string(task.State)); err != nil {
		return err
	}
	if t.redact != nil {
		task.Description = t.redact(task.Description)
		task.Notes = t.redact(task.Notes)
		task.Evidence = redactAll(t.redact, task.Evidence)
	}
	return t.update(func(doc *document) error {
		task.UpdatedAt = t.now().UTC()
		for i, existing := range doc.Tasks {
			if existing.ID == task.ID {
				doc.Tasks[i] = &task
				return nil
			}
		}
		doc.Tasks = append(doc.Tasks, &task)
		return nil
	})
}

// SetState moves task id to state and appends evidence.
func (t *Tasks) SetState(id string, state State, evidence ...string) error {
	if _, err := ParseState(string(state)); err != nil {
		return err
	}
	if t.redact != nil {
		evidence = redactAll(t.redact, evidence)
	}
	return t.update(func(doc *document) error {
		for _, task := range doc.Tasks {
			if task.ID == id {
				task.State = state
				task.Evidence = append(task.Evidence, evidence...)
				task.UpdatedAt = t.now().UTC()
				return nil
			}
		}
		return errors.New(errors.CodeNotFound, "task "+id+" not found", nil).WithContext("task_id", id)
	})
}

func redactAll(r Redactor, lines []string) []string {
	if len(lines) == 0 {
		return lines
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = r(line)
	}
	return out
}

// Get returns task id.
func (t *Tasks) Get(id string) (Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.load()
	if err != nil {
		return Task{}, err
	}
	for _, task := range doc.Tasks {
		if task.ID == id {
			return *task, nil
		}
	}
	return Task{}, errors.New(errors.CodeNotFound, "task "+id+" not found", nil).WithContext("task_id", id)
}

// List returns every task in insertion order.
func (t *Tasks) List() ([]Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.load()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(doc.Tasks))
	for _, task := range doc.Tasks {
		out = append(out, *task)
	}
	return out, nil
}

// Counts returns how many tasks are in each state.
func Counts(tasks []Task) map[State]int {
	counts := make(map[State]int, len(States))
	for _, task := range tasks {
		counts[task.State]++
	}
	return counts
}

// OpenIDs returns the ids of tasks that are neither completed nor cancelled,
// sorted.
func OpenIDs(tasks []Task) []string {
	var ids []string
	for _, task := range tasks {
		if task.State.Open() {
			ids = append(ids, task.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *Tasks) update(fn func(doc *document) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, err := t.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return t.save(doc)
}

func (t *Tasks) load() (*document, error) {
	data, err := os.ReadFile(t.path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return &document{SessionID: t.sessionID}, nil
	}
	if err != nil {
		return nil, errors.New(errors.CodePersistence, "read task ledger", err).WithContext("path", t.path)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.New(errors.CodePersistence, "decode task ledger", err).WithContext("path", t.path)
	}
	if doc.SessionID == "" {
		doc.SessionID = t.sessionID
	}
	return &doc, nil
}

func (t *Tasks) save(doc *document) error {
	if doc.Tasks == nil {
		doc.Tasks = []*Task{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.New(errors.CodePersistence, "encode task ledger", err)
	}
	if err := atomicfile.WriteFile(t.path, data); err != nil {
		return errors.New(errors.CodePersistence, "write task ledger", err).WithContext("path", t.path)
	}
	return nil
}
