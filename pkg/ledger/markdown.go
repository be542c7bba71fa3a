package ledger

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/handoff/internal/atomicfile"
	"github.com/jllopis/handoff/pkg/engine"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/planner"
)

const (
	activeHeading = "## Active Tasks\n"
	newLedger     = "# Task Ledger\n\n" + activeHeading
)

// Status is the headline state of a markdown entry.
type Status string

const (
	StatusDone      Status = "DONE"
	StatusBlocked   Status = "BLOCKED"
	StatusCancelled Status = "CANCELLED"
)

// StepLine is one numbered line of an entry.
type StepLine struct {
	Description string
	Target      string
	Kind        planner.StepKind
	Status      engine.StepStatus
}

// Marker returns the checkbox of the step: [x] resolved, [~] running,
// [!] failed, and [ ] for steps that never ran.
func (l StepLine) Marker() string {
	switch {
	case l.Status.Resolved():
		return "[x]"
	case l.Status == engine.StatusRunning:
		return "[~]"
	case l.Status == engine.StatusFailed:
		return "[!]"
	default:
		return "[ ]"
	}
}

// Entry is one task section of the markdown ledger.
type Entry struct {
	TaskID     string
	Request    string
	Goal       string
	Builder    planner.BuilderKind
	Complexity planner.Complexity
	CreatedAt  time.Time
	Steps      []StepLine
	Promise    engine.Promise
	Cancelled  bool
}

// EntryFor builds the entry of a finished task. outcome may be nil when no
// step ran.
func EntryFor(taskID, goal string, plan *planner.Plan, outcome *engine.Outcome, promise engine.Promise) Entry {
	e := Entry{
		TaskID:     taskID,
		Request:    plan.Intent,
		Goal:       goal,
		Builder:    plan.Builder,
		Complexity: plan.Complexity,
		CreatedAt:  plan.CreatedAt,
		Promise:    promise,
	}
	if outcome != nil {
		e.Cancelled = outcome.Cancelled
	}
	for _, step := range plan.Steps {
		line := StepLine{Description: step.Description, Target: step.Target, Kind: step.Kind, Status: engine.StatusPending}
		if line.Description == "" {
			line.Description = step.Name
		}
		if outcome != nil {
			if res, ok := outcome.Result(step.ID); ok {
				line.Status = res.Status
			}
		}
		e.Steps = append(e.Steps, line)
	}
	return e
}

// Status derives the headline state.
func (e Entry) Status() Status {
	switch {
	case e.Cancelled:
		return StatusCancelled
	case e.Promise.IsDone():
		return StatusDone
	default:
		return StatusBlocked
	}
}

func (e Entry) redacted(r Redactor) Entry {
	e.Request = r(e.Request)
	e.Goal = r(e.Goal)
	steps := make([]StepLine, len(e.Steps))
	for i, step := range e.Steps {
		step.Description = r(step.Description)
		steps[i] = step
	}
	e.Steps = steps
	return e
}

// Render formats the section.
func (e Entry) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Task: %s\n\n", e.TaskID)
	fmt.Fprintf(&b, "**Request:** %s\n", e.Request)
	fmt.Fprintf(&b, "**Goal:** %s\n", e.Goal)
	fmt.Fprintf(&b, "**Builder:** %s\n", e.Builder)
	fmt.Fprintf(&b, "**Complexity:** %s\n", e.Complexity)
	fmt.Fprintf(&b, "**Created:** %s\n", e.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString("\n### Steps:\n")
	for i, step := range e.Steps {
		fmt.Fprintf(&b, "%d. %s %s\n", i+1, step.Marker(), step.Description)
		if step.Target != "" {
			fmt.Fprintf(&b, "   - Capability: `%s` (%s)\n", step.Target, step.Kind)
		}
	}
	fmt.Fprintf(&b, "\n### Status: %s\n\n", e.Status())
	b.WriteString("### Completion:\n```\n")
	b.WriteString(e.Promise.Marker())
	b.WriteString("\n```\n\n---\n")
	return b.String()
}

// Markdown is the human-readable ledger. Entries are inserted right after
// the "## Active Tasks" heading, newest first.
type Markdown struct {
	mu     sync.Mutex
	path   string
	redact Redactor
}

// MarkdownOption configures Markdown.
type MarkdownOption func(*Markdown)

// WithMarkdownRedactor applies r to the request, goal and step text of
// every entry.
func WithMarkdownRedactor(r Redactor) MarkdownOption {
	return func(m *Markdown) { m.redact = r }
}

// NewMarkdown opens the ledger at path. The file is created with an empty
// "## Active Tasks" section on first append.
func NewMarkdown(path string, opts ...MarkdownOption) *Markdown {
	m := &Markdown{path: path}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the ledger file.
func (m *Markdown) Path() string { return m.path }

// Append adds e unless a section for its task already exists. It reports
// whether the file changed.
func (m *Markdown) Append(e Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return false, errors.New(errors.CodePersistence, "read ledger", err).WithContext("path", m.path)
	}
	content := string(data)
	if content == "" {
		content = newLedger
	}
	if strings.Contains(content, "## Task: "+e.TaskID+"\n") {
		return false, nil
	}

	if m.redact != nil {
		e = e.redacted(m.redact)
	}
	section := e.Render()
	if i := strings.Index(content, activeHeading); i >= 0 {
		at := i + len(activeHeading)
		content = content[:at] + section + content[at:]
	} else {
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += section
	}
	if err := atomicfile.WriteFile(m.path, []byte(content)); err != nil {
		return false, errors.New(errors.CodePersistence, "write ledger", err).WithContext("path", m.path)
	}
	return true, nil
}
