package ledger

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/handoff/pkg/engine"
	"github.com/jllopis/handoff/pkg/planner"
)

func scrapePlan() *planner.Plan {
	return &planner.Plan{
		ID:         "plan_20260301_120000_abcd1234",
		Intent:     "scrape prices from shop.example",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Builder:    planner.BuilderScrape,
		Complexity: planner.ComplexityComplex,
		Steps: []planner.Step{
			{ID: "step_1_firecrawl", Kind: planner.KindCapabilityCall, Description: "Scrape with Firecrawl", Target: "firecrawl"},
			{ID: "step_2_playwright", Kind: planner.KindCapabilityCall, Description: "Scrape with Playwright", Target: "playwright"},
			{ID: "step_5_extract", Kind: planner.KindReasoningCall, Description: "Extract data"},
		},
	}
}

func TestEntryForMarkers(t *testing.T) {
	outcome := &engine.Outcome{Results: []engine.StepResult{
		{StepID: "step_1_firecrawl", Status: engine.StatusCompensated},
		{StepID: "step_2_playwright", Status: engine.StatusSucceeded},
		{StepID: "step_5_extract", Status: engine.StatusFailed},
	}}
	e := EntryFor("task-1", "web scraping", scrapePlan(), outcome, engine.Blocked("step step_5_extract failed: empty answer"))
	assert.Equal(t, StatusBlocked, e.Status())

	text := e.Render()
	assert.Contains(t, text, "## Task: task-1\n")
	assert.Contains(t, text, "**Request:** scrape prices from shop.example\n")
	assert.Contains(t, text, "**Builder:** scrape\n")
	assert.Contains(t, text, "1. [x] Scrape with Firecrawl\n   - Capability: `firecrawl` (capability-call)\n")
	assert.Contains(t, text, "3. [!] Extract data\n")
	assert.NotContains(t, text, "Capability: `` ")
	assert.Contains(t, text, "### Status: BLOCKED\n")
	assert.Contains(t, text, "<Promise>BLOCKED: step step_5_extract failed: empty answer</Promise>")

	skipped := EntryFor("task-2", "", scrapePlan(), nil, engine.Done())
	assert.Equal(t, "[ ]", skipped.Steps[0].Marker())
	assert.Equal(t, StatusDone, skipped.Status())

	cancelled := EntryFor("task-3", "", scrapePlan(), &engine.Outcome{Cancelled: true}, engine.Blocked("task cancelled"))
	assert.Equal(t, StatusCancelled, cancelled.Status())
}

func TestStepLineMarkers(t *testing.T) {
	tests := map[engine.StepStatus]string{
		engine.StatusSucceeded:   "[x]",
		engine.StatusCompensated: "[x]",
		engine.StatusRunning:     "[~]",
		engine.StatusFailed:      "[!]",
		engine.StatusSkipped:     "[ ]",
		engine.StatusCancelled:   "[ ]",
		engine.StatusPending:     "[ ]",
	}
	marker := regexp.MustCompile(`^\[[x ~!]\]$`)
	for status, want := range tests {
		got := StepLine{Status: status}.Marker()
		assert.Equal(t, want, got, status)
		assert.Regexp(t, marker, got, status)
	}
}

func TestMarkdownAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TODO.md")
	require.NoError(t, os.WriteFile(path, []byte("# TODO\n\n## Active Tasks\n\n## Done\n- old\n"), 0o644))
	md := NewMarkdown(path)

	changed, err := md.Append(EntryFor("task-1", "", scrapePlan(), nil, engine.Done()))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = md.Append(EntryFor("task-2", "", scrapePlan(), nil, engine.Done()))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = md.Append(EntryFor("task-1", "", scrapePlan(), nil, engine.Blocked("again")))
	require.NoError(t, err)
	assert.False(t, changed, "existing task sections are kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	active := strings.Index(text, "## Active Tasks")
	second := strings.Index(text, "## Task: task-2")
	first := strings.Index(text, "## Task: task-1")
	done := strings.Index(text, "## Done")
	assert.True(t, active < second && second < first && first < done, "newest first, inside the active section:\n%s", text)
	assert.Equal(t, 1, strings.Count(text, "## Task: task-1"))
	assert.NotContains(t, text, "again")
}

func TestMarkdownCreatesLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger", "TODO.md")
	_, err := NewMarkdown(path).Append(EntryFor("task-1", "", scrapePlan(), nil, engine.Done()))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Task Ledger\n\n## Active Tasks\n\n## Task: task-1\n"))
	assert.Contains(t, string(data), "<Promise>DONE</Promise>")
}

func TestMarkdownAppendsWithoutHeading(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TODO.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes"), 0o644))

	_, err := NewMarkdown(path).Append(EntryFor("task-9", "", scrapePlan(), nil, engine.Done()))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Notes\n\n## Task: task-9"))
}

func TestMarkdownRedactor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TODO.md")
	mask := func(s string) string { return strings.ReplaceAll(s, "shop.example", "[HOST]") }

	plan := scrapePlan()
	plan.Steps[0].Description = "Scrape shop.example with Firecrawl"
	_, err := NewMarkdown(path, WithMarkdownRedactor(mask)).Append(EntryFor("task-7", plan.Intent, plan, nil, engine.Done()))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "shop.example")
	assert.Contains(t, string(data), "**Request:** scrape prices from [HOST]")
	assert.Contains(t, string(data), "Scrape [HOST] with Firecrawl")
	assert.Contains(t, string(data), "## Task: task-7\n")
}
