// SPDX-License-Identifier: Apache-2.0

package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/handoff/pkg/intent"
	"github.com/jllopis/handoff/pkg/registry"
)

func newMatcher(t *testing.T, installed ...string) *Matcher {
	t.Helper()
	reg, err := registry.New(registry.WithInstalled(installed...))
	require.NoError(t, err)
	return New(intent.MustClassifier(nil), reg)
}

func TestMatchScrapeWithNothingInstalled(t *testing.T) {
	m := newMatcher(t)
	a := m.Match("scrape the homepage of example.com")

	assert.Equal(t, intent.TaskScrape, a.TaskType)
	assert.Empty(t, a.Required)
	require.NotEmpty(t, a.Missing)
	assert.Equal(t, "playwright", a.Missing[0].Name)
	assert.Equal(t, "navigate", a.Missing[0].Capability)
	assert.Equal(t, []string{"firecrawl", "apify"}, Names(a.Optional))
	assert.Equal(t, []string{"run-workflow", "fetch-logs"}, a.SuggestedSkills)
	assert.Equal(t, []string{HookTaskLedgerUpdate, HookCompletionChecker}, a.SuggestedHooks)
	assert.InDelta(t, 0.6, a.Confidence, 1e-9)
}

func TestMatchDatabaseWithPostgresInstalled(t *testing.T) {
	m := newMatcher(t, "postgresql")
	a := m.Match("query the database for active users")

	assert.Equal(t, intent.TaskDatabase, a.TaskType)
	require.NotEmpty(t, a.Required)
	assert.Equal(t, "postgresql", a.Required[0].Name)
	assert.True(t, a.Required[0].Installed)
	assert.Equal(t, 0.8, a.Required[0].Confidence)
	assert.Empty(t, a.Missing)
	assert.GreaterOrEqual(t, a.Confidence, 0.7)
	assert.InDelta(t, 0.9, a.Confidence, 1e-9)
	assert.Equal(t, []string{HookTaskLedgerUpdate, HookIntelligentRouter}, a.SuggestedHooks)
}

func TestMatchEmptyIntent(t *testing.T) {
	a := newMatcher(t).Match("")
	assert.Equal(t, intent.TaskGeneral, a.TaskType)
	assert.Empty(t, a.Required)
	assert.Empty(t, a.Optional)
	assert.Empty(t, a.Missing)
	assert.Empty(t, a.SuggestedSkills)
	assert.Equal(t, []string{HookTaskLedgerUpdate}, a.SuggestedHooks)
	assert.Equal(t, 0.5, a.Confidence)
}

func TestMatchRegistryScoresFeedMissing(t *testing.T) {
	m := newMatcher(t)
	a := m.Match("use the slack channel to notify the team")

	assert.Equal(t, intent.TaskGeneral, a.TaskType)
	assert.Contains(t, Names(a.Missing), "slack")
	for _, c := range a.Missing {
		assert.Greater(t, c.Confidence, 0.4)
	}
	want := 0.5 - 0.1*float64(len(a.Missing))
	assert.InDelta(t, max(0.1, want), a.Confidence, 1e-9)
}

func TestMatchRegistryScoresFeedOptionalWhenInstalled(t *testing.T) {
	m := newMatcher(t, "slack")
	a := m.Match("use the slack channel to notify the team")

	assert.Contains(t, Names(a.Optional), "slack")
	assert.NotContains(t, Names(a.Missing), "slack")
}

func TestMatchSkipsUnknownCandidates(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	m := New(intent.MustClassifier(nil), reg, WithTaskCapabilities(map[intent.TaskType][]string{
		intent.TaskScrape: {"not-registered", "firecrawl"},
	}))
	a := m.Match("scrape the homepage of example.com")
	require.Len(t, a.Missing, 1)
	assert.Equal(t, "firecrawl", a.Missing[0].Name)
}

func TestMatchOnlyTopThreeCandidates(t *testing.T) {
	reg, err := registry.New(registry.WithInstalled("exa"))
	require.NoError(t, err)
	m := New(intent.MustClassifier(nil), reg, WithTaskCapabilities(map[intent.TaskType][]string{
		intent.TaskSearch: {"tavily", "github", "docker", "exa"},
	}))
	a := m.Match("search for golang tutorials")
	assert.NotContains(t, Names(a.Required), "exa")
}

func TestSuggestInstallationAndCanHandle(t *testing.T) {
	m := newMatcher(t)
	hints := m.SuggestInstallation("scrape the homepage of example.com")
	require.NotEmpty(t, hints)
	assert.Equal(t, Suggestion{
		Name:           "playwright",
		InstallCommand: "npm install -g @anthropic/mcp-server-playwright",
		Reason:         "Required for navigate",
	}, hints[0])

	ok, reason := m.CanHandle("scrape the homepage of example.com")
	assert.False(t, ok)
	assert.Contains(t, reason, "Missing MCPs: playwright")

	ok, _ = newMatcher(t, "firecrawl").CanHandle("scrape the homepage of example.com")
	assert.True(t, ok)
}
