package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition(t *testing.T) {
	shared := map[string]any{
		"last":   "alpha beta",
		"status": "ok",
		"empty":  "",
		"flag":   true,
		"count":  0,
		"output": map[string]any{
			"node1": map[string]any{
				"status": "ok",
				"meta":   map[string]any{"region": "EMEA"},
			},
		},
	}
	tests := []struct {
		expr string
		want bool
	}{
		{"context.last.contains:beta", true},
		{"context.last.contains:gamma", false},
		{"context.status==ok", true},
		{"context.status==fail", false},
		{"context.status!=fail", true},
		{"context.missing!=x", true},
		{"context.missing==x", false},
		{"context.output.node1.status==ok", true},
		{"context.output.node1.meta.region==EMEA", true},
		{"context.output.node1.meta.region!=EMEA", false},
		{"context.flag", true},
		{"context.empty", false},
		{"context.count", false},
		{"context.missing", false},
		{" context.status == ok ", true},
	}
	for _, tt := range tests {
		got, err := EvaluateCondition(tt.expr, shared)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEvaluateConditionRejectsMalformed(t *testing.T) {
	for _, expr := range []string{"", "status==ok", "context."} {
		_, err := EvaluateCondition(expr, map[string]any{})
		assert.Error(t, err, expr)
	}
}

func TestResolveParams(t *testing.T) {
	shared := map[string]any{
		"db_analysis": "SELECT 1",
		"rows":        []any{"a", "b"},
		"page":        map[string]any{"title": "Shop"},
	}
	params := map[string]any{
		"sql":     "{context.db_analysis}",
		"rows":    "{context.rows}",
		"summary": "title={context.page.title} missing={context.nope}",
		"nested":  map[string]any{"q": "{context.db_analysis}"},
		"list":    []any{"{context.page.title}", 3},
		"plain":   42,
	}
	got := ResolveParams(params, shared)
	assert.Equal(t, "SELECT 1", got["sql"])
	assert.Equal(t, []any{"a", "b"}, got["rows"])
	assert.Equal(t, "title=Shop missing={context.nope}", got["summary"])
	assert.Equal(t, map[string]any{"q": "SELECT 1"}, got["nested"])
	assert.Equal(t, []any{"Shop", 3}, got["list"])
	assert.Equal(t, 42, got["plain"])

	assert.Equal(t, "{context.db_analysis}", params["sql"], "input is not modified")
	assert.Nil(t, ResolveParams(nil, shared))
}

func TestSkipList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, skipList(map[string]any{"skip": "a, b"}))
	assert.Equal(t, []string{"a"}, skipList(map[string]any{"skip": []any{"a", 1}}))
	assert.Equal(t, []string{"x"}, skipList(map[string]any{"skip": []string{"x"}}))
	assert.Nil(t, skipList(map[string]any{}))
}

func TestPromise(t *testing.T) {
	done := Done()
	assert.True(t, done.IsDone())
	assert.Equal(t, "Done", done.String())
	assert.Equal(t, "<Promise>DONE</Promise>", done.Marker())

	blocked := Blocked("policy-check blocked - denied")
	assert.False(t, blocked.IsDone())
	assert.Equal(t, "Blocked: policy-check blocked - denied", blocked.String())
	assert.Equal(t, "<Promise>BLOCKED: policy-check blocked - denied</Promise>", blocked.Marker())

	assert.Equal(t, done, ParsePromise("Done"))
	assert.Equal(t, blocked, ParsePromise(blocked.String()))

	data, err := json.Marshal(struct {
		P Promise `json:"promise"`
	}{blocked})
	require.NoError(t, err)
	assert.JSONEq(t, `{"promise":"Blocked: policy-check blocked - denied"}`, string(data))

	var decoded Promise
	require.NoError(t, json.Unmarshal([]byte(`"Blocked: task cancelled"`), &decoded))
	assert.Equal(t, "task cancelled", decoded.Reason())
}
