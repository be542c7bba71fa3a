package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/errors"
)

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
	if resp.Usage != (Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}) {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestScriptedProviderRunsOut(t *testing.T) {
	p := NewScriptedProvider("one")
	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if _, err := p.Chat(context.Background(), ChatRequest{}); !errors.IsCode(err, errors.CodeReasoning) {
		t.Fatalf("expected a reasoning error, got %v", err)
	}
	if n := len(p.Requests()); n != 2 {
		t.Fatalf("recorded %d requests, want 2", n)
	}
}

func TestOllamaChat(t *testing.T) {
	var got ollamaChat
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "SELECT 1"},
			"done":              true,
			"eval_count":        4,
			"prompt_eval_count": 6,
		})
	}))
	defer server.Close()

	resp, err := NewOllama(server.URL+"/").Chat(context.Background(), ChatRequest{
		Model:       "llama3",
		Messages:    []Message{{Role: RoleUser, Content: "count rows"}},
		Temperature: 0.2,
		JSON:        true,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "SELECT 1" || resp.Usage.TotalTokens != 10 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.Model != "llama3" || got.Stream || got.Format != "json" || got.Options["temperature"] != 0.2 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaChatStatusErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", status)
	}))
	defer server.Close()

	provider := NewOllama(server.URL)
	_, err := provider.Chat(context.Background(), ChatRequest{Model: "llama3"})
	if !errors.IsCode(err, errors.CodeReasoning) || !errors.IsRecoverable(err) {
		t.Fatalf("expected recoverable reasoning error, got %v", err)
	}
	if !strings.Contains(err.Error(), "503: model loading") {
		t.Fatalf("expected status detail, got %v", err)
	}

	status = http.StatusNotFound
	_, err = provider.Chat(context.Background(), ChatRequest{Model: "missing"})
	if errors.IsRecoverable(err) {
		t.Fatalf("client errors must not be retried: %v", err)
	}
}

func TestOllamaPing(t *testing.T) {
	var down atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/tags" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if down.Load() {
			http.Error(w, "starting", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer server.Close()

	provider := NewOllama(server.URL)
	if err := provider.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	down.Store(true)
	if err := provider.Ping(context.Background()); !errors.IsRecoverable(err) {
		t.Fatalf("expected recoverable error, got %v", err)
	}
}

func TestReasonerBuildsPrompt(t *testing.T) {
	provider := NewScriptedProvider("  SELECT count(*) FROM users  ")
	r := NewReasoner(provider, "llama3", WithTemperature(0.1))

	res, err := r.Reason(context.Background(), capability.Prompt{
		Task:   "analyze_db",
		Intent: "how many users signed up",
		Input:  map[string]any{"db": "postgres"},
	})
	if err != nil {
		t.Fatalf("Reason failed: %v", err)
	}
	if !res.Success || res.Data != "SELECT count(*) FROM users" {
		t.Fatalf("unexpected result %+v", res)
	}

	reqs := provider.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Model != "llama3" || req.Temperature != 0.1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Messages[0].Content != taskInstructions["analyze_db"] {
		t.Fatalf("unexpected system prompt %q", req.Messages[0].Content)
	}
	user := req.Messages[1].Content
	if !strings.HasPrefix(user, "Request: how many users signed up") || !strings.Contains(user, `"db": "postgres"`) {
		t.Fatalf("unexpected user prompt %q", user)
	}
}

func TestReasonerPreamble(t *testing.T) {
	provider := NewScriptedProvider("ok")
	r := NewReasoner(provider, "llama3", WithPreamble("\n# Project rules\nNever push to main.\n"))

	if _, err := r.Reason(context.Background(), capability.Prompt{Intent: "explain the build"}); err != nil {
		t.Fatalf("Reason failed: %v", err)
	}
	system := provider.Requests()[0].Messages[0].Content
	want := "# Project rules\nNever push to main.\n\n" + generalInstruction
	if system != want {
		t.Fatalf("system prompt = %q, want %q", system, want)
	}
}

func TestReasonerFailures(t *testing.T) {
	r := NewReasoner(&MockProvider{Response: "   "}, "llama3")
	res, err := r.Reason(context.Background(), capability.Prompt{Intent: "hi"})
	if err != nil || res.Success {
		t.Fatalf("expected failed result for empty answer, got %+v %v", res, err)
	}

	r = NewReasoner(&MockProvider{Err: context.DeadlineExceeded}, "llama3")
	_, err = r.Reason(context.Background(), capability.Prompt{Intent: "hi"})
	if !errors.IsCode(err, errors.CodeReasoning) {
		t.Fatalf("expected reasoning error, got %v", err)
	}
}

func TestAgentInvoke(t *testing.T) {
	provider := NewScriptedProvider(`{"workflow_id": "wf-1"}`, "created it")
	agent := NewAgent(provider, "llama3", map[string]string{"automation-agent": "You build n8n workflows."})

	res, err := agent.Invoke(context.Background(), capability.Call{
		Target: "automation-agent",
		Params: map[string]any{"task": "create the nightly sync"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !reflect.DeepEqual(res.Data, map[string]any{"workflow_id": "wf-1"}) {
		t.Fatalf("expected decoded JSON, got %#v", res.Data)
	}

	res, err = agent.Invoke(context.Background(), capability.Call{
		Target: "debugger-agent",
		Params: map[string]any{"intent": "fix the build"},
	})
	if err != nil || res.Data != "created it" {
		t.Fatalf("expected raw text, got %+v %v", res, err)
	}

	reqs := provider.Requests()
	if reqs[0].Messages[0].Content != "You build n8n workflows." || !reqs[0].JSON {
		t.Fatalf("unexpected agent request %+v", reqs[0])
	}
	if !strings.Contains(reqs[1].Messages[0].Content, "You are the debugger-agent.") {
		t.Fatalf("unexpected default role %q", reqs[1].Messages[0].Content)
	}

	res, _ = agent.Invoke(context.Background(), capability.Call{Target: "automation-agent"})
	if res.Success {
		t.Fatal("expected failure without a task")
	}
}
