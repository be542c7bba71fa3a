package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/jllopis/handoff/pkg/errors"
)

// MockProvider answers every call with Response, or fails with Err. It is
// the "mock" provider of the configuration and lets the router run offline.
type MockProvider struct {
	Response string
	Err      error
}

func (m *MockProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return &ChatResponse{Content: m.Response, Usage: estimateUsage(req.Messages, m.Response)}, nil
}

// estimateUsage counts words as tokens, close enough for the logs.
func estimateUsage(prompt []Message, answer string) Usage {
	var in int
	for _, msg := range prompt {
		in += len(strings.Fields(msg.Content))
	}
	out := len(strings.Fields(answer))
	return Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// ScriptedProvider replays responses in order and keeps the requests it
// saw. Calls past the end of the script fail.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []string
	requests  []ChatRequest
}

func NewScriptedProvider(responses ...string) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

func (s *ScriptedProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if len(s.requests) > len(s.responses) {
		return nil, errors.New(errors.CodeReasoning, "scripted provider has no response left", nil)
	}
	return &ChatResponse{Content: s.responses[len(s.requests)-1]}, nil
}

func (s *ScriptedProvider) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatRequest(nil), s.requests...)
}
