package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jllopis/handoff/pkg/errors"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// Pinger is implemented by providers that can check their backend without
// spending a completion.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OllamaProvider talks to an Ollama server over its HTTP API, one
// non-streaming /api/chat call per request.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

type OllamaOption func(*OllamaProvider)

func WithHTTPClient(client *http.Client) OllamaOption {
	return func(p *OllamaProvider) {
		if client != nil {
			p.client = client
		}
	}
}

func NewOllama(baseURL string, opts ...OllamaOption) *OllamaProvider {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	p := &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type ollamaChat struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaReply struct {
	Message         Message `json:"message"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	call := ollamaChat{Model: req.Model, Messages: req.Messages}
	if req.JSON {
		call.Format = "json"
	}
	if req.Temperature != 0 {
		call.Options = map[string]any{"temperature": req.Temperature}
	}
	body, err := json.Marshal(call)
	if err != nil {
		return nil, errors.New(errors.CodeReasoning, "marshal ollama request", err)
	}

	var reply ollamaReply
	if err := p.do(ctx, http.MethodPost, "/api/chat", body, &reply); err != nil {
		return nil, err
	}
	return &ChatResponse{
		Content: reply.Message.Content,
		Usage: Usage{
			PromptTokens:     reply.PromptEvalCount,
			CompletionTokens: reply.EvalCount,
			TotalTokens:      reply.PromptEvalCount + reply.EvalCount,
		},
	}, nil
}

// Ping lists the local models, which succeeds as soon as the server is up.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/api/tags", nil, nil)
}

// do runs one API round trip and decodes the JSON answer into out when out
// is not nil. Transport failures and 5xx answers are recoverable.
func (p *OllamaProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var payload io.Reader
	if body != nil {
		payload = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, payload)
	if err != nil {
		return errors.New(errors.CodeReasoning, "create ollama request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.New(errors.CodeReasoning, "ollama api call failed", err).
			WithRecoverable(ctx.Err() == nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := fmt.Sprintf("ollama api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		return errors.New(errors.CodeReasoning, msg, nil).WithRecoverable(resp.StatusCode >= 500)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.CodeReasoning, "decode ollama response", err)
	}
	return nil
}

var _ Pinger = (*OllamaProvider)(nil)
