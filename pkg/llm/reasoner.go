package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/errors"
)

// Task instructions keyed by the "task" parameter of reasoning steps.
var taskInstructions = map[string]string{
	"extract":    "Extract the structured data the user asked for from the scraped content. Answer with the data only.",
	"summarize":  "Summarize the search results so they answer the user's request. Cite sources by URL.",
	"analyze_db": "Translate the request into a single SQL statement. Answer with the SQL only, no commentary.",
}

const generalInstruction = "Answer the user's request directly and concisely."

// Reasoner adapts a Provider to capability.Reasoner.
type Reasoner struct {
	provider    Provider
	model       string
	temperature float64
	preamble    string
	logger      *slog.Logger
}

// ReasonerOption configures a Reasoner.
type ReasonerOption func(*Reasoner)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ReasonerOption {
	return func(r *Reasoner) { r.temperature = t }
}

// WithPreamble prepends project instructions, such as the contents of an
// AGENTS.md file, to every system prompt.
func WithPreamble(preamble string) ReasonerOption {
	return func(r *Reasoner) { r.preamble = strings.TrimSpace(preamble) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ReasonerOption {
	return func(r *Reasoner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReasoner creates a reasoner answering with model on provider.
func NewReasoner(provider Provider, model string, opts ...ReasonerOption) *Reasoner {
	r := &Reasoner{provider: provider, model: model, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reason implements capability.Reasoner.
func (r *Reasoner) Reason(ctx context.Context, prompt capability.Prompt) (capability.Result, error) {
	instruction, ok := taskInstructions[prompt.Task]
	if !ok {
		instruction = generalInstruction
	}
	if r.preamble != "" {
		instruction = r.preamble + "\n\n" + instruction
	}
	req := ChatRequest{
		Model:       r.model,
		Temperature: r.temperature,
		Messages:    []Message{System(instruction), User(renderPrompt(prompt.Intent, prompt.Input))},
	}
	resp, err := r.provider.Chat(ctx, req)
	if err != nil {
		r.logger.Warn("llm.reason.failed",
			slog.String("task", prompt.Task),
			slog.String("error", err.Error()))
		return capability.Result{}, asReasoning(err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return capability.Failed("empty answer from %s", r.model), nil
	}
	r.logger.Debug("llm.reason.answered",
		slog.String("task", prompt.Task),
		slog.Int("total_tokens", resp.Usage.TotalTokens))
	return capability.OK(content), nil
}

// Agent runs agent-task steps as a single chat turn with a role prompt
// derived from the agent name.
type Agent struct {
	provider Provider
	model    string
	roles    map[string]string
}

// NewAgent creates an agent-task invoker. roles maps agent names to system
// prompts; unknown agents get a generic one.
func NewAgent(provider Provider, model string, roles map[string]string) *Agent {
	return &Agent{provider: provider, model: model, roles: roles}
}

// Invoke implements capability.Invoker. An "instructions" parameter replaces
// the role prompt, which is how instruction-only skills run. The agent
// answers with JSON when it can; otherwise its text is returned as is.
func (a *Agent) Invoke(ctx context.Context, call capability.Call) (capability.Result, error) {
	role, ok := a.roles[call.Target]
	if instructions := capability.StringParam(call.Params, "instructions"); instructions != "" {
		role, ok = instructions, true
	}
	if !ok {
		role = fmt.Sprintf("You are the %s. Complete the task and report the outcome as a JSON object.", call.Target)
	}
	task := capability.StringParam(call.Params, "task")
	if task == "" {
		task = capability.StringParam(call.Params, "intent")
	}
	if task == "" {
		return capability.Failed("agent %s: no task given", call.Target), nil
	}
	resp, err := a.provider.Chat(ctx, ChatRequest{
		Model:    a.model,
		JSON:     true,
		Messages: []Message{System(role), User(renderPrompt(task, call.Context))},
	})
	if err != nil {
		return capability.Result{}, asReasoning(err)
	}
	var structured map[string]any
	if json.Unmarshal([]byte(resp.Content), &structured) == nil {
		return capability.OK(structured), nil
	}
	return capability.OK(strings.TrimSpace(resp.Content)), nil
}

// renderPrompt lays out the request followed by the shared context as JSON.
func renderPrompt(request string, input map[string]any) string {
	var b strings.Builder
	b.WriteString("Request: ")
	b.WriteString(request)
	if len(input) > 0 {
		data, err := json.MarshalIndent(input, "", "  ")
		if err == nil {
			b.WriteString("\n\nContext:\n")
			b.Write(data)
		}
	}
	return b.String()
}

func asReasoning(err error) error {
	if errors.As(err) != nil {
		return err
	}
	return errors.New(errors.CodeReasoning, "reasoning provider failed", err).WithRecoverable(true)
}
