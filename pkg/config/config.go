// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads handoff settings from defaults, a YAML file, an
// optional profile overlay, HANDOFF_ environment variables and --set
// overrides, in that order.
package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/handoff/pkg/errors"
)

// EnvPrefix is the prefix of environment overrides:
// HANDOFF_LLM_PROVIDER sets llm.provider.
const EnvPrefix = "HANDOFF_"

type Config struct {
	Log          LogConfig          `koanf:"log"`
	LLM          LLMConfig          `koanf:"llm"`
	Data         DataConfig         `koanf:"data"`
	Planner      PlannerConfig      `koanf:"planner"`
	Engine       EngineConfig       `koanf:"engine"`
	Hooks        HooksConfig        `koanf:"hooks"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Governance   GovernanceConfig   `koanf:"governance"`
	MCP          MCPConfig          `koanf:"mcp"`
	Network      NetworkConfig      `koanf:"network"`
	Breaker      BreakerConfig      `koanf:"breaker"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider    string  `koanf:"provider"` // ollama, mock
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	Temperature float64 `koanf:"temperature"`
	// MockResponse is what the mock provider answers with.
	MockResponse string `koanf:"mock_response"`
}

// DataConfig locates every file handoff reads or writes. Relative paths are
// resolved against Dir.
type DataConfig struct {
	Dir           string `koanf:"dir"`
	PlansDir      string `koanf:"plans_dir"`
	Ledger        string `koanf:"ledger"`
	Tasks         string `koanf:"tasks"`
	RegistryState string `koanf:"registry_state"`
	Database      string `koanf:"database"`
	SkillsDir     string `koanf:"skills_dir"`
	AgentsFile    string `koanf:"agents_file"`
}

// Path resolves p against Dir.
func (d DataConfig) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || d.Dir == "" {
		return p
	}
	return filepath.Join(d.Dir, p)
}

type PlannerConfig struct {
	Store          string `koanf:"store"` // file, sqlite, memory
	ReuseThreshold int    `koanf:"reuse_threshold"`
	CacheSize      int    `koanf:"cache_size"`
}

type EngineConfig struct {
	DefaultStepTimeoutSeconds int    `koanf:"default_step_timeout_seconds"`
	MaxStepTimeoutSeconds     int    `koanf:"max_step_timeout_seconds"`
	RetryInitialDelayMillis   int    `koanf:"retry_initial_delay_ms"`
	RetryMaxDelayMillis       int    `koanf:"retry_max_delay_ms"`
	Audit                     string `koanf:"audit"` // memory, sqlite
}

func (e EngineConfig) DefaultStepTimeout() time.Duration {
	return seconds(e.DefaultStepTimeoutSeconds)
}

func (e EngineConfig) MaxStepTimeout() time.Duration {
	return seconds(e.MaxStepTimeoutSeconds)
}

func (e EngineConfig) RetryDelays() (initial, max time.Duration) {
	return time.Duration(e.RetryInitialDelayMillis) * time.Millisecond,
		time.Duration(e.RetryMaxDelayMillis) * time.Millisecond
}

type HooksConfig struct {
	Before         []string `koanf:"before"`
	After          []string `koanf:"after"`
	OnError        []string `koanf:"on_error"`
	OnComplete     string   `koanf:"on_complete"`
	TimeoutSeconds int      `koanf:"timeout_seconds"`
}

func (h HooksConfig) Timeout() time.Duration { return seconds(h.TimeoutSeconds) }

type OrchestratorConfig struct {
	SessionID string `koanf:"session_id"`
	// TestEvery runs the test command after every Nth completed task.
	// Zero disables it.
	TestEvery          int      `koanf:"test_every"`
	TestCommand        []string `koanf:"test_command"`
	TestTimeoutSeconds int      `koanf:"test_timeout_seconds"`
}

func (o OrchestratorConfig) TestTimeout() time.Duration { return seconds(o.TestTimeoutSeconds) }

// GovernanceConfig holds policy rules and the risk gate settings.
type GovernanceConfig struct {
	Policies            []PolicyRuleConfig `koanf:"policies"`
	Allow               []string           `koanf:"allow"`
	Deny                []string           `koanf:"deny"`
	DestructiveKeywords []string           `koanf:"destructive_keywords"`
	RiskyPermissions    []string           `koanf:"risky_permissions"`
	CostThreshold       float64            `koanf:"cost_threshold"`
	Approval            string             `koanf:"approval"` // allow, deny, console
	Guardrails          GuardrailsConfig   `koanf:"guardrails"`
}

// GuardrailsConfig screens intents and scrubs what the ledgers persist.
type GuardrailsConfig struct {
	Injection          bool     `koanf:"injection"`
	InjectionThreshold float64  `koanf:"injection_threshold"`
	BlockedTerms       []string `koanf:"blocked_terms"`
	PII                string   `koanf:"pii"` // mask, redact, off
}

// PolicyRuleConfig defines a policy rule in config.
type PolicyRuleConfig struct {
	ID     string `koanf:"id"`
	Effect string `koanf:"effect"`
	Type   string `koanf:"type"`
	Name   string `koanf:"name"`
	Reason string `koanf:"reason"`
}

type MCPConfig struct {
	TimeoutSeconds     int                     `koanf:"timeout_seconds"`
	Retries            int                     `koanf:"retries"`
	IdleTimeoutSeconds int                     `koanf:"idle_timeout_seconds"`
	Servers            map[string]ServerConfig `koanf:"servers"`
}

func (m MCPConfig) Timeout() time.Duration     { return seconds(m.TimeoutSeconds) }
func (m MCPConfig) IdleTimeout() time.Duration { return seconds(m.IdleTimeoutSeconds) }

// ServerConfig overrides how an MCP server is launched.
type ServerConfig struct {
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     map[string]string `koanf:"env"`
}

type NetworkConfig struct {
	SearchURL      string `koanf:"search_url"`
	MaxContent     int    `koanf:"max_content"`
	TimeoutSeconds int    `koanf:"timeout_seconds"`
}

func (n NetworkConfig) Timeout() time.Duration { return seconds(n.TimeoutSeconds) }

type BreakerConfig struct {
	FailureThreshold int `koanf:"failure_threshold"`
	SuccessThreshold int `koanf:"success_threshold"`
	TimeoutSeconds   int `koanf:"timeout_seconds"`
}

func (b BreakerConfig) Timeout() time.Duration { return seconds(b.TimeoutSeconds) }

type TelemetryConfig struct {
	Exporter           string            `koanf:"exporter"` // none, stdout, otlp
	ServiceName        string            `koanf:"service_name"`
	OTLPEndpoint       string            `koanf:"otlp_endpoint"`
	OTLPInsecure       bool              `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int               `koanf:"otlp_timeout_seconds"`
	OTLPHeaders        map[string]string `koanf:"otlp_headers"`
}

func (t TelemetryConfig) OTLPTimeout() time.Duration { return seconds(t.OTLPTimeoutSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "text",

	"llm.provider":    "ollama",
	"llm.model":       "qwen2.5-coder:7b-instruct-q5_K_M",
	"llm.base_url":    "http://localhost:11434",
	"llm.temperature": 0.2,

	"data.dir":            ".handoff",
	"data.plans_dir":      "plans",
	"data.ledger":         "TODO.md",
	"data.tasks":          "tasks.json",
	"data.registry_state": "installed_mcps.json",
	"data.database":       "handoff.db",
	"data.skills_dir":     "skills",
	"data.agents_file":    "AGENTS.md",

	"planner.store":           "file",
	"planner.reuse_threshold": 3,
	"planner.cache_size":      128,

	"engine.default_step_timeout_seconds": 60,
	"engine.max_step_timeout_seconds":     120,
	"engine.retry_initial_delay_ms":       200,
	"engine.retry_max_delay_ms":           2000,
	"engine.audit":                        "memory",

	"hooks.before":          []string{"guardrails", "policy-check"},
	"hooks.after":           []string{"task-ledger-update"},
	"hooks.on_complete":     "completion-checker",
	"hooks.timeout_seconds": 10,

	"orchestrator.test_every":           10,
	"orchestrator.test_timeout_seconds": 300,

	"governance.destructive_keywords": []string{"delete", "drop", "remove", "destroy", "terminate"},
	"governance.risky_permissions":    []string{"admin:write", "data:delete", "system:modify"},
	"governance.cost_threshold":       50.0,
	"governance.approval":             "allow",

	"governance.guardrails.injection":           true,
	"governance.guardrails.injection_threshold": 0.7,
	"governance.guardrails.pii":                 "mask",

	"mcp.timeout_seconds":      30,
	"mcp.retries":              2,
	"mcp.idle_timeout_seconds": 300,

	"network.search_url":      "https://html.duckduckgo.com/html/",
	"network.max_content":     8000,
	"network.timeout_seconds": 30,

	"breaker.failure_threshold": 5,
	"breaker.success_threshold": 2,
	"breaker.timeout_seconds":   30,

	"telemetry.exporter":             "none",
	"telemetry.service_name":         "handoff",
	"telemetry.otlp_endpoint":        "localhost:4317",
	"telemetry.otlp_insecure":        true,
	"telemetry.otlp_timeout_seconds": 10,
}

// Load reads path (optional) over the defaults, then the environment.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, "", nil)
}

// LoadWithProfile also merges config.<profile>.yaml from the directory of
// path when it exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWithOverrides(path, profile, nil)
}

// LoadWithOverrides is LoadWithProfile followed by "key=value" overrides.
// Values are parsed as JSON when they parse, so numbers, booleans and lists
// keep their type.
func LoadWithOverrides(path, profile string, sets []string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "set default "+key, err)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "load config "+path, err).
				WithContext("path", path)
		}
	}
	if overlay := profileConfigPath(path, profile); overlay != "" {
		if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "load profile "+overlay, err).
				WithContext("profile", profile)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "load environment", err)
	}

	for _, set := range sets {
		key, value, err := parseSet(set)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "apply override "+set, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidConfig, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// profileConfigPath returns config.<profile>.yaml next to base, or "" when
// there is no such file.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(filepath.Base(base), ext)
	candidate := filepath.Join(filepath.Dir(base), stem+"."+profile+ext)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func parseSet(set string) (string, any, error) {
	key, raw, ok := strings.Cut(set, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, errors.New(errors.CodeInvalidConfig,
			fmt.Sprintf("invalid override %q, want key=value", set), nil)
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return key, raw, nil
	}
	return key, value, nil
}

var (
	logLevels     = []string{"debug", "info", "warn", "error"}
	logFormats    = []string{"text", "json"}
	llmProviders  = []string{"ollama", "mock"}
	planStores    = []string{"file", "sqlite", "memory"}
	auditStores   = []string{"memory", "sqlite"}
	approvalModes = []string{"allow", "deny", "console"}
	piiModes      = []string{"mask", "redact", "off"}
	exporters     = []string{"none", "stdout", "otlp"}
	policyEffects = []string{"allow", "deny", "pending"}
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(field, value string, allowed []string) {
		check(contains(allowed, strings.ToLower(value)), "%s: %q is not one of %s", field, value, strings.Join(allowed, ", "))
	}

	oneOf("log.level", c.Log.Level, logLevels)
	oneOf("log.format", c.Log.Format, logFormats)
	oneOf("llm.provider", c.LLM.Provider, llmProviders)
	check(c.LLM.Model != "" || c.LLM.Provider == "mock", "llm.model is required")
	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2, "llm.temperature must be within [0, 2]")
	oneOf("planner.store", c.Planner.Store, planStores)
	check(c.Planner.ReuseThreshold > 0, "planner.reuse_threshold must be positive")
	oneOf("engine.audit", c.Engine.Audit, auditStores)
	check(c.Engine.DefaultStepTimeoutSeconds > 0, "engine.default_step_timeout_seconds must be positive")
	check(c.Engine.MaxStepTimeoutSeconds >= c.Engine.DefaultStepTimeoutSeconds,
		"engine.max_step_timeout_seconds must not be below the default step timeout")
	check(c.Hooks.TimeoutSeconds > 0, "hooks.timeout_seconds must be positive")
	check(c.Orchestrator.TestEvery >= 0, "orchestrator.test_every must not be negative")
	check(c.Orchestrator.TestTimeoutSeconds > 0, "orchestrator.test_timeout_seconds must be positive")
	check(c.Governance.CostThreshold >= 0, "governance.cost_threshold must not be negative")
	oneOf("governance.approval", c.Governance.Approval, approvalModes)
	oneOf("governance.guardrails.pii", c.Governance.Guardrails.PII, piiModes)
	check(c.Governance.Guardrails.InjectionThreshold > 0 && c.Governance.Guardrails.InjectionThreshold <= 1,
		"governance.guardrails.injection_threshold must be within (0, 1]")
	for i, p := range c.Governance.Policies {
		check(p.ID != "", "governance.policies[%d].id is required", i)
		oneOf(fmt.Sprintf("governance.policies[%d].effect", i), p.Effect, policyEffects)
	}
	check(c.MCP.TimeoutSeconds > 0, "mcp.timeout_seconds must be positive")
	check(c.MCP.Retries >= 0, "mcp.retries must not be negative")
	for name, srv := range c.MCP.Servers {
		check(srv.Command != "", "mcp.servers.%s.command is required", name)
	}
	check(c.Network.MaxContent > 0, "network.max_content must be positive")
	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	oneOf("telemetry.exporter", c.Telemetry.Exporter, exporters)
	check(c.Telemetry.Exporter != "otlp" || c.Telemetry.OTLPEndpoint != "", "telemetry.otlp_endpoint is required for the otlp exporter")

	if err := stderrors.Join(errs...); err != nil {
		return errors.New(errors.CodeInvalidConfig, "invalid configuration", err)
	}
	return nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
