package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/config"
	"github.com/jllopis/handoff/pkg/core"
	"github.com/jllopis/handoff/pkg/engine"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/governance"
	"github.com/jllopis/handoff/pkg/guardrails"
	"github.com/jllopis/handoff/pkg/hooks"
	"github.com/jllopis/handoff/pkg/intent"
	"github.com/jllopis/handoff/pkg/ledger"
	"github.com/jllopis/handoff/pkg/llm"
	"github.com/jllopis/handoff/pkg/matcher"
	"github.com/jllopis/handoff/pkg/mcp"
	"github.com/jllopis/handoff/pkg/planner"
	"github.com/jllopis/handoff/pkg/registry"
	"github.com/jllopis/handoff/pkg/resilience"
	"github.com/jllopis/handoff/pkg/skills"
	"github.com/jllopis/handoff/pkg/telemetry"
)

// System is an orchestrator built from configuration together with the
// components the CLI inspects directly.
type System struct {
	*Orchestrator

	Config   *config.Config
	Registry *registry.Registry
	Health   *core.Health
	Metrics  *telemetry.Metrics
	Breakers *resilience.BreakerSet
	Pool     *mcp.Pool
	Audit    engine.AuditStore
}

type wireOptions struct {
	logger     *slog.Logger
	approval   governance.ApprovalHook
	provider   llm.Provider
	dialer     mcp.Dialer
	invokers   map[planner.StepKind]capability.Invoker
	httpClient *http.Client
	workDir    string
	watch      bool
}

// WireOption adjusts how Wire builds a System.
type WireOption func(*wireOptions)

// WithWireLogger sets the logger handed to every component.
func WithWireLogger(logger *slog.Logger) WireOption {
	return func(o *wireOptions) { o.logger = logger }
}

// WithApproval replaces the approval hook selected by governance.approval.
func WithApproval(hook governance.ApprovalHook) WireOption {
	return func(o *wireOptions) { o.approval = hook }
}

// WithProvider replaces the LLM provider selected by llm.provider.
func WithProvider(p llm.Provider) WireOption {
	return func(o *wireOptions) { o.provider = p }
}

// WithMCPDialer replaces the stdio dialer of the MCP pool.
func WithMCPDialer(d mcp.Dialer) WireOption {
	return func(o *wireOptions) { o.dialer = d }
}

// WithInvoker replaces the invoker of one step kind.
func WithInvoker(kind planner.StepKind, inv capability.Invoker) WireOption {
	return func(o *wireOptions) { o.invokers[kind] = inv }
}

// WithWorkDir sets where AGENTS.md lookup and the test command start.
func WithWorkDir(dir string) WireOption {
	return func(o *wireOptions) { o.workDir = dir }
}

// WithRegistryWatch reloads the installed capability set whenever its
// state file changes.
func WithRegistryWatch() WireOption {
	return func(o *wireOptions) { o.watch = true }
}

// serverResolver prefers mcp.servers entries over the registry templates.
type serverResolver struct {
	servers  map[string]config.ServerConfig
	registry *registry.Registry
}

func (r serverResolver) ServerConfig(name string) (registry.ServerConfig, bool) {
	if s, ok := r.servers[name]; ok && s.Command != "" {
		return registry.ServerConfig{Command: s.Command, Args: s.Args, Env: s.Env}, true
	}
	return r.registry.ServerConfig(name)
}

// Wire builds a System from cfg. The returned System owns its database
// handle and MCP sessions; Close releases them.
func Wire(ctx context.Context, cfg *config.Config, opts ...WireOption) (sys *System, err error) {
	if cfg == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "config is required", nil)
	}
	wo := wireOptions{invokers: make(map[planner.StepKind]capability.Invoker)}
	for _, opt := range opts {
		opt(&wo)
	}
	logger := wo.logger
	if logger == nil {
		logger = slog.Default()
	}
	if wo.workDir == "" {
		if wd, err := os.Getwd(); err == nil {
			wo.workDir = wd
		} else {
			wo.workDir = "."
		}
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	data := cfg.Data
	if data.Dir != "" {
		if err := os.MkdirAll(data.Dir, 0o755); err != nil {
			return nil, errors.New(errors.CodePersistence, "create data dir", err).WithContext("dir", data.Dir)
		}
	}

	reg, err := registry.New(
		registry.WithStatePath(data.Path(data.RegistryState)),
		registry.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if wo.watch {
		w, err := registry.NewWatcher(reg, registry.WithWatchLogger(logger))
		if err != nil {
			return nil, err
		}
		w.OnChange(func(installed []string) {
			logger.Info("registry.reloaded", slog.Int("installed", len(installed)))
		})
		if err := w.Start(ctx); err != nil {
			w.Stop()
			return nil, err
		}
		closers = append(closers, func() error { w.Stop(); return nil })
	}
	match := matcher.New(intent.MustClassifier(intent.DefaultRules()), reg)

	var db *sql.DB
	openDB := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		path := data.Path(data.Database)
		d, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, errors.New(errors.CodePersistence, "open sqlite", err).WithContext("path", path)
		}
		d.SetMaxOpenConns(1)
		db = d
		closers = append(closers, d.Close)
		return db, nil
	}

	var store planner.Store
	switch cfg.Planner.Store {
	case "memory":
		store = planner.NewMemoryStore()
	case "sqlite":
		d, err := openDB()
		if err != nil {
			return nil, err
		}
		if store, err = planner.NewSQLiteStore(d); err != nil {
			return nil, err
		}
	default:
		fs, err := planner.OpenFileStore(data.Path(data.PlansDir),
			planner.WithCacheSize(cfg.Planner.CacheSize),
			planner.WithStoreLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	plans := planner.New(store,
		planner.WithReuseThreshold(cfg.Planner.ReuseThreshold),
		planner.WithLogger(logger),
	)

	var audit engine.AuditStore
	if cfg.Engine.Audit == "sqlite" {
		d, err := openDB()
		if err != nil {
			return nil, err
		}
		if audit, err = engine.NewSQLiteAuditStore(d); err != nil {
			return nil, err
		}
	} else {
		audit = engine.NewMemoryAuditStore()
	}

	provider := wo.provider
	if provider == nil {
		if provider, err = providerFor(cfg.LLM, cfg.Network.Timeout()); err != nil {
			return nil, err
		}
	}
	agents, err := governance.LoadAGENTS(wo.workDir, data.AgentsFile)
	if err != nil {
		logger.Warn("orchestrator.agents_file.unreadable", slog.String("error", errors.Message(err)))
	}
	reasoner := llm.NewReasoner(provider, cfg.LLM.Model,
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithPreamble(agents.Preamble()),
		llm.WithLogger(logger),
	)
	agent := llm.NewAgent(provider, cfg.LLM.Model, nil)

	httpClient := wo.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Network.Timeout()}
	}
	fetcher := capability.NewFetcher(
		capability.WithHTTPClient(httpClient),
		capability.WithSearchURL(cfg.Network.SearchURL),
		capability.WithMaxContent(cfg.Network.MaxContent),
	)

	specs, err := skills.LoadDir(data.Path(data.SkillsDir))
	if err != nil {
		return nil, err
	}
	runner := skills.NewRunner(
		skills.WithHandler(skills.ScraperSkill, skills.NewScraper(fetcher)),
		skills.WithExecutor(agent),
		skills.WithSkills(specs...),
		skills.WithLogger(logger),
	)

	dialer := wo.dialer
	if dialer == nil {
		dialer = mcp.StdioDialer(
			mcp.WithTimeout(cfg.MCP.Timeout()),
			mcp.WithRetry(cfg.MCP.Retries, 500*time.Millisecond),
		)
	}
	pool := mcp.NewPool(serverResolver{servers: cfg.MCP.Servers, registry: reg},
		mcp.WithDialer(dialer),
		mcp.WithIdleTimeout(cfg.MCP.IdleTimeout()),
		mcp.WithPoolLogger(logger),
	)
	closers = append(closers, pool.Close)

	breakers := resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout(),
		OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
			logger.Warn("breaker.state_changed",
				slog.String("breaker", name),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
			)
		},
	})

	routes := map[planner.StepKind]capability.Invoker{
		planner.KindCapabilityCall: mcp.NewInvoker(pool, logger),
		planner.KindSkillInvoke:    runner,
		planner.KindAgentTask:      agent,
		planner.KindNetworkCall:    fetcher,
	}
	for kind, inv := range wo.invokers {
		routes[kind] = inv
	}
	routerOpts := []capability.RouterOption{
		capability.WithReasoner(reasoner),
		capability.WithBreakers(breakers),
		capability.WithRouterLogger(logger),
	}
	for kind, inv := range routes {
		routerOpts = append(routerOpts, capability.WithRoute(kind, inv))
	}
	router := capability.NewRouter(routerOpts...)

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		logger.Warn("orchestrator.metrics.disabled", slog.String("error", errors.Message(err)))
		metrics = nil
	}

	initial, maxDelay := cfg.Engine.RetryDelays()
	engineOpts := []engine.Option{
		engine.WithAuditStore(audit),
		engine.WithLogger(logger),
		engine.WithDefaultStepTimeout(cfg.Engine.DefaultStepTimeout()),
		engine.WithMaxStepTimeout(cfg.Engine.MaxStepTimeout()),
		engine.WithRetryDelay(initial, maxDelay),
	}
	if metrics != nil {
		engineOpts = append(engineOpts, engine.WithObserver(metrics))
	}
	executor := engine.New(router, engineOpts...)

	guard := guardrails.FromConfig(cfg.Governance.Guardrails)
	tasks := ledger.NewTasks(data.Path(data.Tasks),
		ledger.WithSessionID(cfg.Orchestrator.SessionID),
		ledger.WithRedactor(guard.RedactText),
	)
	markdown := ledger.NewMarkdown(data.Path(data.Ledger), ledger.WithMarkdownRedactor(guard.RedactText))

	approval := wo.approval
	if approval == nil {
		if approval, err = governance.ApprovalHookFor(cfg.Governance.Approval); err != nil {
			return nil, err
		}
	}
	dispatcher := hooks.NewDispatcher(
		hooks.WithDefaultTimeout(cfg.Hooks.Timeout()),
		hooks.WithLogger(logger),
	)
	if err := hooks.RegisterBuiltins(dispatcher, hooks.Builtins{
		Guard:    guard,
		Policy:   governance.FilterFromConfig(cfg.Governance),
		Risk:     governance.RiskAssessorFromConfig(cfg.Governance),
		Approval: approval,
		Tasks:    tasks,
	}); err != nil {
		return nil, err
	}

	emitter := core.MultiEmitter{
		core.LogEmitter{Logger: logger},
		core.NewJSONLEmitter(data.Path("events.jsonl"), logger),
	}

	orchOpts := []Option{
		WithHooks(dispatcher, cfg.Hooks.Before, cfg.Hooks.After, cfg.Hooks.OnError, cfg.Hooks.OnComplete),
		WithLedger(markdown, tasks),
		WithEmitter(emitter),
		WithMetrics(metrics),
		WithBreakers(breakers),
		WithLogger(logger),
	}
	if tester := NewCommandTester(cfg.Orchestrator.TestCommand, wo.workDir); tester != nil {
		orchOpts = append(orchOpts, WithTester(tester, cfg.Orchestrator.TestEvery, cfg.Orchestrator.TestTimeout()))
	}
	for _, c := range closers {
		orchOpts = append(orchOpts, WithCloser(c))
	}
	orch := New(match, plans, executor, orchOpts...)

	health := core.NewHealth(5 * time.Second)
	registerHealth(health, reg, store, tasks, pool, breakers, cfg.LLM.Provider, provider)

	logger.Info("orchestrator.wired",
		slog.String("plan_store", cfg.Planner.Store),
		slog.String("audit", cfg.Engine.Audit),
		slog.String("llm", cfg.LLM.Provider),
		slog.Int("skills", len(specs)),
		slog.Bool("agents_md", agents != nil),
	)
	return &System{
		Orchestrator: orch,
		Config:       cfg,
		Registry:     reg,
		Health:       health,
		Metrics:      metrics,
		Breakers:     breakers,
		Pool:         pool,
		Audit:        audit,
	}, nil
}

func providerFor(cfg config.LLMConfig, timeout time.Duration) (llm.Provider, error) {
	switch cfg.Provider {
	case "mock":
		return &llm.MockProvider{Response: cfg.MockResponse}, nil
	case "", "ollama":
		return llm.NewOllama(cfg.BaseURL, llm.WithHTTPClient(&http.Client{Timeout: timeout})), nil
	}
	return nil, errors.New(errors.CodeInvalidConfig, fmt.Sprintf("unknown llm provider %q", cfg.Provider), nil)
}

func registerHealth(h *core.Health, reg *registry.Registry, store planner.Store, tasks *ledger.Tasks, pool *mcp.Pool, breakers *resilience.BreakerSet, providerName string, provider llm.Provider) {
	h.Register("registry", core.HealthFunc(func(context.Context) core.HealthResult {
		return core.Healthy(fmt.Sprintf("%d capabilities, %d installed", len(reg.Names()), len(reg.Installed())))
	}))
	h.Register("plans", core.HealthFunc(func(ctx context.Context) core.HealthResult {
		stored, err := store.List(ctx)
		if err != nil {
			return core.Unhealthy(err)
		}
		return core.Healthy(fmt.Sprintf("%d plans stored", len(stored)))
	}))
	h.Register("ledger", core.HealthFunc(func(context.Context) core.HealthResult {
		if !tasks.Exists() {
			return core.Healthy("no tasks recorded yet")
		}
		list, err := tasks.List()
		if err != nil {
			return core.Unhealthy(err)
		}
		return core.Healthy(fmt.Sprintf("%d tasks, %d open", len(list), len(ledger.OpenIDs(list))))
	}))
	h.Register("mcp", core.HealthFunc(func(context.Context) core.HealthResult {
		stats := pool.Stats()
		msg := fmt.Sprintf("%d sessions, %d dial errors", stats.Sessions, stats.DialErrors)
		if stats.DialErrors > 0 && stats.Sessions == 0 {
			return core.HealthResult{Status: core.HealthDegraded, Message: msg, LastCheck: time.Now()}
		}
		return core.Healthy(msg)
	}))
	h.Register("breakers", core.HealthFunc(func(context.Context) core.HealthResult {
		var open []string
		for name, state := range breakers.States() {
			if state == resilience.StateOpen {
				open = append(open, name)
			}
		}
		if len(open) > 0 {
			return core.HealthResult{Status: core.HealthDegraded, Message: fmt.Sprintf("open: %v", open), LastCheck: time.Now()}
		}
		return core.Healthy("all closed")
	}))
	h.Register("llm", core.HealthFunc(func(ctx context.Context) core.HealthResult {
		if providerName == "mock" {
			return core.HealthResult{Status: core.HealthDegraded, Message: "mock provider", LastCheck: time.Now()}
		}
		if p, ok := provider.(llm.Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return core.Unhealthy(err)
			}
		}
		return core.Healthy(providerName)
	}))
}
