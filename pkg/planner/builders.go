package planner

import (
	"maps"
	"strings"
	"time"
)

// Targets of the non-capability steps the templates emit.
const (
	ReasonerAgent   = "reasoner"
	AutomationAgent = "automation-agent"
	HTTPTarget      = "http"
	ScraperSkill    = "universal_scraper"
)

// builderKeywords is checked in order; the first builder with a keyword
// present in the lower-cased intent wins.
var builderKeywords = []struct {
	kind     BuilderKind
	keywords []string
}{
	{BuilderScrape, []string{"scrape", "extract", "crawl", "from", ".com", ".org", ".io", "website", "page"}},
	{BuilderSearch, []string{"search", "find", "look up", "what is", "how to", "where"}},
	{BuilderAutomate, []string{"automate", "workflow", "schedule", "every", "recurring", "n8n"}},
	{BuilderDatabase, []string{"database", "sql", "query", "postgres", "mysql", "select", "insert"}},
}

// SelectBuilder picks the template for intent. It is deliberately
// independent of the intent classifier.
func SelectBuilder(intent string) BuilderKind {
	lower := strings.ToLower(intent)
	for _, b := range builderKeywords {
		for _, kw := range b.keywords {
			if strings.Contains(lower, kw) {
				return b.kind
			}
		}
	}
	return BuilderGeneral
}

func seconds(n int) Duration {
	return Duration(time.Duration(n) * time.Second)
}

func contextString(ctx map[string]any, key string) string {
	if v, ok := ctx[key].(string); ok {
		return v
	}
	return ""
}

// build fills p with the steps of kind.
func build(p *Plan, kind BuilderKind) {
	p.Builder = kind
	switch kind {
	case BuilderScrape:
		buildScrape(p)
	case BuilderSearch:
		buildSearch(p)
	case BuilderAutomate:
		buildAutomate(p)
	case BuilderDatabase:
		buildDatabase(p)
	default:
		p.Builder = BuilderGeneral
		buildGeneral(p)
	}
	p.Complexity = ComputeComplexity(len(p.Steps), len(p.CapabilitiesUsed))
	p.EstimatedDuration = Duration(time.Duration(len(p.Steps)) * StepEstimate)
}

// StepEstimate is the per-step share of a plan's estimated duration.
const StepEstimate = 15 * time.Second

func buildScrape(p *Plan) {
	url := contextString(p.InitialContext, "url")
	p.Steps = append(p.Steps,
		Step{
			ID:          "step_1_firecrawl",
			Kind:        KindCapabilityCall,
			Name:        "Scrape with Firecrawl",
			Description: "Use Firecrawl to scrape the target URL (handles JS, bypasses blocks)",
			Target:      "firecrawl",
			Tool:        "scrape",
			Params:      map[string]any{"url": url, "intent": p.Intent},
			Fallback:    "step_2_playwright",
			Timeout:     seconds(60),
			OutputKey:   "scraped_content",
		},
		Step{
			ID:          "step_2_playwright",
			Kind:        KindCapabilityCall,
			Name:        "Scrape with Playwright",
			Description: "Use Playwright browser automation as fallback",
			Target:      "playwright",
			Tool:        "browser_navigate",
			Params:      map[string]any{"url": url},
			Fallback:    "step_3_http",
			Timeout:     seconds(45),
			OutputKey:   "scraped_content",
		},
		Step{
			ID:          "step_3_http",
			Kind:        KindNetworkCall,
			Name:        "Direct HTTP fetch",
			Description: "Simple HTTP request as last resort",
			Target:      HTTPTarget,
			Params:      map[string]any{"url": url},
			Fallback:    "step_4_alternative",
			Timeout:     seconds(30),
			OutputKey:   "scraped_content",
		},
		Step{
			ID:          "step_4_alternative",
			Kind:        KindSkillInvoke,
			Name:        "Try alternative sources",
			Description: "Use universal scraper to try alternative sources",
			Target:      ScraperSkill,
			Params:      map[string]any{"intent": p.Intent},
			Timeout:     seconds(60),
			OutputKey:   "scraped_content",
		},
		Step{
			ID:          "step_5_extract",
			Kind:        KindReasoningCall,
			Name:        "Extract structured data",
			Description: "Extract structured data from the scraped content",
			Target:      ReasonerAgent,
			DependsOn:   []string{"step_1_firecrawl", "step_2_playwright", "step_3_http", "step_4_alternative"},
			Params:      map[string]any{"task": "extract", "intent": p.Intent},
			Timeout:     seconds(30),
			OutputKey:   "extracted_data",
		},
	)
	p.CapabilitiesUsed = append(p.CapabilitiesUsed, "firecrawl", "playwright")
	p.SkillsUsed = append(p.SkillsUsed, ScraperSkill)
	p.AgentsUsed = append(p.AgentsUsed, ReasonerAgent)
}

func buildSearch(p *Plan) {
	p.Steps = append(p.Steps,
		Step{
			ID:          "step_1_search",
			Kind:        KindCapabilityCall,
			Name:        "Web search",
			Description: "Search the web using Brave Search",
			Target:      "brave-search",
			Tool:        "brave_web_search",
			Params:      map[string]any{"query": p.Intent},
			Fallback:    "step_2_duckduckgo",
			Timeout:     seconds(30),
			OutputKey:   "search_results",
		},
		Step{
			ID:          "step_2_duckduckgo",
			Kind:        KindNetworkCall,
			Name:        "DuckDuckGo search",
			Description: "Fallback to DuckDuckGo if Brave unavailable",
			Target:      HTTPTarget,
			Params:      map[string]any{"provider": "duckduckgo", "query": p.Intent},
			Timeout:     seconds(30),
			OutputKey:   "search_results",
		},
		Step{
			ID:          "step_3_summarize",
			Kind:        KindReasoningCall,
			Name:        "Summarize results",
			Description: "Summarize and rank search results",
			Target:      ReasonerAgent,
			DependsOn:   []string{"step_1_search", "step_2_duckduckgo"},
			Params:      map[string]any{"task": "summarize"},
			Timeout:     seconds(30),
			OutputKey:   "summary",
		},
	)
	p.CapabilitiesUsed = append(p.CapabilitiesUsed, "brave-search")
	p.AgentsUsed = append(p.AgentsUsed, ReasonerAgent)
}

func buildAutomate(p *Plan) {
	p.Steps = append(p.Steps,
		Step{
			ID:          "step_1_templates",
			Kind:        KindCapabilityCall,
			Name:        "Search workflow templates",
			Description: "Find relevant n8n workflow templates",
			Target:      "n8n",
			Tool:        "search_templates",
			Params:      map[string]any{"query": p.Intent},
			Timeout:     seconds(30),
			OutputKey:   "templates",
		},
		Step{
			ID:          "step_2_create",
			Kind:        KindCapabilityCall,
			Name:        "Create workflow",
			Description: "Create the automation workflow",
			Target:      "n8n",
			Tool:        "create_workflow",
			DependsOn:   []string{"step_1_templates"},
			Params:      map[string]any{"intent": p.Intent},
			Timeout:     seconds(60),
			OutputKey:   "workflow",
		},
	)
	p.CapabilitiesUsed = append(p.CapabilitiesUsed, "n8n")
	p.AgentsUsed = append(p.AgentsUsed, AutomationAgent)
}

func buildDatabase(p *Plan) {
	p.Steps = append(p.Steps,
		Step{
			ID:          "step_1_analyze",
			Kind:        KindReasoningCall,
			Name:        "Analyze database request",
			Description: "Understand what database operation is needed",
			Target:      ReasonerAgent,
			Params:      map[string]any{"task": "analyze_db", "intent": p.Intent},
			Timeout:     seconds(15),
			OutputKey:   "db_analysis",
		},
		Step{
			ID:          "step_2_query",
			Kind:        KindCapabilityCall,
			Name:        "Execute database query",
			Description: "Run the SQL query",
			Target:      "postgresql",
			Tool:        "query",
			DependsOn:   []string{"step_1_analyze"},
			Params:      map[string]any{"sql": "{context.db_analysis}"},
			Timeout:     seconds(30),
			OutputKey:   "query_results",
		},
	)
	p.CapabilitiesUsed = append(p.CapabilitiesUsed, "postgresql")
	p.AgentsUsed = append(p.AgentsUsed, ReasonerAgent)
}

func buildGeneral(p *Plan) {
	p.Steps = append(p.Steps, Step{
		ID:          "step_1_reason",
		Kind:        KindReasoningCall,
		Name:        "Analyze and execute",
		Description: "Understand and execute the task",
		Target:      ReasonerAgent,
		Params:      map[string]any{"intent": p.Intent, "context": maps.Clone(p.InitialContext)},
		Timeout:     seconds(120),
		OutputKey:   "result",
	})
	p.AgentsUsed = append(p.AgentsUsed, ReasonerAgent)
}
