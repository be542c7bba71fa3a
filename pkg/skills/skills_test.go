package skills

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/errors"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "price-watch")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `---
name: price-watch
description: Scrapes product pages and reports price changes.
capabilities: [firecrawl, playwright, firecrawl]
allowed-tools: Bash(curl: * ) Bash(jq:*)
timeout: 45s
---

Compare the scraped price with the last recorded one.
`
	path := filepath.Join(skillDir, "SKILL.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	skill, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if skill.Name != "price-watch" {
		t.Fatalf("unexpected name: %s", skill.Name)
	}
	if !reflect.DeepEqual(skill.Capabilities, []string{"firecrawl", "playwright"}) {
		t.Fatalf("unexpected capabilities %v", skill.Capabilities)
	}
	if !reflect.DeepEqual(skill.AllowedTools, []string{"Bash(curl:*)", "Bash(jq:*)"}) {
		t.Fatalf("unexpected allowed tools %v", skill.AllowedTools)
	}
	if skill.Timeout != 45*time.Second {
		t.Fatalf("unexpected timeout %s", skill.Timeout)
	}
	if skill.Body != "Compare the scraped price with the last recorded one." {
		t.Fatalf("unexpected body %q", skill.Body)
	}
}

func TestLoadFileReportsEveryProblem(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "broken", `---
name: broken
capabilities: {firecrawl: true}
timeout: 10m
---
`)
	_, err := LoadFile(filepath.Join(root, "broken", "SKILL.md"))
	if err == nil {
		t.Fatal("expected an error")
	}
	for _, want := range []string{"capabilities", "timeout must be within", "description is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}

	writeSkill(t, root, "plain", "no frontmatter here")
	if _, err := LoadFile(filepath.Join(root, "plain", "SKILL.md")); err == nil || err.Error() != "missing frontmatter" {
		t.Fatalf("expected missing frontmatter, got %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "code-review")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `---
name: code-review
description: Review code changes.
---
`
	path := filepath.Join(skillDir, "SKILL.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	skills, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(skills) != 1 {
		t.Fatalf("expected 1 skill, got %d", len(skills))
	}
}

func writeSkill(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, "references"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func TestLoadFilePermissionsAndValidation(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "fetch_logs", `---
name: fetch_logs
description: Retrieve logs and artifacts from job executions.
permissions: ["logs:read"]
---
Fetch the last lines of the job log.
`)
	skill, err := LoadFile(filepath.Join(root, "fetch_logs", "SKILL.md"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(skill.Permissions) != 1 || skill.Permissions[0] != "logs:read" {
		t.Fatalf("unexpected permissions %v", skill.Permissions)
	}

	writeSkill(t, root, "other-dir", `---
name: mismatched
description: Name differs from the directory.
---
`)
	if _, err := LoadFile(filepath.Join(root, "other-dir", "SKILL.md")); err == nil {
		t.Fatal("expected directory name mismatch error")
	}
	if _, err := LoadDir(root); !errors.IsCode(err, errors.CodeInvalidConfig) {
		t.Fatalf("expected invalid config from LoadDir, got %v", err)
	}

	skills, err := LoadDir(filepath.Join(root, "missing"))
	if err != nil || skills != nil {
		t.Fatalf("missing dir should yield nothing, got %v %v", skills, err)
	}
}

func TestRunnerDispatch(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "run-workflow", `---
name: run-workflow
description: Run an n8n workflow by id.
capabilities: n8n
timeout: 30s
---
Trigger the workflow and report its execution id.
`)
	if err := os.WriteFile(filepath.Join(dir, "references", "api.md"), []byte("POST /workflows/{id}/run"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	specs, err := LoadDir(root)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}

	var forwarded capability.Call
	executor := capability.InvokerFunc(func(ctx context.Context, call capability.Call) (capability.Result, error) {
		forwarded = call
		return capability.OK("execution 42"), nil
	})
	runner := NewRunner(
		WithSkills(specs...),
		WithExecutor(executor),
		WithHandler("echo", HandlerFunc(func(ctx context.Context, req Request) (capability.Result, error) {
			return capability.OK(req.Params["msg"]), nil
		})),
	)

	if got := runner.Names(); !reflect.DeepEqual(got, []string{"echo", "run-workflow"}) {
		t.Fatalf("unexpected names %v", got)
	}

	res, err := runner.Invoke(context.Background(), capability.Call{Target: "echo", Params: map[string]any{"msg": "hi"}})
	if err != nil || res.Data != "hi" {
		t.Fatalf("handler dispatch failed: %+v %v", res, err)
	}

	res, err = runner.Invoke(context.Background(), capability.Call{
		Target: "run-workflow",
		Params: map[string]any{"task": "run wf-7"},
	})
	if err != nil || res.Data != "execution 42" {
		t.Fatalf("executor dispatch failed: %+v %v", res, err)
	}
	if forwarded.Params["instructions"] != "Trigger the workflow and report its execution id." {
		t.Fatalf("instructions not forwarded: %v", forwarded.Params)
	}
	if !reflect.DeepEqual(forwarded.Params["resources"], []string{filepath.Join("references", "api.md")}) {
		t.Fatalf("resources not forwarded: %v", forwarded.Params["resources"])
	}
	if !reflect.DeepEqual(forwarded.Params["capabilities"], []string{"n8n"}) {
		t.Fatalf("capabilities not forwarded: %v", forwarded.Params["capabilities"])
	}
	if forwarded.Timeout != 30*time.Second {
		t.Fatalf("skill timeout not applied: %s", forwarded.Timeout)
	}
	if forwarded.Params["task"] != "run wf-7" {
		t.Fatalf("original params lost: %v", forwarded.Params)
	}

	_, err = runner.Invoke(context.Background(), capability.Call{Target: "nope"})
	if !errors.IsCode(err, errors.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestLoadResource(t *testing.T) {
	dir := writeSkill(t, t.TempDir(), "code-review", "")
	if err := os.WriteFile(filepath.Join(dir, "references", "style.md"), []byte("be kind"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	spec := SkillSpec{Name: "code-review", Dir: dir}

	got, err := spec.LoadResource("references/style.md")
	if err != nil || got != "be kind" {
		t.Fatalf("LoadResource: %q %v", got, err)
	}
	for _, bad := range []string{"", "../secret", "/etc/passwd"} {
		if _, err := spec.LoadResource(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestScraper(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/denied":
			_, _ = w.Write([]byte("<html><body>Access Denied</body></html>"))
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><head><title>Shop</title>
<meta property="og:type" content="product">
<script type="application/ld+json">{"@type":"Product","name":"Lamp"}</script>
</head><body><h1>Lamp</h1><p>Only 20 EUR</p></body></html>`))
		}
	}))
	defer server.Close()

	scraper := NewScraper(capability.NewFetcher())
	ctx := context.Background()

	res, err := scraper.Run(ctx, Request{Params: map[string]any{"url": server.URL + "/lamp", "intent": "get price"}})
	if err != nil || !res.Success {
		t.Fatalf("scrape failed: %+v %v", res, err)
	}
	data := res.Data.(map[string]any)
	if data["source_title"] != "Shop" || data["intent"] != "get price" {
		t.Fatalf("unexpected data %v", data)
	}
	if !strings.Contains(data["content"].(string), "Only 20 EUR") {
		t.Fatalf("content missing: %q", data["content"])
	}
	if data["meta"].(map[string]string)["og:type"] != "product" {
		t.Fatalf("meta missing: %v", data["meta"])
	}
	if !reflect.DeepEqual(data["jsonld"], []any{map[string]any{"@type": "Product", "name": "Lamp"}}) {
		t.Fatalf("jsonld missing: %v", data["jsonld"])
	}

	res, _ = scraper.Run(ctx, Request{Context: map[string]any{"url": server.URL + "/forbidden"}})
	if res.Success || res.Error != "Site blocked (403 Forbidden)" {
		t.Fatalf("expected 403 block, got %+v", res)
	}
	res, _ = scraper.Run(ctx, Request{Params: map[string]any{"url": server.URL + "/denied"}})
	if res.Success || res.Error != "Site blocked" {
		t.Fatalf("expected access denied block, got %+v", res)
	}
	res, _ = scraper.Run(ctx, Request{})
	if res.Success || res.Error != "url is required" {
		t.Fatalf("expected missing url failure, got %+v", res)
	}
}
