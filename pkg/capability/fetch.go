package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/jllopis/handoff/pkg/errors"
)

const (
	// DefaultSearchURL is the DuckDuckGo HTML endpoint used for searches.
	DefaultSearchURL = "https://html.duckduckgo.com/html/"
	// DefaultMaxContent caps the text returned by a fetch.
	DefaultMaxContent = 50000
	maxSearchResults  = 10
	userAgent         = "Mozilla/5.0 (compatible; handoff/1.0)"
)

var (
	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
)

// SearchResult is one hit of a web search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Fetcher serves network calls: a plain GET of params["url"], or a
// DuckDuckGo search when params["query"] is set without a url.
type Fetcher struct {
	client     *http.Client
	searchURL  string
	maxContent int
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithSearchURL overrides the search endpoint.
func WithSearchURL(u string) FetcherOption {
	return func(f *Fetcher) {
		if u != "" {
			f.searchURL = u
		}
	}
}

// WithMaxContent caps the characters returned by a fetch.
func WithMaxContent(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxContent = n
		}
	}
}

// NewFetcher creates a network-call invoker.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:     &http.Client{Timeout: 60 * time.Second},
		searchURL:  DefaultSearchURL,
		maxContent: DefaultMaxContent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Invoke performs the fetch or search described by call.Params.
func (f *Fetcher) Invoke(ctx context.Context, call Call) (Result, error) {
	target := StringParam(call.Params, "url")
	query := StringParam(call.Params, "query")
	if target == "" && query != "" {
		return f.search(ctx, query)
	}
	if target == "" {
		return Failed("url is required"), nil
	}
	return f.fetch(ctx, target)
}

func (f *Fetcher) get(ctx context.Context, target string, limit int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", errors.New(errors.CodeInvalidInput, "build request", err).WithContext("url", target)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", errors.New(errors.CodeToolFailure, "request failed", err).
			WithContext("url", target).
			WithRecoverable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Newf(errors.CodeToolFailure, "HTTP %d", resp.StatusCode).
			WithContext("url", target).
			WithRecoverable(resp.StatusCode >= 500)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", errors.New(errors.CodeToolFailure, "read response", err).WithContext("url", target)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (f *Fetcher) fetch(ctx context.Context, target string) (Result, error) {
	body, contentType, err := f.get(ctx, target, 2<<20)
	if err != nil {
		return Failed("%v", err), nil
	}
	var content string
	if strings.Contains(contentType, "text/plain") || strings.Contains(contentType, "text/markdown") {
		content = string(body)
	} else {
		content, err = htmlToText(string(body))
		if err != nil {
			return Failed("parse html: %v", err), nil
		}
	}
	if len(content) > f.maxContent {
		content = content[:f.maxContent] + "\n\n[...truncated...]"
	}
	return OK(map[string]any{"url": target, "content": content}), nil
}

func (f *Fetcher) search(ctx context.Context, query string) (Result, error) {
	endpoint := f.searchURL + "?q=" + url.QueryEscape(query)
	body, _, err := f.get(ctx, endpoint, 1<<20)
	if err != nil {
		return Failed("search failed: %v", err), nil
	}
	results, err := parseSearchResults(string(body), maxSearchResults)
	if err != nil {
		return Failed("parse results: %v", err), nil
	}
	return OK(map[string]any{"query": query, "results": results}), nil
}

// htmlToText flattens an HTML document into markdown-ish text.
func htmlToText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	writeText(root, &sb, 0)
	return cleanText(sb.String()), nil
}

func writeText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 50 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer":
			return
		case "title", "h1":
			sb.WriteString("\n\n# ")
		case "h2":
			sb.WriteString("\n\n## ")
		case "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n### ")
		case "p", "div", "section", "article", "tr":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, sb, depth+1)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title", "h1", "h2", "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n")
		}
	}
}

func cleanText(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func parseSearchResults(doc string, limit int) ([]SearchResult, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	results := []SearchResult{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") {
			if r := extractResult(n); r.URL != "" && r.Title != "" {
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results, nil
}

func extractResult(n *html.Node) SearchResult {
	var r SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a"):
				r.URL = attr(n, "href")
				r.Title = textContent(n)
			case hasClass(n, "result__snippet"):
				r.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	// DuckDuckGo wraps hits in a redirect carrying the target in uddg.
	if strings.Contains(r.URL, "duckduckgo.com/l/") {
		if u, err := url.Parse(r.URL); err == nil {
			if target := u.Query().Get("uddg"); target != "" {
				r.URL = target
			}
		}
	}
	return r
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
