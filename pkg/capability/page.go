package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/net/html"

	"github.com/jllopis/handoff/pkg/errors"
)

// Page is a fetched HTML document with the metadata scrapers care about.
type Page struct {
	URL     string            `json:"url"`
	Title   string            `json:"title,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	JSONLD  []any             `json:"jsonld,omitempty"`
	Content string            `json:"content"`
	Blocked bool              `json:"blocked,omitempty"`
}

// Page fetches target and extracts its title, meta tags and JSON-LD blocks
// along with the flattened text. A page whose head mentions "access denied"
// is reported as blocked.
func (f *Fetcher) Page(ctx context.Context, target string) (Page, error) {
	body, _, err := f.get(ctx, target, 2<<20)
	if err != nil {
		return Page{URL: target}, err
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Page{URL: target}, errors.New(errors.CodeToolFailure, "parse html", err).WithContext("url", target)
	}

	page := Page{URL: target, Meta: map[string]string{}}
	collectMetadata(root, &page)

	var sb strings.Builder
	writeText(root, &sb, 0)
	page.Content = cleanText(sb.String())
	if len(page.Content) > f.maxContent {
		page.Content = page.Content[:f.maxContent] + "\n\n[...truncated...]"
	}

	head := body
	if len(head) > 2000 {
		head = head[:2000]
	}
	page.Blocked = bytes.Contains(bytes.ToLower(head), []byte("access denied"))
	return page, nil
}

func collectMetadata(n *html.Node, page *Page) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "title":
			if page.Title == "" {
				page.Title = textContent(n)
			}
		case "meta":
			name := attr(n, "property")
			if name == "" {
				name = attr(n, "name")
			}
			if content := attr(n, "content"); name != "" && content != "" {
				page.Meta[name] = content
			}
		case "script":
			if strings.EqualFold(attr(n, "type"), "application/ld+json") && n.FirstChild != nil {
				var doc any
				if json.Unmarshal([]byte(n.FirstChild.Data), &doc) == nil {
					page.JSONLD = append(page.JSONLD, doc)
				}
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectMetadata(c, page)
	}
}
