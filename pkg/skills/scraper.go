package skills

import (
	"context"
	"strings"

	"github.com/jllopis/handoff/pkg/capability"
	"github.com/jllopis/handoff/pkg/errors"
	"github.com/jllopis/handoff/pkg/planner"
)

// ScraperSkill is the name of the built-in last-resort scraper.
const ScraperSkill = planner.ScraperSkill

// NewScraper returns the handler behind ScraperSkill. It fetches the page
// named by the "url" parameter (or the shared context) and returns its text
// with whatever structured data the page declares, leaving extraction to
// the reasoning step that follows.
func NewScraper(fetcher *capability.Fetcher) Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (capability.Result, error) {
		url := capability.StringParam(req.Params, "url")
		if url == "" {
			url = capability.StringParam(req.Context, "url")
		}
		if url == "" {
			return capability.Failed("url is required"), nil
		}

		page, err := fetcher.Page(ctx, url)
		if err != nil {
			return capability.Failed("%s", blockedReason(err)), nil
		}
		if page.Blocked {
			return capability.Failed("Site blocked"), nil
		}

		data := map[string]any{
			"url":          page.URL,
			"source_title": page.Title,
			"content":      page.Content,
		}
		if len(page.Meta) > 0 {
			data["meta"] = page.Meta
		}
		if len(page.JSONLD) > 0 {
			data["jsonld"] = page.JSONLD
		}
		if intent := capability.StringParam(req.Params, "intent"); intent != "" {
			data["intent"] = intent
		}
		return capability.OK(data), nil
	})
}

func blockedReason(err error) string {
	msg := errors.Message(err)
	switch {
	case strings.Contains(msg, "HTTP 403"):
		return "Site blocked (403 Forbidden)"
	case strings.Contains(msg, "HTTP 503"):
		return "Site blocked (503)"
	}
	return msg
}
