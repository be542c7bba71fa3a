package guardrails

import (
	"context"
	"regexp"
	"strings"
)

// TermChecker blocks text that mentions any of a list of words or phrases,
// matched case-insensitively on word boundaries.
type TermChecker struct {
	terms []string
	re    *regexp.Regexp
}

// NewTermChecker creates a checker for terms. Blank terms are ignored.
func NewTermChecker(terms ...string) *TermChecker {
	c := &TermChecker{}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		c.terms = append(c.terms, term)
		quoted = append(quoted, strings.Join(strings.Fields(regexp.QuoteMeta(term)), `\s+`))
	}
	if len(quoted) > 0 {
		c.re = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	}
	return c
}

func (c *TermChecker) ID() string { return "blocked-terms" }

func (c *TermChecker) Check(_ context.Context, text string) Verdict {
	if c.re == nil {
		return Verdict{}
	}
	m := c.re.FindString(text)
	if m == "" {
		return Verdict{}
	}
	return Verdict{
		Blocked:    true,
		Reason:     "mentions blocked term " + strings.ToLower(m),
		Confidence: 1,
		Matches:    []string{m},
	}
}
