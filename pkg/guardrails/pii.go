// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"regexp"
	"strings"
)

// Mode decides what replaces a match.
type Mode int

const (
	// MaskMode replaces a match with a placeholder such as "[EMAIL]".
	MaskMode Mode = iota
	// RedactMode removes a match.
	RedactMode
)

type piiPattern struct {
	kind string
	re   *regexp.Regexp
	mask string
}

// Order matters: emails go before anything that matches digits, and masks
// carry no digits so later patterns never see them.
var piiPatterns = []piiPattern{
	{"email", regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[EMAIL]"},
	{"credit_card", regexp.MustCompile(`\b(?:\d{4}[- ]?){3}\d{4}\b`), "[CREDIT_CARD]"},
	{"secret", regexp.MustCompile(`\b(?:sk|pk|ghp|gho|xox[abp])[-_][A-Za-z0-9_-]{16,}\b`), "[SECRET]"},
	{"ip_address", regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), "[IP_ADDRESS]"},
	{"phone", regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`), "[PHONE]"},
}

// PIIMasker hides personal data and credentials.
type PIIMasker struct {
	mode  Mode
	kinds map[string]bool
}

// NewPIIMasker creates a masker for kinds, or for every kind when none is
// given: email, credit_card, secret, ip_address and phone.
func NewPIIMasker(mode Mode, kinds ...string) *PIIMasker {
	m := &PIIMasker{mode: mode}
	if len(kinds) > 0 {
		m.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			m.kinds[k] = true
		}
	}
	return m
}

func (m *PIIMasker) ID() string { return "pii" }

func (m *PIIMasker) Filter(ctx context.Context, text string) (string, []Redaction) {
	var redactions []Redaction
	for _, p := range piiPatterns {
		if m.kinds != nil && !m.kinds[p.kind] {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		locs := p.re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		replacement := p.mask
		if m.mode == RedactMode {
			replacement = ""
		}
		var b strings.Builder
		last := 0
		for _, loc := range locs {
			b.WriteString(text[last:loc[0]])
			redactions = append(redactions, Redaction{Kind: p.kind, Replacement: replacement, Position: b.Len()})
			b.WriteString(replacement)
			last = loc[1]
		}
		b.WriteString(text[last:])
		text = b.String()
	}
	return text, redactions
}
