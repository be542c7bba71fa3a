// Package skills loads SKILL.md definitions and runs skill-invoke steps.
//
// A skill directory holds a SKILL.md file whose YAML frontmatter names and
// describes the skill and whose body carries its instructions. Skills backed
// by a registered Handler run in process; the rest are handed to an
// instruction executor together with their body.
package skills

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/handoff/pkg/errors"
)

// SkillFile is the definition file looked up in every skill directory.
const SkillFile = "SKILL.md"

// SkillSpec describes a skill loaded from SKILL.md.
type SkillSpec struct {
	Name        string
	Description string
	// Capabilities the skill drives. They are forwarded to the executor so
	// it can reach the matching MCP servers.
	Capabilities []string
	// Permissions the caller must hold; checked by the governance hooks.
	Permissions  []string
	AllowedTools []string
	// Timeout applies when the calling step sets none.
	Timeout time.Duration
	Body    string
	Path    string
	Dir     string
}

const (
	maxNameLen        = 64
	maxDescriptionLen = 1024
	maxTimeout        = 120 * time.Second
)

// Built-in skills use underscores (universal_scraper), SKILL.md ones hyphens.
var namePattern = regexp.MustCompile(`^[a-z0-9]+(?:[-_][a-z0-9]+)*$`)

// LoadDir loads every <root>/<name>/SKILL.md, sorted by name. A missing
// root yields no skills; a broken definition fails the whole load.
func LoadDir(root string) ([]SkillSpec, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, "read skills dir", err).WithContext("dir", root)
	}
	var out []SkillSpec
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), SkillFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		spec, err := LoadFile(path)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidConfig, "load skill "+entry.Name(), err).
				WithContext("path", path)
		}
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// header is the SKILL.md frontmatter. List fields accept a YAML list or a
// space separated string.
type header struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Capabilities any    `yaml:"capabilities"`
	Permissions  any    `yaml:"permissions"`
	AllowedTools any    `yaml:"allowed-tools"`
	Timeout      string `yaml:"timeout"`
}

// LoadFile parses one SKILL.md. The skill name must match its directory.
func LoadFile(path string) (SkillSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SkillSpec{}, err
	}
	front, body, err := splitFrontmatter(string(data))
	if err != nil {
		return SkillSpec{}, err
	}
	var h header
	if err := yaml.Unmarshal([]byte(front), &h); err != nil {
		return SkillSpec{}, fmt.Errorf("parse frontmatter: %w", err)
	}

	var problems []error
	list := func(field string, value any) []string {
		out, err := stringList(value)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", field, err))
		}
		return out
	}
	spec := SkillSpec{
		Name:         strings.TrimSpace(h.Name),
		Description:  strings.TrimSpace(h.Description),
		Capabilities: list("capabilities", h.Capabilities),
		Permissions:  list("permissions", h.Permissions),
		AllowedTools: list("allowed-tools", h.AllowedTools),
		Body:         body,
		Path:         path,
		Dir:          filepath.Dir(path),
	}
	if h.Timeout != "" {
		d, err := time.ParseDuration(h.Timeout)
		switch {
		case err != nil:
			problems = append(problems, fmt.Errorf("timeout: %w", err))
		case d <= 0 || d > maxTimeout:
			problems = append(problems, fmt.Errorf("timeout must be within (0, %s]", maxTimeout))
		default:
			spec.Timeout = d
		}
	}
	problems = append(problems, spec.validate()...)
	if err := stderrors.Join(problems...); err != nil {
		return SkillSpec{}, err
	}
	return spec, nil
}

func (s SkillSpec) validate() []error {
	var problems []error
	switch {
	case s.Name == "":
		problems = append(problems, stderrors.New("name is required"))
	case len(s.Name) > maxNameLen:
		problems = append(problems, fmt.Errorf("name exceeds %d characters", maxNameLen))
	case !namePattern.MatchString(s.Name):
		problems = append(problems, fmt.Errorf("name %q must match %s", s.Name, namePattern))
	case filepath.Base(s.Dir) != s.Name:
		problems = append(problems, fmt.Errorf("name %q must match its directory %q", s.Name, filepath.Base(s.Dir)))
	}
	switch {
	case s.Description == "":
		problems = append(problems, stderrors.New("description is required"))
	case len([]rune(s.Description)) > maxDescriptionLen:
		problems = append(problems, fmt.Errorf("description exceeds %d characters", maxDescriptionLen))
	}
	return problems
}

// splitFrontmatter cuts "---\n<yaml>\n---\n<body>".
func splitFrontmatter(content string) (front, body string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimLeft(content, "\ufeff \t\r\n"), "---")
	if !ok {
		return "", "", stderrors.New("missing frontmatter")
	}
	front, body, ok = strings.Cut(rest, "\n---")
	if !ok {
		return "", "", stderrors.New("unterminated frontmatter")
	}
	return strings.TrimSpace(front), strings.TrimSpace(body), nil
}

// stringList accepts nil, "a b c" or a list of strings, trims and dedupes
// the items and keeps their order. "Bash(git: *)" is normalized to
// "Bash(git:*)".
func stringList(value any) ([]string, error) {
	var items []string
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		items = strings.Fields(tidy(v))
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("want a list of strings, got %T", item)
			}
			items = append(items, tidy(s))
		}
	default:
		return nil, fmt.Errorf("want a string or a list, got %T", value)
	}
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" && !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out, nil
}

var tidier = strings.NewReplacer("( ", "(", " )", ")", ": ", ":", " :", ":")

func tidy(s string) string { return tidier.Replace(s) }
