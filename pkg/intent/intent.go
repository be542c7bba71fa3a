// SPDX-License-Identifier: Apache-2.0

// Package intent classifies free-text requests into a closed set of task
// types using ordered, literal regular-expression tables.
//
// The classifier is a heuristic. Its confidence is advisory and callers
// must tolerate misclassification.
package intent

import (
	"regexp"
	"strings"

	"github.com/jllopis/handoff/pkg/errors"
)

// TaskType is the closed set of request categories.
type TaskType string

const (
	TaskGeneral  TaskType = "general"
	TaskScrape   TaskType = "scrape"
	TaskDatabase TaskType = "database"
	TaskSearch   TaskType = "search"
	TaskAutomate TaskType = "automate"
	TaskDeploy   TaskType = "deploy"
	TaskNotify   TaskType = "notify"
	TaskMonitor  TaskType = "monitor"
	TaskFile     TaskType = "file"
	TaskGit      TaskType = "git"
	TaskDocs     TaskType = "docs"
)

// TaskTypes lists every task type except general, in rule order.
var TaskTypes = []TaskType{
	TaskScrape,
	TaskDatabase,
	TaskSearch,
	TaskAutomate,
	TaskDeploy,
	TaskNotify,
	TaskMonitor,
	TaskFile,
	TaskGit,
	TaskDocs,
}

// ParseTaskType validates s against the closed set.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if t == TaskGeneral {
		return t, nil
	}
	for _, known := range TaskTypes {
		if t == known {
			return t, nil
		}
	}
	return "", errors.Newf(errors.CodeInvalidInput, "unknown task type %q", s)
}

func (t TaskType) String() string { return string(t) }

const (
	// BaselineConfidence is reported for requests that match no rule.
	BaselineConfidence = 0.5

	// MatchBonus is added to the baseline when a rule matches.
	MatchBonus = 0.2
)

// Classification is the immutable result of classifying one request.
type Classification struct {
	Text       string   `json:"text"`
	TaskType   TaskType `json:"task_type"`
	Confidence float64  `json:"confidence"`
	// Score is the length of the winning pattern source, 0 for general.
	Score int `json:"score"`
	// Pattern is the winning pattern source.
	Pattern string `json:"pattern,omitempty"`
}

// Rule binds a task type to its patterns.
type Rule struct {
	Type     TaskType
	Patterns []string
}

type compiledRule struct {
	taskType TaskType
	sources  []string
	patterns []*regexp.Regexp
}

// Classifier evaluates rules in order. It is safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles rules; a nil slice selects DefaultRules.
func NewClassifier(rules []Rule) (*Classifier, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	c := &Classifier{}
	for _, rule := range rules {
		cr := compiledRule{taskType: rule.Type}
		for _, src := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + src)
			if err != nil {
				return nil, errors.New(errors.CodeInvalidConfig, "compile intent pattern", err).
					WithContext("task_type", string(rule.Type)).
					WithContext("pattern", src)
			}
			cr.sources = append(cr.sources, src)
			cr.patterns = append(cr.patterns, re)
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// MustClassifier is NewClassifier for static rule tables.
func MustClassifier(rules []Rule) *Classifier {
	c, err := NewClassifier(rules)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify scores every rule against text. A rule's score is the length of
// its longest matching pattern source; the highest score wins and ties go
// to the earlier rule.
func (c *Classifier) Classify(text string) Classification {
	out := Classification{
		Text:       text,
		TaskType:   TaskGeneral,
		Confidence: BaselineConfidence,
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return out
	}
	for _, rule := range c.rules {
		best, bestSrc := 0, ""
		for i, re := range rule.patterns {
			if re.MatchString(lower) && len(rule.sources[i]) > best {
				best, bestSrc = len(rule.sources[i]), rule.sources[i]
			}
		}
		if best > out.Score {
			out.TaskType = rule.taskType
			out.Score = best
			out.Pattern = bestSrc
		}
	}
	if out.TaskType != TaskGeneral {
		out.Confidence = BaselineConfidence + MatchBonus
	}
	return out
}
