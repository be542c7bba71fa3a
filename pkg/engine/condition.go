package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jllopis/handoff/pkg/errors"
)

const contextPrefix = "context."

var templatePattern = regexp.MustCompile(`\{context\.([A-Za-z0-9_.\-]+)\}`)

// EvaluateCondition evaluates a conditional step expression against the
// shared context. Supported forms:
//
//	context.key                 key is present and truthy
//	context.key==value          string form of key equals value
//	context.key!=value          string form of key differs from value
//	context.key.contains:value  string form of key contains value
//
// Keys may be dotted paths into nested maps.
func EvaluateCondition(expr string, shared map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, contextPrefix) {
		return false, errors.Newf(errors.CodeInvalidInput, "condition %q must start with %q", expr, contextPrefix)
	}
	body := strings.TrimPrefix(expr, contextPrefix)

	if idx := strings.Index(body, "!="); idx > 0 {
		v, ok := lookup(shared, body[:idx])
		return !ok || stringify(v) != strings.TrimSpace(body[idx+2:]), nil
	}
	if idx := strings.Index(body, "=="); idx > 0 {
		v, ok := lookup(shared, body[:idx])
		return ok && stringify(v) == strings.TrimSpace(body[idx+2:]), nil
	}
	if idx := strings.Index(body, ".contains:"); idx > 0 {
		v, ok := lookup(shared, body[:idx])
		return ok && strings.Contains(stringify(v), body[idx+len(".contains:"):]), nil
	}
	if body == "" {
		return false, errors.Newf(errors.CodeInvalidInput, "condition %q names no key", expr)
	}
	v, ok := lookup(shared, body)
	return ok && truthy(v), nil
}

func lookup(m map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if v, ok := m[path]; ok {
		return v, true
	}
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// ResolveParams returns a deep copy of params with {context.key}
// placeholders replaced from shared. A string that is exactly one
// placeholder takes the raw value; placeholders inside longer strings take
// its string form. Unknown keys are left untouched.
func ResolveParams(params map[string]any, shared map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, shared)
	}
	return out
}

func resolveValue(v any, shared map[string]any) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, shared)
	case map[string]any:
		return ResolveParams(t, shared)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveValue(item, shared)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveString(item, shared)
		}
		return out
	}
	return v
}

func resolveString(s string, shared map[string]any) any {
	if m := templatePattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := lookup(shared, m[1]); ok {
			return v
		}
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		key := templatePattern.FindStringSubmatch(match)[1]
		if v, ok := lookup(shared, key); ok {
			return stringify(v)
		}
		return match
	})
}

// skipList reads the ids named by a conditional step's "skip" param.
func skipList(params map[string]any) []string {
	switch t := params["skip"].(type) {
	case string:
		var out []string
		for _, id := range strings.Split(t, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
		return out
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, id := range t {
			if s, ok := id.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
