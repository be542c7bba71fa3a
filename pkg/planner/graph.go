package planner

import (
	"fmt"
	"strings"

	"github.com/jllopis/handoff/pkg/errors"
)

// Validate ensures the plan is well-formed for execution: ids are unique
// and non-empty, kinds are known, references resolve, and the graph built
// from dependency, fallback and group edges is acyclic.
func (p *Plan) Validate() error {
	if p == nil {
		return invalid("plan is nil")
	}
	if len(p.Steps) == 0 {
		return invalid("plan has no steps")
	}

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return invalid("step id is required")
		}
		if ids[s.ID] {
			return invalid(fmt.Sprintf("duplicate step id %q", s.ID))
		}
		ids[s.ID] = true
		if !s.Kind.Valid() {
			return invalid(fmt.Sprintf("step %q has unknown kind %q", s.ID, s.Kind))
		}
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return invalid(fmt.Sprintf("step %q depends on itself", s.ID))
			}
			if !ids[dep] {
				return invalid(fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
		if s.Fallback != "" {
			if s.Fallback == s.ID {
				return invalid(fmt.Sprintf("step %q falls back to itself", s.ID))
			}
			if !ids[s.Fallback] {
				return invalid(fmt.Sprintf("step %q falls back to unknown step %q", s.ID, s.Fallback))
			}
		}
		if s.Kind == KindParallel && len(s.Group) == 0 {
			return invalid(fmt.Sprintf("parallel step %q has an empty group", s.ID))
		}
		if s.Kind != KindParallel && len(s.Group) > 0 {
			return invalid(fmt.Sprintf("step %q has a group but is not parallel", s.ID))
		}
		for _, member := range s.Group {
			if member == s.ID {
				return invalid(fmt.Sprintf("parallel step %q contains itself", s.ID))
			}
			if !ids[member] {
				return invalid(fmt.Sprintf("parallel step %q contains unknown step %q", s.ID, member))
			}
		}
		if s.Kind == KindConditional && strings.TrimSpace(s.Condition) == "" {
			return invalid(fmt.Sprintf("conditional step %q has no condition", s.ID))
		}
	}

	if _, err := p.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// Edges returns, per step, the steps that must settle before it: its
// dependencies, the step it is a fallback for, and its group members.
func (p *Plan) Edges() map[string][]string {
	edges := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		edges[s.ID] = append(edges[s.ID], s.DependsOn...)
		if s.Fallback != "" {
			edges[s.Fallback] = append(edges[s.Fallback], s.ID)
		}
		edges[s.ID] = append(edges[s.ID], s.Group...)
	}
	return edges
}

// TopologicalOrder sorts step ids with Kahn's algorithm. On a cycle the
// error names the cycle path.
func (p *Plan) TopologicalOrder() ([]string, error) {
	names := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		names = append(names, s.ID)
	}
	edges := p.Edges()

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	inDegree := make(map[string]int, len(names))
	forward := make(map[string][]string)
	for _, n := range names {
		for _, dep := range edges[n] {
			if !known[dep] {
				continue
			}
			inDegree[n]++
			forward[dep] = append(forward[dep], n)
		}
	}

	var queue []string
	for _, n := range names {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}
	sorted := make([]string, 0, len(names))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, next := range forward[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(sorted) == len(names) {
		return sorted, nil
	}
	path := cyclePath(names, edges, inDegree)
	return nil, invalid("circular dependency detected: " + strings.Join(path, " -> ")).
		WithContext("cycle", path)
}

func cyclePath(names []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	parent := make(map[string]string)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			switch color[dep] {
			case gray:
				path = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			case white:
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range names {
		if inDegree[n] > 0 && color[n] == white && dfs(n) {
			return path
		}
	}
	return []string{"(cycle detected)"}
}

func invalid(msg string) *errors.HandoffError {
	return errors.New(errors.CodeInvalidPlan, msg, nil)
}
