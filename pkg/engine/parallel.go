package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jllopis/handoff/pkg/planner"
)

// runGroup dispatches the members of a parallel step concurrently and joins
// them. Member outputs are committed in group order after the join, so the
// first-success rule does not depend on which goroutine finished first.
func (r *run) runGroup(ctx context.Context, step *planner.Step) settled {
	members := make([]settled, len(step.Group))
	var g errgroup.Group
	for i, id := range step.Group {
		member := r.step(id)
		g.Go(func() error {
			members[i] = r.runChain(ctx, member)
			return nil
		})
	}
	_ = g.Wait()

	output := make(map[string]any, len(members))
	var failure error
	for i, st := range members {
		r.commit(st)
		if st.status.Resolved() {
			output[step.Group[i]] = st.output
			continue
		}
		if failure == nil {
			failure = fmt.Errorf("member %s %s: %s", step.Group[i], st.status, st.err)
		}
	}
	return r.end(ctx, step, output, 1, failure)
}
