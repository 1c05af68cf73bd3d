package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/contentflow/internal/config"
)

func stepNode(order int) string     { return fmt.Sprintf("step:%d", order) }
func branchNode(label string) string { return "branch:" + label }

// ValidateTemplate checks a workflow template and returns its execution plan:
// step and branch nodes in a valid topological order.
//
// Edges: each step precedes the next, a trigger step precedes its branches,
// and every branch precedes the convergence step, or the final step when the
// workflow names none. A convergence step at or before a trigger step
// therefore shows up as a cycle.
func ValidateTemplate(name string, wf config.WorkflowConfig) ([]string, error) {
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", name)
	}

	convergence := NoStep
	if wf.ConvergenceStep != nil {
		convergence = *wf.ConvergenceStep
		if convergence < 0 || convergence >= len(wf.Steps) {
			return nil, fmt.Errorf("workflow %q: convergence step %d outside pipeline of %d steps", name, convergence, len(wf.Steps))
		}
	}

	var edges []toposort.Edge
	edges = append(edges, toposort.Edge{nil, stepNode(0)})
	for i := 1; i < len(wf.Steps); i++ {
		edges = append(edges, toposort.Edge{stepNode(i - 1), stepNode(i)})
	}

	seen := make(map[string]bool, len(wf.Branches))
	for _, b := range wf.Branches {
		if b.Label == "" {
			return nil, fmt.Errorf("workflow %q: branch without label", name)
		}
		if seen[b.Label] {
			return nil, fmt.Errorf("workflow %q: duplicate branch label %q", name, b.Label)
		}
		seen[b.Label] = true

		if b.TriggerAfterStep < 0 || b.TriggerAfterStep >= len(wf.Steps) {
			return nil, fmt.Errorf("workflow %q: branch %q triggers after unknown step %d", name, b.Label, b.TriggerAfterStep)
		}
		if b.TriggerAfterStep == len(wf.Steps)-1 {
			return nil, fmt.Errorf("workflow %q: branch %q triggers after the final step and could never converge", name, b.Label)
		}
		edges = append(edges, toposort.Edge{stepNode(b.TriggerAfterStep), branchNode(b.Label)})
		gate := convergence
		if gate == NoStep {
			gate = len(wf.Steps) - 1
		}
		edges = append(edges, toposort.Edge{branchNode(b.Label), stepNode(gate)})
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: convergence step must come after every branch trigger: %w", name, err)
	}

	plan := make([]string, 0, len(sorted))
	for _, node := range sorted {
		if node != nil {
			plan = append(plan, node.(string))
		}
	}

	if want := len(wf.Steps) + len(wf.Branches); len(plan) != want {
		return nil, fmt.Errorf("workflow %q: plan lost nodes (%s)", name, strings.Join(plan, ", "))
	}

	return plan, nil
}
