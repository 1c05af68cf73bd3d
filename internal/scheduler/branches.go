package scheduler

import "sort"

// BranchGroup is a set of branches sharing a model hint, dispatched in one
// call. Grouping only batches dispatch work.
type BranchGroup struct {
	ModelHint string
	Branches  []Branch
}

// TriggeredBranches returns the branches activated by completing the main
// step with the given order.
func TriggeredBranches(task *Task, order int) []Branch {
	var triggered []Branch
	for _, b := range task.Branches {
		if b.TriggerAfterStep == order {
			triggered = append(triggered, b)
		}
	}
	return triggered
}

// GroupByModel groups branches by model hint, ordered by hint.
func GroupByModel(branches []Branch) []BranchGroup {
	byHint := make(map[string][]Branch)
	for _, b := range branches {
		byHint[b.ModelHint] = append(byHint[b.ModelHint], b)
	}

	hints := make([]string, 0, len(byHint))
	for hint := range byHint {
		hints = append(hints, hint)
	}
	sort.Strings(hints)

	groups := make([]BranchGroup, 0, len(hints))
	for _, hint := range hints {
		groups = append(groups, BranchGroup{ModelHint: hint, Branches: byHint[hint]})
	}
	return groups
}

// Labels returns the labels of branches in order.
func Labels(branches []Branch) []string {
	labels := make([]string, 0, len(branches))
	for _, b := range branches {
		labels = append(labels, b.Label)
	}
	return labels
}

// RemovePending removes label from the task's pending set and reports
// whether it was present.
func RemovePending(task *Task, label string) bool {
	for i, l := range task.PendingBranches {
		if l == label {
			task.PendingBranches = append(task.PendingBranches[:i:i], task.PendingBranches[i+1:]...)
			return true
		}
	}
	return false
}
