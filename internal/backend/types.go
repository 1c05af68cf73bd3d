package backend

import (
	"fmt"
	"strings"
)

// Request hands one main-pipeline step to its worker.
type Request struct {
	TaskID        string `json:"task_id"`
	TaskName      string `json:"task_name"`
	Workflow      string `json:"workflow"`
	Step          int    `json:"step"`
	Agent         string `json:"agent"`
	Category      string `json:"category,omitempty"`
	ModelHint     string `json:"model_hint,omitempty"`
	Attempt       int    `json:"attempt"` // 0 for the first try
	RevisionNotes string `json:"revision_notes,omitempty"`
}

// BranchRequest identifies one branch inside a group dispatch.
type BranchRequest struct {
	Label string `json:"label"`
	Agent string `json:"agent"`
}

// GroupRequest hands a batch of branches that share a model hint to the
// execution environment.
type GroupRequest struct {
	TaskID    string          `json:"task_id"`
	TaskName  string          `json:"task_name"`
	Workflow  string          `json:"workflow"`
	ModelHint string          `json:"model_hint,omitempty"`
	Branches  []BranchRequest `json:"branches"`
}

// Labels returns the branch labels of the group.
func (g GroupRequest) Labels() []string {
	labels := make([]string, len(g.Branches))
	for i, b := range g.Branches {
		labels[i] = b.Label
	}
	return labels
}

// Prompt renders the instruction text given to a process-based worker.
func (r Request) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s (%s), workflow %s.\n", r.TaskID, r.TaskName, r.Workflow)
	fmt.Fprintf(&b, "You are running step %d", r.Step)
	if r.Category != "" {
		fmt.Fprintf(&b, " (%s)", r.Category)
	}
	b.WriteString(". Acquire the task lock, register your outputs as artifacts, then report completion.\n")
	if r.Attempt > 0 {
		fmt.Fprintf(&b, "This is retry %d of the step.\n", r.Attempt)
	}
	if r.RevisionNotes != "" {
		fmt.Fprintf(&b, "Revision notes: %s\n", r.RevisionNotes)
	}
	return b.String()
}

// Prompt renders the instruction text for one branch of the group.
func (g GroupRequest) Prompt(branch BranchRequest) string {
	return fmt.Sprintf("Task %s (%s), workflow %s.\nYou are running branch %q. Register your outputs as artifacts, then report the branch complete.\n",
		g.TaskID, g.TaskName, g.Workflow, branch.Label)
}
