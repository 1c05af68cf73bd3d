package scheduler

import "time"

// TaskStatus is the coarse lifecycle label of a task. Stage statuses are
// derived from the category of the most recently completed step.
type TaskStatus string

const (
	StatusBacklog        TaskStatus = "backlog"
	StatusResearched     TaskStatus = "researched"
	StatusOutlined       TaskStatus = "outlined"
	StatusDrafted        TaskStatus = "drafted"
	StatusReviewed       TaskStatus = "reviewed"
	StatusFinalized      TaskStatus = "finalized"
	StatusCompleted      TaskStatus = "completed"
	StatusRevisionNeeded TaskStatus = "revision_needed"
	StatusBlocked        TaskStatus = "blocked"
	StatusCancelled      TaskStatus = "cancelled"
)

// IsTerminal reports whether the task has finished for good.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// AwaitingOperator reports whether automatic processing is suspended until
// an operator resumes the task.
func (s TaskStatus) AwaitingOperator() bool {
	return s == StatusBlocked || s == StatusRevisionNeeded
}

// StepStatus is the state of a single pipeline step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
)

// Step is one ordered stage of a task's main pipeline.
type Step struct {
	Order        int        `json:"order"`
	Status       StepStatus `json:"status"`
	Agent        string     `json:"agent,omitempty"`
	Category     string     `json:"category,omitempty"`
	ModelHint    string     `json:"model_hint,omitempty"`
	QualityScore *float64   `json:"quality_score,omitempty"`
	Artifacts    []string   `json:"artifacts,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Branch is a parallel follow-on activated once the main step with order
// TriggerAfterStep completes. Branches never appear in the pipeline; while
// outstanding they are tracked by label in Task.PendingBranches.
type Branch struct {
	Label            string `json:"label"`
	TriggerAfterStep int    `json:"trigger_after_step"`
	Agent            string `json:"agent"`
	ModelHint        string `json:"model_hint,omitempty"`
}

// Lock is an exclusive, time-bounded claim on a task by one worker.
type Lock struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// NoStep marks an unset step reference (no convergence gate, nothing gated).
const NoStep = -1

// Task is one unit of pipeline work.
type Task struct {
	ID               string
	Name             string
	CampaignID       string
	Workflow         string
	Pipeline         []Step
	CurrentStepIndex int
	Status           TaskStatus
	Lock             *Lock
	RetryCount       int
	PendingBranches  []string
	RevisionCount    int
	RevisionNotes    string
	BlockedReason    string
	Branches         []Branch
	ConvergenceStep  int // NoStep when the workflow has no gate
	GatedStep        int // pipeline index whose dispatch is withheld, or NoStep
	Queued           bool
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CurrentStep returns the step at CurrentStepIndex, or nil when the index is
// out of bounds.
func (t *Task) CurrentStep() *Step {
	if t.CurrentStepIndex < 0 || t.CurrentStepIndex >= len(t.Pipeline) {
		return nil
	}
	return &t.Pipeline[t.CurrentStepIndex]
}

// HasPendingBranches reports whether a fan-out is outstanding.
func (t *Task) HasPendingBranches() bool {
	return len(t.PendingBranches) > 0
}

// Gates reports whether dispatch of the step with the given order must wait
// for outstanding branches. Without a convergence step the final step is the
// gate: a task never completes ahead of its branches.
func (t *Task) Gates(order int) bool {
	if !t.HasPendingBranches() {
		return false
	}
	if t.ConvergenceStep != NoStep {
		return order >= t.ConvergenceStep
	}
	return len(t.Pipeline) > 0 && order >= t.Pipeline[len(t.Pipeline)-1].Order
}

// BranchByLabel returns the branch definition with the given label.
func (t *Task) BranchByLabel(label string) (Branch, bool) {
	for _, b := range t.Branches {
		if b.Label == label {
			return b, true
		}
	}
	return Branch{}, false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	cp.Pipeline = make([]Step, len(t.Pipeline))
	for i, s := range t.Pipeline {
		if s.Artifacts != nil {
			s.Artifacts = append([]string(nil), s.Artifacts...)
		}
		if s.QualityScore != nil {
			v := *s.QualityScore
			s.QualityScore = &v
		}
		cp.Pipeline[i] = s
	}
	if t.Lock != nil {
		l := *t.Lock
		cp.Lock = &l
	}
	if t.PendingBranches != nil {
		cp.PendingBranches = append([]string(nil), t.PendingBranches...)
	}
	if t.Branches != nil {
		cp.Branches = append([]Branch(nil), t.Branches...)
	}
	return &cp
}
