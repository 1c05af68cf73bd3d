package scheduler

import (
	"fmt"
	"time"
)

// Advance describes the result of completing a main-pipeline step.
type Advance struct {
	CompletedIndex int
	NextIndex      *int       // nil when the task finished
	NewStatus      TaskStatus // status after the transition
	Triggered      []Branch   // branches activated by the completed step
	DispatchNext   bool       // next step may be dispatched now
	TaskDone       bool
}

// BranchOutcome describes the result of completing a branch.
type BranchOutcome struct {
	Remaining int
	// DispatchIndex is the main step to dispatch now that the gate opened,
	// or nil when nothing was being withheld.
	DispatchIndex *int
}

// RetryOutcome describes the result of a retry request.
type RetryOutcome struct {
	Retried    bool
	RetryCount int
	Exhausted  bool
	Dispatch   bool // false when the convergence gate withholds the step
}

// ResumeOutcome describes the result of an operator resume.
type ResumeOutcome struct {
	Status   TaskStatus
	Dispatch bool
}

// CheckActive rejects tasks that automatic processing must not touch.
func CheckActive(task *Task) error {
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.ID, task.Status)
	}
	if task.Status.AwaitingOperator() {
		return fmt.Errorf("%w: %s is %s", ErrAwaitingOperator, task.ID, task.Status)
	}
	return nil
}

// CheckCompleteStep runs every precondition of CompleteStep that can be
// judged from the task alone. Artifact existence is checked by the caller.
func CheckCompleteStep(task *Task, worker string, artifactIDs []string) error {
	if err := CheckActive(task); err != nil {
		return err
	}
	if !HoldsLock(task, worker) {
		holder := ""
		if task.Lock != nil {
			holder = task.Lock.Owner
		}
		return fmt.Errorf("%w: %s is held by %q, not %q", ErrLockMismatch, task.ID, holder, worker)
	}
	if len(artifactIDs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoArtifacts, task.ID)
	}
	current := task.CurrentStep()
	if current == nil {
		return fmt.Errorf("%w: %s index %d of %d", ErrInvalidStepIndex, task.ID, task.CurrentStepIndex, len(task.Pipeline))
	}
	if task.CurrentStepIndex == len(task.Pipeline)-1 && task.HasPendingBranches() {
		return fmt.Errorf("%w: %s final step waits for %v", ErrBranchesOutstanding, task.ID, task.PendingBranches)
	}
	return nil
}

// CompleteStep marks the current step completed and moves the pipeline on.
// Nothing is modified when a precondition fails.
func CompleteStep(task *Task, worker string, qualityScore *float64, artifactIDs []string, now time.Time) (Advance, error) {
	if err := CheckCompleteStep(task, worker, artifactIDs); err != nil {
		return Advance{}, err
	}

	idx := task.CurrentStepIndex
	step := &task.Pipeline[idx]
	step.Status = StepCompleted
	step.Artifacts = append([]string(nil), artifactIDs...)
	if qualityScore != nil {
		score := *qualityScore
		step.QualityScore = &score
	}
	completedAt := now
	step.CompletedAt = &completedAt

	task.Lock = nil
	task.RetryCount = 0
	task.UpdatedAt = now

	adv := Advance{CompletedIndex: idx}

	adv.Triggered = TriggeredBranches(task, step.Order)
	for _, label := range Labels(adv.Triggered) {
		if !containsLabel(task.PendingBranches, label) {
			task.PendingBranches = append(task.PendingBranches, label)
		}
	}

	if idx+1 >= len(task.Pipeline) {
		task.Status = StatusCompleted
		task.GatedStep = NoStep
		adv.NewStatus = task.Status
		adv.TaskDone = true
		return adv, nil
	}

	next := idx + 1
	task.Pipeline[next].Status = StepInProgress
	task.Pipeline[next].DispatchedAt = nil
	task.CurrentStepIndex = next
	task.Status = DeriveStatus(task.Status, step.Category)

	if task.Gates(task.Pipeline[next].Order) {
		task.GatedStep = next
	} else {
		task.GatedStep = NoStep
		adv.DispatchNext = true
	}

	adv.NextIndex = &next
	adv.NewStatus = task.Status
	return adv, nil
}

// CompleteBranch records a finished branch. When the last outstanding branch
// reports back and a main-line dispatch was withheld by the gate, the current
// step is released for dispatch: either the gated step itself, or the step
// after it when the gated step already ran while branches were outstanding.
func CompleteBranch(task *Task, label string, artifactIDs []string, now time.Time) (BranchOutcome, error) {
	if task.Status.IsTerminal() {
		return BranchOutcome{}, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.ID, task.Status)
	}
	if len(artifactIDs) == 0 {
		return BranchOutcome{}, fmt.Errorf("%w: %s branch %s", ErrNoArtifacts, task.ID, label)
	}
	if !RemovePending(task, label) {
		return BranchOutcome{}, fmt.Errorf("%w: %s branch %q", ErrUnknownBranch, task.ID, label)
	}
	task.UpdatedAt = now

	out := BranchOutcome{Remaining: len(task.PendingBranches)}
	if out.Remaining > 0 || task.GatedStep == NoStep {
		return out, nil
	}

	task.GatedStep = NoStep
	if task.Status.AwaitingOperator() || task.CurrentStep() == nil {
		return out, nil
	}
	idx := task.CurrentStepIndex
	out.DispatchIndex = &idx
	return out, nil
}

// RetryStep re-arms the current step for another attempt, or blocks the task
// once the attempt count exceeds maxRetries. The reporting worker must hold
// the lock, or the lock must be absent or stale.
func RetryStep(task *Task, worker string, maxRetries int, policy LockPolicy, now time.Time) (RetryOutcome, error) {
	if err := CheckActive(task); err != nil {
		return RetryOutcome{}, err
	}
	if task.Lock != nil && !HoldsLock(task, worker) && !policy.IsStale(task.Lock, now) {
		return RetryOutcome{}, fmt.Errorf("%w: %s is held by %q, not %q", ErrLockMismatch, task.ID, task.Lock.Owner, worker)
	}
	current := task.CurrentStep()
	if current == nil {
		return RetryOutcome{}, fmt.Errorf("%w: %s index %d of %d", ErrInvalidStepIndex, task.ID, task.CurrentStepIndex, len(task.Pipeline))
	}

	task.RetryCount++
	task.Lock = nil
	task.UpdatedAt = now

	if task.RetryCount > maxRetries {
		task.Status = StatusBlocked
		task.BlockedReason = fmt.Sprintf("step %d (%s) failed %d times; retry limit %d exceeded",
			current.Order, current.Agent, task.RetryCount, maxRetries)
		return RetryOutcome{Retried: false, RetryCount: task.RetryCount, Exhausted: true}, nil
	}

	current.Status = StepInProgress
	current.DispatchedAt = nil

	out := RetryOutcome{Retried: true, RetryCount: task.RetryCount, Dispatch: true}
	if task.Gates(current.Order) {
		task.GatedStep = task.CurrentStepIndex
		out.Dispatch = false
	}
	return out, nil
}

// RequestRevision rewinds the pipeline to target. Steps from target through
// the end become pending and the task waits in revision_needed until an
// operator resumes it.
func RequestRevision(task *Task, target int, notes string, now time.Time) error {
	if task.Status == StatusCancelled {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.ID, task.Status)
	}
	if target < 0 || target >= len(task.Pipeline) {
		return fmt.Errorf("%w: %s target %d of %d", ErrInvalidStepIndex, task.ID, target, len(task.Pipeline))
	}

	for i := target; i < len(task.Pipeline); i++ {
		s := &task.Pipeline[i]
		s.Status = StepPending
		s.Artifacts = nil
		s.QualityScore = nil
		s.DispatchedAt = nil
		s.CompletedAt = nil
	}

	task.CurrentStepIndex = target
	task.Status = StatusRevisionNeeded
	task.RevisionCount++
	task.RevisionNotes = notes
	task.Lock = nil
	task.RetryCount = 0
	task.PendingBranches = nil
	task.GatedStep = NoStep
	task.BlockedReason = ""
	task.UpdatedAt = now
	return nil
}

// Resume restarts a blocked task or a task awaiting revision at its current
// step.
func Resume(task *Task, now time.Time) (ResumeOutcome, error) {
	if !task.Status.AwaitingOperator() {
		return ResumeOutcome{}, fmt.Errorf("%w: %s is %s", ErrNotResumable, task.ID, task.Status)
	}
	current := task.CurrentStep()
	if current == nil {
		return ResumeOutcome{}, fmt.Errorf("%w: %s index %d of %d", ErrInvalidStepIndex, task.ID, task.CurrentStepIndex, len(task.Pipeline))
	}

	current.Status = StepInProgress
	current.DispatchedAt = nil
	task.Status = StatusAtIndex(task.Pipeline, task.CurrentStepIndex)
	task.BlockedReason = ""
	task.RetryCount = 0
	task.Lock = nil
	task.UpdatedAt = now

	out := ResumeOutcome{Status: task.Status, Dispatch: true}
	if task.Gates(current.Order) {
		task.GatedStep = task.CurrentStepIndex
		out.Dispatch = false
	}
	return out, nil
}

// Cancel stops the task for good. Cancelling a cancelled task is a no-op;
// a completed task cannot be cancelled.
func Cancel(task *Task, reason string, now time.Time) error {
	switch task.Status {
	case StatusCancelled:
		return nil
	case StatusCompleted:
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, task.ID, task.Status)
	}
	task.Status = StatusCancelled
	task.BlockedReason = reason
	task.Lock = nil
	task.GatedStep = NoStep
	task.UpdatedAt = now
	return nil
}

// Block moves an active task to blocked with a diagnostic reason. Tasks that
// are already terminal are left alone and false is returned.
func Block(task *Task, reason string, now time.Time) bool {
	if task.Status.IsTerminal() {
		return false
	}
	task.Status = StatusBlocked
	task.BlockedReason = reason
	task.Lock = nil
	task.UpdatedAt = now
	return true
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
