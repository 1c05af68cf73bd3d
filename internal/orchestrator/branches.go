package orchestrator

import (
	"context"
	"log/slog"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/scheduler"
)

// CompleteBranchRequest reports a finished branch.
type CompleteBranchRequest struct {
	TaskID      string
	Label       string
	Worker      string // recorded only; branches are not locked
	ArtifactIDs []string
}

// BranchResult is the outcome of CompleteBranch.
type BranchResult struct {
	Remaining      int    `json:"remaining"`
	DispatchedStep *int   `json:"dispatched_step,omitempty"` // main step released by the convergence gate
	BlockedReason  string `json:"blocked_reason,omitempty"`
}

// CompleteBranch removes a branch from the outstanding set. When it was the
// last one and a main step was held at the convergence gate, that step is
// dispatched.
func (e *Engine) CompleteBranch(ctx context.Context, req CompleteBranchRequest) (BranchResult, error) {
	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return BranchResult{}, err
	}
	if _, err := scheduler.CompleteBranch(task.Clone(), req.Label, req.ArtifactIDs, e.now()); err != nil {
		return BranchResult{}, err
	}
	if err := e.checkArtifacts(ctx, req.TaskID, req.ArtifactIDs); err != nil {
		return BranchResult{}, err
	}

	now := e.now()
	var out scheduler.BranchOutcome
	task, err = e.store.UpdateTask(ctx, req.TaskID, func(t *scheduler.Task) error {
		var err error
		out, err = scheduler.CompleteBranch(t, req.Label, req.ArtifactIDs, now)
		return err
	})
	if err != nil {
		return BranchResult{}, err
	}

	e.logger.Info("branch completed",
		logging.Task(task.ID),
		slog.String(logging.FieldBranch, req.Label),
		slog.String(logging.FieldWorker, req.Worker),
		slog.Int("remaining", out.Remaining))
	e.publish(events.TopicBranch, events.BranchCompletedEvent{
		ID:        task.ID,
		Label:     req.Label,
		Remaining: out.Remaining,
		Timestamp: now,
	})

	result := BranchResult{Remaining: out.Remaining}
	if out.DispatchIndex == nil {
		return result, nil
	}
	dispatched, reason := e.dispatchStep(ctx, task, *out.DispatchIndex)
	if dispatched {
		idx := *out.DispatchIndex
		result.DispatchedStep = &idx
	}
	result.BlockedReason = reason
	return result, nil
}
