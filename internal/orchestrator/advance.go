package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/notify"
	"github.com/aristath/contentflow/internal/scheduler"
)

// CompleteStepRequest reports a finished main step.
type CompleteStepRequest struct {
	TaskID       string
	Worker       string
	QualityScore *float64
	ArtifactIDs  []string
}

// AdvanceResult is the outcome of CompleteStep.
type AdvanceResult struct {
	Advanced      bool                 `json:"advanced"`
	NextStepIndex *int                 `json:"next_step_index"`          // nil once the task completed
	NewStatus     scheduler.TaskStatus `json:"new_status"`
	Branches      []string             `json:"branches,omitempty"`       // labels triggered by the completed step
	Gated         bool                 `json:"gated"`                    // next step withheld until the branches report back
	Dispatched    bool                 `json:"dispatched"`               // next step handed to its worker
	BlockedReason string               `json:"blocked_reason,omitempty"` // set when a dispatch failure blocked the task
}

// lateCheck reports preconditions CompleteStep judges after the artifact check.
func lateCheck(err error) bool {
	return errors.Is(err, scheduler.ErrInvalidStepIndex) || errors.Is(err, scheduler.ErrBranchesOutstanding)
}

// CompleteStep marks the current step of a task completed and moves the
// pipeline forward. Preconditions are checked in order: the task exists
// and is active, the worker holds the lock, artifacts are cited and
// registered, the step index is valid, and a final step is not waiting on
// branches. A failed check changes nothing.
func (e *Engine) CompleteStep(ctx context.Context, req CompleteStepRequest) (AdvanceResult, error) {
	task, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if err := scheduler.CheckCompleteStep(task, req.Worker, req.ArtifactIDs); err != nil && !lateCheck(err) {
		return AdvanceResult{}, err
	}
	if err := e.checkArtifacts(ctx, req.TaskID, req.ArtifactIDs); err != nil {
		return AdvanceResult{}, err
	}

	now := e.now()
	var adv scheduler.Advance
	task, err = e.store.UpdateTask(ctx, req.TaskID, func(t *scheduler.Task) error {
		var err error
		adv, err = scheduler.CompleteStep(t, req.Worker, req.QualityScore, req.ArtifactIDs, now)
		return err
	})
	if err != nil {
		return AdvanceResult{}, err
	}

	completed := task.Pipeline[adv.CompletedIndex]
	result := AdvanceResult{
		Advanced:      true,
		NextStepIndex: adv.NextIndex,
		NewStatus:     adv.NewStatus,
		Branches:      scheduler.Labels(adv.Triggered),
		Gated:         adv.NextIndex != nil && !adv.DispatchNext,
	}

	e.logger.Info("step completed",
		logging.Task(task.ID),
		slog.String(logging.FieldWorker, req.Worker),
		slog.Int(logging.FieldStep, completed.Order),
		slog.String(logging.FieldStatus, string(adv.NewStatus)),
		slog.Any("branches", result.Branches),
		slog.Bool("gated", result.Gated))
	e.publish(events.TopicTask, events.StepCompletedEvent{
		ID:        task.ID,
		Worker:    req.Worker,
		Step:      completed.Order,
		Category:  completed.Category,
		Status:    string(adv.NewStatus),
		Artifacts: req.ArtifactIDs,
		Timestamp: now,
	})

	var next *int
	if adv.DispatchNext {
		if e.campaignPaused(ctx, task) {
			e.logger.Info("campaign paused; next step deferred", logging.Task(task.ID), slog.String(logging.FieldCampaign, task.CampaignID))
		} else {
			next = adv.NextIndex
		}
	}
	if len(adv.Triggered) > 0 || next != nil {
		result.BlockedReason = e.fanOut(ctx, task, adv.Triggered, next)
		result.Dispatched = next != nil && result.BlockedReason == ""
	}

	if adv.TaskDone {
		e.finishTask(ctx, task)
	}
	return result, nil
}

// finishTask runs the completion follow-ups: event, notification, hooks,
// and the campaign queue.
func (e *Engine) finishTask(ctx context.Context, task *scheduler.Task) {
	now := e.now()
	e.logger.Info("task completed", logging.Task(task.ID), slog.String(logging.FieldCampaign, task.CampaignID))
	e.publish(events.TopicTask, events.TaskCompletedEvent{
		ID:         task.ID,
		CampaignID: task.CampaignID,
		Duration:   now.Sub(task.CreatedAt),
		Timestamp:  now,
	})
	e.notify(ctx, notify.Notification{
		Kind:     notify.KindTaskCompleted,
		TaskID:   task.ID,
		TaskName: task.Name,
		Campaign: task.CampaignID,
		Since:    task.CreatedAt,
		At:       now,
	})
	if err := e.hooks.OnTaskCompleted(ctx, task); err != nil {
		e.logger.Warn("task completion hook failed", logging.Task(task.ID), logging.Error(err))
	}

	if task.CampaignID != "" {
		e.releaseQueued(ctx, task.CampaignID)
		e.checkCampaignDone(ctx, task.CampaignID)
	}
}
