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

// ReasonMaxRetries is reported when a retry request exhausted the budget.
const ReasonMaxRetries = "max_retries_exceeded"

// RetryResult is the outcome of RetryStep.
type RetryResult struct {
	Retried       bool   `json:"retried"`
	RetryCount    int    `json:"retry_count"`
	Reason        string `json:"reason,omitempty"`         // ReasonMaxRetries when the task was blocked instead
	Dispatched    bool   `json:"dispatched"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// RetryStep re-dispatches the current step after a reported failure. Once
// the step has failed more than the configured number of times the task is
// blocked and the operator is notified.
func (e *Engine) RetryStep(ctx context.Context, taskID, worker string) (RetryResult, error) {
	now := e.now()
	var out scheduler.RetryOutcome
	task, err := e.store.UpdateTask(ctx, taskID, func(t *scheduler.Task) error {
		var err error
		out, err = scheduler.RetryStep(t, worker, e.maxRetries, e.policy, now)
		return err
	})
	if err != nil {
		return RetryResult{}, err
	}

	result := RetryResult{Retried: out.Retried, RetryCount: out.RetryCount}
	step := task.Pipeline[task.CurrentStepIndex]

	if out.Exhausted {
		result.Reason = ReasonMaxRetries
		result.BlockedReason = task.BlockedReason
		e.logger.Warn("retry limit exceeded",
			logging.Task(task.ID),
			slog.Int(logging.FieldStep, step.Order),
			slog.Int("retry_count", out.RetryCount))
		e.publish(events.TopicTask, events.TaskBlockedEvent{ID: task.ID, Reason: task.BlockedReason, Timestamp: now})
		e.notify(ctx, notify.Notification{
			Kind:     notify.KindBlocked,
			TaskID:   task.ID,
			TaskName: task.Name,
			Campaign: task.CampaignID,
			Detail:   task.BlockedReason,
		})
		return result, nil
	}

	e.logger.Info("retry scheduled",
		logging.Task(task.ID),
		slog.Int(logging.FieldStep, step.Order),
		slog.Int("retry_count", out.RetryCount))
	e.publish(events.TopicTask, events.RetryScheduledEvent{ID: task.ID, Step: step.Order, RetryCount: out.RetryCount, Timestamp: now})

	if out.Dispatch {
		result.Dispatched, result.BlockedReason = e.dispatchStep(ctx, task, task.CurrentStepIndex)
	}
	return result, nil
}

// RevisionResult is the outcome of RequestRevision.
type RevisionResult struct {
	Revised       bool `json:"revised"`
	RevisionCount int  `json:"revision_count"`
}

// RequestRevision rewinds a task to targetStep and parks it in
// revision_needed. Nothing is dispatched until the task is resumed.
func (e *Engine) RequestRevision(ctx context.Context, taskID string, targetStep int, notes string) (RevisionResult, error) {
	now := e.now()
	task, err := e.store.UpdateTask(ctx, taskID, func(t *scheduler.Task) error {
		return scheduler.RequestRevision(t, targetStep, notes, now)
	})
	if err != nil {
		return RevisionResult{}, err
	}

	e.logger.Info("revision requested",
		logging.Task(task.ID),
		slog.Int(logging.FieldStep, targetStep),
		slog.Int("revision", task.RevisionCount))
	e.publish(events.TopicTask, events.TaskRevisedEvent{
		ID:         task.ID,
		TargetStep: targetStep,
		Notes:      notes,
		Revision:   task.RevisionCount,
		Timestamp:  now,
	})
	e.notify(ctx, notify.Notification{
		Kind:     notify.KindRevision,
		TaskID:   task.ID,
		TaskName: task.Name,
		Campaign: task.CampaignID,
		Detail:   notes,
	})
	return RevisionResult{Revised: true, RevisionCount: task.RevisionCount}, nil
}

// ResumeResult is the outcome of Resume.
type ResumeResult struct {
	Status        scheduler.TaskStatus `json:"status"`
	Dispatched    bool                 `json:"dispatched"`
	Gated         bool                 `json:"gated"`
	BlockedReason string               `json:"blocked_reason,omitempty"`
}

// Resume restarts a blocked task or a task awaiting revision at its current
// step.
func (e *Engine) Resume(ctx context.Context, taskID string) (ResumeResult, error) {
	now := e.now()
	var out scheduler.ResumeOutcome
	task, err := e.store.UpdateTask(ctx, taskID, func(t *scheduler.Task) error {
		var err error
		out, err = scheduler.Resume(t, now)
		return err
	})
	if err != nil {
		return ResumeResult{}, err
	}

	e.logger.Info("task resumed", logging.Task(task.ID), slog.Int(logging.FieldStep, task.CurrentStepIndex), slog.String(logging.FieldStatus, string(out.Status)))
	e.publish(events.TopicTask, events.TaskResumedEvent{ID: task.ID, Step: task.CurrentStepIndex, Status: string(out.Status), Timestamp: now})

	result := ResumeResult{Status: out.Status, Gated: !out.Dispatch}
	if out.Dispatch && !task.Queued {
		result.Dispatched, result.BlockedReason = e.dispatchStep(ctx, task, task.CurrentStepIndex)
		if result.BlockedReason != "" {
			result.Status = scheduler.StatusBlocked
		}
	}
	return result, nil
}

// Cancel stops a task for good. Cancelling a completed task fails with
// ErrTaskTerminal; cancelling a cancelled task is a no-op.
func (e *Engine) Cancel(ctx context.Context, taskID, reason string) error {
	now := e.now()
	var wasQueued bool
	task, err := e.store.UpdateTask(ctx, taskID, func(t *scheduler.Task) error {
		if t.Status == scheduler.StatusCancelled {
			return errUnchanged
		}
		wasQueued = t.Queued
		return scheduler.Cancel(t, reason, now)
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Info("task cancelled", logging.Task(task.ID), slog.String("reason", reason))
	e.publish(events.TopicTask, events.TaskCancelledEvent{ID: task.ID, Reason: reason, Timestamp: now})

	if task.CampaignID != "" {
		if !wasQueued {
			e.releaseQueued(ctx, task.CampaignID)
		}
		e.checkCampaignDone(ctx, task.CampaignID)
	}
	return nil
}
