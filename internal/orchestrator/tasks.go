package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/notify"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// NewTaskRequest describes a task to create from a workflow template.
type NewTaskRequest struct {
	Name       string
	Workflow   string
	CampaignID string
	Queued     bool // wait until an earlier task of the campaign finishes
}

// CreateResult is the outcome of CreateTask.
type CreateResult struct {
	Task          *scheduler.Task
	Dispatched    bool
	BlockedReason string
}

// CreateTask instantiates a workflow as a new task and dispatches its first
// step unless the task is queued or its campaign is paused.
func (e *Engine) CreateTask(ctx context.Context, req NewTaskRequest) (CreateResult, error) {
	if e.workflows == nil {
		return CreateResult{}, fmt.Errorf("%w: no workflows configured", scheduler.ErrUnknownWorkflow)
	}

	now := e.now()
	task, err := e.workflows.NewTask(uuid.NewString(), req.Name, req.Workflow, req.CampaignID, req.Queued, now)
	if err != nil {
		return CreateResult{}, err
	}

	if req.CampaignID != "" {
		if _, err := e.store.GetCampaign(ctx, req.CampaignID); errors.Is(err, persistence.ErrCampaignNotFound) {
			if err := e.store.SaveCampaign(ctx, persistence.Campaign{ID: req.CampaignID, Name: req.CampaignID, CreatedAt: now}); err != nil {
				return CreateResult{}, err
			}
		} else if err != nil {
			return CreateResult{}, err
		}
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		return CreateResult{}, err
	}
	e.logger.Info("task created",
		logging.Task(task.ID),
		slog.String("workflow", task.Workflow),
		slog.String(logging.FieldCampaign, task.CampaignID),
		slog.Bool("queued", task.Queued))

	result := CreateResult{Task: task}
	if task.Queued {
		return result, nil
	}
	result.Dispatched, result.BlockedReason = e.dispatchStep(ctx, task, task.CurrentStepIndex)
	if result.Dispatched || result.BlockedReason != "" {
		if fresh, err := e.store.GetTask(ctx, task.ID); err == nil {
			result.Task = fresh
		}
	}
	return result, nil
}

// GetTask returns the stored task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// ReadyFilter narrows ListReadyTasks.
type ReadyFilter struct {
	CampaignID string
	Agent      string // agent of the current step
	Limit      int
}

// ListReadyTasks returns tasks whose current step a worker may pick up now,
// oldest first.
func (e *Engine) ListReadyTasks(ctx context.Context, filter ReadyFilter) ([]*scheduler.Task, error) {
	tasks, err := e.store.ListTasks(ctx, persistence.TaskFilter{
		CampaignID:   filter.CampaignID,
		Dispatchable: true,
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	ready := []*scheduler.Task{}
	for _, t := range tasks {
		if !e.ready(t, now) {
			continue
		}
		if filter.Agent != "" && t.CurrentStep().Agent != filter.Agent {
			continue
		}
		ready = append(ready, t)
		if filter.Limit > 0 && len(ready) == filter.Limit {
			break
		}
	}
	return ready, nil
}

// ready applies the checks the store filter leaves to the engine.
func (e *Engine) ready(t *scheduler.Task, now time.Time) bool {
	if scheduler.CheckActive(t) != nil || t.Queued {
		return false
	}
	if t.Lock != nil && !e.policy.IsStale(t.Lock, now) {
		return false
	}
	step := t.CurrentStep()
	if step == nil || step.Status != scheduler.StepInProgress || t.Gates(step.Order) {
		return false
	}
	if step.DispatchedAt != nil && now.Sub(*step.DispatchedAt) < e.policy.StaleAfter {
		return false
	}
	return true
}

// DispatchReady claims a ready task by stamping its current step as
// dispatched and hands the step to its worker. It reports false when the
// task stopped being ready in the meantime. A failed hand-off blocks the
// task and is returned as a *scheduler.DownstreamError.
func (e *Engine) DispatchReady(ctx context.Context, taskID string) (bool, error) {
	now := e.now()
	task, err := e.store.UpdateTask(ctx, taskID, func(t *scheduler.Task) error {
		if !e.ready(t, now) {
			return errUnchanged
		}
		t.Pipeline[t.CurrentStepIndex].DispatchedAt = &now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.campaignPaused(ctx, task) {
		e.logger.Info("campaign paused; dispatch deferred", logging.Task(task.ID), slog.String(logging.FieldCampaign, task.CampaignID))
		return false, nil
	}
	if err := e.sendStep(ctx, task, task.CurrentStepIndex); err != nil {
		e.block(ctx, task.ID, err.Error(), notify.KindDispatchFailed)
		return false, &scheduler.DownstreamError{Op: "dispatch " + task.ID, Err: err}
	}
	return true, nil
}
