package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/contentflow/internal/backend"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/notify"
	"github.com/aristath/contentflow/internal/scheduler"
)

func stepRequest(task *scheduler.Task, idx int) backend.Request {
	step := task.Pipeline[idx]
	return backend.Request{
		TaskID:        task.ID,
		TaskName:      task.Name,
		Workflow:      task.Workflow,
		Step:          step.Order,
		Agent:         step.Agent,
		Category:      step.Category,
		ModelHint:     step.ModelHint,
		Attempt:       task.RetryCount,
		RevisionNotes: task.RevisionNotes,
	}
}

func groupRequest(task *scheduler.Task, group scheduler.BranchGroup) backend.GroupRequest {
	req := backend.GroupRequest{
		TaskID:    task.ID,
		TaskName:  task.Name,
		Workflow:  task.Workflow,
		ModelHint: group.ModelHint,
	}
	for _, b := range group.Branches {
		req.Branches = append(req.Branches, backend.BranchRequest{Label: b.Label, Agent: b.Agent})
	}
	return req
}

// sendStep hands the step at idx to its worker and records the dispatch
// time. The returned error carries the diagnostic used as blocked reason.
func (e *Engine) sendStep(ctx context.Context, task *scheduler.Task, idx int) error {
	step := task.Pipeline[idx]
	if err := e.runner.Dispatch(ctx, stepRequest(task, idx)); err != nil {
		return fmt.Errorf("dispatch failed for step %d (%s): %w", step.Order, step.Agent, err)
	}

	now := e.now()
	_, err := e.store.UpdateTask(ctx, task.ID, func(t *scheduler.Task) error {
		if t.CurrentStepIndex != idx || t.Pipeline[idx].Status != scheduler.StepInProgress {
			return errUnchanged
		}
		t.Pipeline[idx].DispatchedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		e.logger.Warn("failed to record dispatch", logging.Task(task.ID), slog.Int(logging.FieldStep, step.Order), logging.Error(err))
	}

	e.logger.Info("step dispatched",
		logging.Task(task.ID),
		slog.Int(logging.FieldStep, step.Order),
		slog.String(logging.FieldWorker, step.Agent))
	e.publish(events.TopicTask, events.StepDispatchedEvent{ID: task.ID, Step: step.Order, Agent: step.Agent, Timestamp: now})
	return nil
}

func (e *Engine) sendGroup(ctx context.Context, task *scheduler.Task, group scheduler.BranchGroup) error {
	if err := e.runner.DispatchBranchGroup(ctx, groupRequest(task, group)); err != nil {
		return fmt.Errorf("dispatch failed for branches %s: %w", strings.Join(scheduler.Labels(group.Branches), ", "), err)
	}
	return nil
}

// fanOut dispatches the triggered branch groups and, when next is set, the
// next main step, all concurrently. The first failure blocks the task and
// is returned as the blocked reason.
func (e *Engine) fanOut(ctx context.Context, task *scheduler.Task, triggered []scheduler.Branch, next *int) string {
	var g errgroup.Group

	groups := scheduler.GroupByModel(triggered)
	for _, group := range groups {
		g.Go(func() error {
			return e.sendGroup(ctx, task, group)
		})
	}
	if next != nil {
		idx := *next
		g.Go(func() error {
			return e.sendStep(ctx, task, idx)
		})
	}

	err := g.Wait()
	if len(groups) > 0 {
		e.publish(events.TopicBranch, events.BranchesDispatchedEvent{ID: task.ID, Labels: scheduler.Labels(triggered), Timestamp: e.now()})
	}
	if err != nil {
		e.block(ctx, task.ID, err.Error(), notify.KindDispatchFailed)
		return err.Error()
	}
	return ""
}

// dispatchStep sends one main step and blocks the task on failure. It
// returns whether the step was dispatched and the blocked reason, if any.
func (e *Engine) dispatchStep(ctx context.Context, task *scheduler.Task, idx int) (bool, string) {
	if e.campaignPaused(ctx, task) {
		e.logger.Info("campaign paused; dispatch deferred", logging.Task(task.ID), slog.String(logging.FieldCampaign, task.CampaignID))
		return false, ""
	}
	if err := e.sendStep(ctx, task, idx); err != nil {
		e.block(ctx, task.ID, err.Error(), notify.KindDispatchFailed)
		return false, err.Error()
	}
	return true, ""
}
