package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/notify"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// PauseCampaign stops next-step dispatch for every task in a campaign.
// Work already handed out continues.
func (e *Engine) PauseCampaign(ctx context.Context, campaignID string) error {
	if err := e.store.SetCampaignPaused(ctx, campaignID, true); err != nil {
		return err
	}
	e.logger.Info("campaign paused", slog.String(logging.FieldCampaign, campaignID))
	return nil
}

// UnpauseCampaign resumes dispatch for a campaign. Steps held back while it
// was paused are picked up by the dispatch loop.
func (e *Engine) UnpauseCampaign(ctx context.Context, campaignID string) error {
	if err := e.store.SetCampaignPaused(ctx, campaignID, false); err != nil {
		return err
	}
	e.logger.Info("campaign unpaused", slog.String(logging.FieldCampaign, campaignID))
	return nil
}

// releaseQueued starts the oldest queued task of a campaign.
func (e *Engine) releaseQueued(ctx context.Context, campaignID string) {
	next, err := e.store.NextQueuedTask(ctx, campaignID)
	if err != nil {
		e.logger.Warn("queued task lookup failed", slog.String(logging.FieldCampaign, campaignID), logging.Error(err))
		return
	}
	if next == nil {
		return
	}

	now := e.now()
	task, err := e.store.UpdateTask(ctx, next.ID, func(t *scheduler.Task) error {
		if !t.Queued {
			return errUnchanged
		}
		t.Queued = false
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return
	}
	if err != nil {
		e.logger.Warn("failed to release queued task", logging.Task(next.ID), logging.Error(err))
		return
	}

	e.logger.Info("queued task released", logging.Task(task.ID), slog.String(logging.FieldCampaign, campaignID))
	current := task.CurrentStep()
	if current == nil || scheduler.CheckActive(task) != nil || task.Gates(current.Order) {
		return
	}
	e.dispatchStep(ctx, task, task.CurrentStepIndex)
}

// checkCampaignDone marks a campaign done once none of its tasks is left
// unfinished.
func (e *Engine) checkCampaignDone(ctx context.Context, campaignID string) {
	remaining, err := e.store.CampaignRemaining(ctx, campaignID)
	if err != nil {
		e.logger.Warn("campaign progress lookup failed", slog.String(logging.FieldCampaign, campaignID), logging.Error(err))
		return
	}
	if remaining > 0 {
		return
	}

	now := e.now()
	if err := e.store.MarkCampaignDone(ctx, campaignID, now); err != nil && !errors.Is(err, persistence.ErrCampaignNotFound) {
		e.logger.Warn("failed to mark campaign done", slog.String(logging.FieldCampaign, campaignID), logging.Error(err))
	}

	e.logger.Info("campaign done", slog.String(logging.FieldCampaign, campaignID))
	e.publish(events.TopicCampaign, events.CampaignDoneEvent{CampaignID: campaignID, Timestamp: now})
	e.notify(ctx, notify.Notification{Kind: notify.KindCampaignDone, Campaign: campaignID, At: now})
	if err := e.hooks.OnCampaignDone(ctx, campaignID); err != nil {
		e.logger.Warn("campaign done hook failed", slog.String(logging.FieldCampaign, campaignID), logging.Error(err))
	}
}
