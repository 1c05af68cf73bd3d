package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/scheduler"
)

// AcquireLock claims taskID for worker. A refusal because another worker
// holds a fresh lock is reported in the result, not as an error.
func (e *Engine) AcquireLock(ctx context.Context, taskID, worker string) (scheduler.LockResult, error) {
	if worker == "" {
		return scheduler.LockResult{}, fmt.Errorf("%w: acquire %s", scheduler.ErrWorkerRequired, taskID)
	}

	now := e.now()
	var (
		result   scheduler.LockResult
		takeover bool
	)
	task, err := e.store.UpdateTask(ctx, taskID, func(t *scheduler.Task) error {
		if err := scheduler.CheckActive(t); err != nil {
			return err
		}
		takeover = t.Lock != nil && t.Lock.Owner != worker
		result = e.policy.Acquire(t, worker, now)
		if !result.Granted {
			return errUnchanged
		}
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		e.logger.Debug("lock contended", logging.Task(taskID), slog.String(logging.FieldWorker, worker), slog.String("held_by", result.HeldBy))
		return result, nil
	}
	if err != nil {
		return scheduler.LockResult{}, err
	}

	e.logger.Info("lock acquired",
		logging.Task(taskID),
		slog.String(logging.FieldWorker, worker),
		slog.Int(logging.FieldStep, task.CurrentStepIndex),
		slog.Bool("takeover", takeover))
	e.publish(events.TopicTask, events.TaskLockedEvent{
		ID:        taskID,
		Worker:    worker,
		Step:      task.CurrentStepIndex,
		Takeover:  takeover,
		Timestamp: now,
	})
	return result, nil
}

// ReleaseLock drops worker's lock on taskID. Releasing a lock the worker
// does not hold reports Released=false and changes nothing.
func (e *Engine) ReleaseLock(ctx context.Context, taskID, worker string) (scheduler.ReleaseResult, error) {
	now := e.now()
	var result scheduler.ReleaseResult
	_, err := e.store.UpdateTask(ctx, taskID, func(t *scheduler.Task) error {
		result = e.policy.Release(t, worker)
		if !result.Released {
			return errUnchanged
		}
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return result, nil
	}
	if err != nil {
		return scheduler.ReleaseResult{}, err
	}

	e.logger.Debug("lock released", logging.Task(taskID), slog.String(logging.FieldWorker, worker))
	return result, nil
}
