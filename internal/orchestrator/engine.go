package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/contentflow/internal/backend"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/notify"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// DefaultMaxRetries is the number of automatic retries a step gets before
// the task is blocked.
const DefaultMaxRetries = 2

// NoRetries disables automatic retries when used as Config.MaxRetries.
const NoRetries = -1

// Hooks are called after a task completes and after every task of a
// campaign reached a terminal status. Errors are logged, never returned.
type Hooks interface {
	OnTaskCompleted(ctx context.Context, task *scheduler.Task) error
	OnCampaignDone(ctx context.Context, campaignID string) error
}

// NopHooks ignores completion callbacks.
type NopHooks struct{}

func (NopHooks) OnTaskCompleted(context.Context, *scheduler.Task) error { return nil }
func (NopHooks) OnCampaignDone(context.Context, string) error           { return nil }

// Config configures an Engine. Zero values select the defaults; a nil
// Runner, Sink, Notifier or Hooks is replaced by a no-op.
type Config struct {
	LockStaleAfter time.Duration
	MaxRetries     int // 0 means DefaultMaxRetries, NoRetries means none
	Now            func() time.Time
	Logger         *slog.Logger
	Sink           events.Sink
	Notifier       notify.Notifier
	Hooks          Hooks
	Runner         backend.Runner
	Workflows      *scheduler.WorkflowManager // required by CreateTask only
}

// Engine runs the task state machine against a store. Every mutation is a
// single Store.UpdateTask call; dispatch and notification happen after the
// transition committed.
type Engine struct {
	store      persistence.Store
	policy     scheduler.LockPolicy
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
	sink       events.Sink
	notifier   notify.Notifier
	hooks      Hooks
	runner     backend.Runner
	workflows  *scheduler.WorkflowManager
}

// NewEngine creates an engine over store.
func NewEngine(store persistence.Store, cfg Config) *Engine {
	e := &Engine{
		store:      store,
		policy:     scheduler.NewLockPolicy(cfg.LockStaleAfter),
		maxRetries: cfg.MaxRetries,
		now:        cfg.Now,
		logger:     logging.NewComponentLogger(cfg.Logger, "engine"),
		sink:       cfg.Sink,
		notifier:   cfg.Notifier,
		hooks:      cfg.Hooks,
		runner:     cfg.Runner,
		workflows:  cfg.Workflows,
	}
	switch {
	case e.maxRetries == 0:
		e.maxRetries = DefaultMaxRetries
	case e.maxRetries < 0:
		e.maxRetries = 0
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sink == nil {
		e.sink = events.NopSink{}
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.hooks == nil {
		e.hooks = NopHooks{}
	}
	if e.runner == nil {
		e.runner = nopRunner{}
	}
	return e
}

// LockPolicy returns the lock rules the engine applies.
func (e *Engine) LockPolicy() scheduler.LockPolicy {
	return e.policy
}

// errUnchanged aborts an UpdateTask closure when the transition decided
// there is nothing to write.
var errUnchanged = errors.New("task unchanged")

func (e *Engine) publish(topic string, event events.Event) {
	e.sink.Publish(topic, event)
}

func (e *Engine) notify(ctx context.Context, n notify.Notification) {
	if n.At.IsZero() {
		n.At = e.now()
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notification failed",
			logging.Task(n.TaskID),
			slog.String("kind", string(n.Kind)),
			logging.Error(err))
	}
}

// checkArtifacts verifies every id is registered.
func (e *Engine) checkArtifacts(ctx context.Context, taskID string, ids []string) error {
	missing, err := e.store.MissingArtifacts(ctx, ids)
	if err != nil {
		return &scheduler.DownstreamError{Op: "artifact lookup", Err: err}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s cites %v", scheduler.ErrUnknownArtifact, taskID, missing)
	}
	return nil
}

// campaignPaused reports whether the task's campaign is paused. Lookup
// failures count as not paused.
func (e *Engine) campaignPaused(ctx context.Context, task *scheduler.Task) bool {
	if task.CampaignID == "" {
		return false
	}
	c, err := e.store.GetCampaign(ctx, task.CampaignID)
	if err != nil {
		if !errors.Is(err, persistence.ErrCampaignNotFound) {
			e.logger.Warn("campaign lookup failed", logging.Task(task.ID), slog.String(logging.FieldCampaign, task.CampaignID), logging.Error(err))
		}
		return false
	}
	return c.Paused
}

// block moves a task to blocked after a commit-time failure and tells the
// operator.
func (e *Engine) block(ctx context.Context, taskID, reason string, kind notify.Kind) {
	now := e.now()
	task, err := e.store.UpdateTask(ctx, taskID, func(t *scheduler.Task) error {
		if !scheduler.Block(t, reason, now) {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return
	}
	if err != nil {
		e.logger.Error("failed to block task", logging.Task(taskID), slog.String("reason", reason), logging.Error(err))
		return
	}

	e.logger.Warn("task blocked", logging.Task(taskID), slog.String("reason", reason))
	e.publish(events.TopicTask, events.TaskBlockedEvent{ID: taskID, Reason: reason, Timestamp: now})
	e.notify(ctx, notify.Notification{Kind: kind, TaskID: taskID, TaskName: task.Name, Campaign: task.CampaignID, Detail: reason})
}

type nopRunner struct{}

func (nopRunner) Dispatch(context.Context, backend.Request) error                 { return nil }
func (nopRunner) DispatchBranchGroup(context.Context, backend.GroupRequest) error { return nil }
