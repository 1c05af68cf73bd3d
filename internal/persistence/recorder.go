package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
)

// Timeline entry kinds.
const (
	KindWorkStarted   = "work_started"
	KindStepCompleted = "step_completed"
	KindDispatched    = "dispatched"
	KindRetry         = "retry"
	KindBlocked       = "blocked"
	KindRevision      = "revision"
	KindResumed       = "resumed"
	KindCancelled     = "cancelled"
	KindCompleted     = "completed"
	KindBranches      = "branches"
	KindBranchDone    = "branch_completed"
)

// TimelineRecorder turns engine events into timeline entries. It can be
// used directly as an events.Sink or fed from a bus subscription.
type TimelineRecorder struct {
	store  Store
	logger *slog.Logger
}

var _ events.Sink = (*TimelineRecorder)(nil)

// NewTimelineRecorder creates a recorder writing to store.
func NewTimelineRecorder(store Store, logger *slog.Logger) *TimelineRecorder {
	return &TimelineRecorder{
		store:  store,
		logger: logging.NewComponentLogger(logger, "timeline"),
	}
}

// Publish records event synchronously. Events without a task are ignored.
func (r *TimelineRecorder) Publish(_ string, event events.Event) {
	r.Record(context.Background(), event)
}

// Record appends the timeline entry for event. Failures are logged, never
// returned: the transition that produced the event is already committed.
func (r *TimelineRecorder) Record(ctx context.Context, event events.Event) {
	if event == nil || event.TaskID() == "" {
		return
	}
	kind, message, ok := Describe(event)
	if !ok {
		return
	}
	if err := r.store.AppendTimeline(ctx, event.TaskID(), kind, message); err != nil {
		r.logger.Warn("timeline append failed",
			logging.Task(event.TaskID()),
			slog.String("kind", kind),
			logging.Error(err))
	}
}

// Consume records events from ch until it closes or ctx is done.
func (r *TimelineRecorder) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			r.Record(ctx, event)
		}
	}
}

// Describe returns the timeline kind and message for an event.
func Describe(event events.Event) (kind, message string, ok bool) {
	switch e := event.(type) {
	case events.TaskLockedEvent:
		message = fmt.Sprintf("work started by %s on step %d", e.Worker, e.Step)
		if e.Takeover {
			message += " (stale lock taken over)"
		}
		return KindWorkStarted, message, true
	case events.StepCompletedEvent:
		return KindStepCompleted, fmt.Sprintf("step %d (%s) completed by %s; status %s; artifacts %s",
			e.Step, e.Category, e.Worker, e.Status, strings.Join(e.Artifacts, ", ")), true
	case events.StepDispatchedEvent:
		return KindDispatched, fmt.Sprintf("step %d dispatched to %s", e.Step, e.Agent), true
	case events.RetryScheduledEvent:
		return KindRetry, fmt.Sprintf("step %d retry %d scheduled", e.Step, e.RetryCount), true
	case events.TaskBlockedEvent:
		return KindBlocked, "blocked: " + e.Reason, true
	case events.TaskRevisedEvent:
		message = fmt.Sprintf("revision %d requested from step %d", e.Revision, e.TargetStep)
		if e.Notes != "" {
			message += ": " + e.Notes
		}
		return KindRevision, message, true
	case events.TaskResumedEvent:
		return KindResumed, fmt.Sprintf("resumed at step %d (%s)", e.Step, e.Status), true
	case events.TaskCancelledEvent:
		message = "cancelled"
		if e.Reason != "" {
			message += ": " + e.Reason
		}
		return KindCancelled, message, true
	case events.TaskCompletedEvent:
		return KindCompleted, fmt.Sprintf("task completed after %s", e.Duration.Round(time.Second)), true
	case events.BranchesDispatchedEvent:
		return KindBranches, "branches dispatched: " + strings.Join(e.Labels, ", "), true
	case events.BranchCompletedEvent:
		return KindBranchDone, fmt.Sprintf("branch %s completed; %d remaining", e.Label, e.Remaining), true
	}
	return "", "", false
}
