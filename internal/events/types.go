package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicBranch   = "branch"
	TopicCampaign = "campaign"
)

// Event type constants
const (
	EventTypeTaskLocked         = "task.locked"
	EventTypeStepCompleted      = "task.step_completed"
	EventTypeStepDispatched     = "task.step_dispatched"
	EventTypeRetryScheduled     = "task.retry_scheduled"
	EventTypeTaskBlocked        = "task.blocked"
	EventTypeTaskRevised        = "task.revised"
	EventTypeTaskResumed        = "task.resumed"
	EventTypeTaskCancelled      = "task.cancelled"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeBranchesDispatched = "branch.dispatched"
	EventTypeBranchCompleted    = "branch.completed"
	EventTypeCampaignDone       = "campaign.done"
)

// TaskLockedEvent is published when a worker is granted a task lock.
type TaskLockedEvent struct {
	ID        string
	Worker    string
	Step      int
	Takeover  bool // the previous holder's lock had gone stale
	Timestamp time.Time
}

func (e TaskLockedEvent) EventType() string { return EventTypeTaskLocked }
func (e TaskLockedEvent) TaskID() string    { return e.ID }

// StepCompletedEvent is published when a main step advances.
type StepCompletedEvent struct {
	ID        string
	Worker    string
	Step      int
	Category  string
	Status    string // task status after the advance
	Artifacts []string
	Timestamp time.Time
}

func (e StepCompletedEvent) EventType() string { return EventTypeStepCompleted }
func (e StepCompletedEvent) TaskID() string    { return e.ID }

// StepDispatchedEvent is published after a main step was handed to its worker.
type StepDispatchedEvent struct {
	ID        string
	Step      int
	Agent     string
	Timestamp time.Time
}

func (e StepDispatchedEvent) EventType() string { return EventTypeStepDispatched }
func (e StepDispatchedEvent) TaskID() string    { return e.ID }

// RetryScheduledEvent is published when a failed step is re-armed.
type RetryScheduledEvent struct {
	ID         string
	Step       int
	RetryCount int
	Timestamp  time.Time
}

func (e RetryScheduledEvent) EventType() string { return EventTypeRetryScheduled }
func (e RetryScheduledEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when a task escalates to an operator.
type TaskBlockedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// TaskRevisedEvent is published when a task is sent back for revision.
type TaskRevisedEvent struct {
	ID         string
	TargetStep int
	Notes      string
	Revision   int
	Timestamp  time.Time
}

func (e TaskRevisedEvent) EventType() string { return EventTypeTaskRevised }
func (e TaskRevisedEvent) TaskID() string    { return e.ID }

// TaskResumedEvent is published when an operator resumes a task.
type TaskResumedEvent struct {
	ID        string
	Step      int
	Status    string
	Timestamp time.Time
}

func (e TaskResumedEvent) EventType() string { return EventTypeTaskResumed }
func (e TaskResumedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when the final step of a task completes.
type TaskCompletedEvent struct {
	ID         string
	CampaignID string
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// BranchesDispatchedEvent is published when a step triggers a fan-out.
type BranchesDispatchedEvent struct {
	ID        string
	Labels    []string
	Timestamp time.Time
}

func (e BranchesDispatchedEvent) EventType() string { return EventTypeBranchesDispatched }
func (e BranchesDispatchedEvent) TaskID() string    { return e.ID }

// BranchCompletedEvent is published when a branch reports back.
type BranchCompletedEvent struct {
	ID        string
	Label     string
	Remaining int
	Timestamp time.Time
}

func (e BranchCompletedEvent) EventType() string { return EventTypeBranchCompleted }
func (e BranchCompletedEvent) TaskID() string    { return e.ID }

// CampaignDoneEvent is published when every task of a campaign is terminal.
type CampaignDoneEvent struct {
	CampaignID string
	Timestamp  time.Time
}

func (e CampaignDoneEvent) EventType() string { return EventTypeCampaignDone }
func (e CampaignDoneEvent) TaskID() string    { return "" }
