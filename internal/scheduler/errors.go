package scheduler

import "errors"

// Sentinel errors returned by task transitions. Callers match them with
// errors.Is; the engine wraps them with the task id.
var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrLockMismatch        = errors.New("caller does not hold the task lock")
	ErrNoArtifacts         = errors.New("step completion requires at least one artifact")
	ErrUnknownArtifact     = errors.New("unknown artifact")
	ErrInvalidStepIndex    = errors.New("step index out of pipeline bounds")
	ErrTaskTerminal        = errors.New("task is terminal")
	ErrAwaitingOperator    = errors.New("task awaits operator action")
	ErrUnknownBranch       = errors.New("branch is not pending")
	ErrBranchesOutstanding = errors.New("branches still outstanding")
	ErrNotResumable        = errors.New("task is not blocked or awaiting revision")
	ErrUnknownWorkflow     = errors.New("unknown workflow")
	ErrVersionConflict     = errors.New("task was modified concurrently")
	ErrWorkerRequired      = errors.New("worker name is required")
)

// ErrorKind classifies failures for callers deciding how to react.
type ErrorKind string

const (
	KindContention ErrorKind = "contention"
	KindPolicy     ErrorKind = "policy"
	KindExhaustion ErrorKind = "exhaustion"
	KindDownstream ErrorKind = "downstream"
	KindUnknown    ErrorKind = "unknown"
)

// DownstreamError wraps a failed call to an external collaborator.
type DownstreamError struct {
	Op  string
	Err error
}

func (e *DownstreamError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *DownstreamError) Unwrap() error { return e.Err }

// KindOf classifies err. Lock contention and retry exhaustion are reported as
// result values by the engine, so only conflicting writes surface as
// contention errors.
func KindOf(err error) ErrorKind {
	var downstream *DownstreamError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &downstream):
		return KindDownstream
	case errors.Is(err, ErrVersionConflict):
		return KindContention
	case errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrLockMismatch),
		errors.Is(err, ErrNoArtifacts),
		errors.Is(err, ErrUnknownArtifact),
		errors.Is(err, ErrInvalidStepIndex),
		errors.Is(err, ErrTaskTerminal),
		errors.Is(err, ErrAwaitingOperator),
		errors.Is(err, ErrUnknownBranch),
		errors.Is(err, ErrBranchesOutstanding),
		errors.Is(err, ErrNotResumable),
		errors.Is(err, ErrUnknownWorkflow),
		errors.Is(err, ErrWorkerRequired):
		return KindPolicy
	}
	return KindUnknown
}
