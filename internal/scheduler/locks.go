package scheduler

import "time"

// DefaultLockStaleAfter is how old a lock must be before another worker may
// take it over.
const DefaultLockStaleAfter = 10 * time.Minute

// LockResult is the outcome of an acquire attempt. A refused acquire is an
// expected contention outcome, not an error.
type LockResult struct {
	Granted bool   `json:"granted"`
	HeldBy  string `json:"held_by,omitempty"`
}

// ReleaseResult is the outcome of a release attempt.
type ReleaseResult struct {
	Released bool `json:"released"`
}

// LockPolicy applies the lock rules to a task in memory. Persisting the
// result is the caller's job, inside the same atomic update that read the
// task.
//
// Workers are short-lived external processes with no renewal channel, so
// liveness is judged by lock age rather than heartbeats.
type LockPolicy struct {
	StaleAfter time.Duration
}

// NewLockPolicy returns a policy with the given staleness threshold, using
// DefaultLockStaleAfter when staleAfter is not positive.
func NewLockPolicy(staleAfter time.Duration) LockPolicy {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	return LockPolicy{StaleAfter: staleAfter}
}

// IsStale reports whether lock may be taken over at now.
func (p LockPolicy) IsStale(lock *Lock, now time.Time) bool {
	if lock == nil {
		return true
	}
	return now.Sub(lock.AcquiredAt) > p.StaleAfter
}

// Acquire grants the lock to worker when the task is unlocked, already held
// by worker (re-entry refreshes the acquisition time), or held by a stale
// owner. Otherwise the task is left untouched and the holder is reported.
func (p LockPolicy) Acquire(task *Task, worker string, now time.Time) LockResult {
	if task.Lock != nil && task.Lock.Owner != worker && !p.IsStale(task.Lock, now) {
		return LockResult{Granted: false, HeldBy: task.Lock.Owner}
	}
	task.Lock = &Lock{Owner: worker, AcquiredAt: now}
	return LockResult{Granted: true, HeldBy: worker}
}

// Release clears the lock only when worker holds it. A late release from a
// worker whose lock was taken over leaves the new holder's lock in place.
func (p LockPolicy) Release(task *Task, worker string) ReleaseResult {
	if !HoldsLock(task, worker) {
		return ReleaseResult{Released: false}
	}
	task.Lock = nil
	return ReleaseResult{Released: true}
}

// HoldsLock reports whether worker currently holds the task lock.
func HoldsLock(task *Task, worker string) bool {
	return task.Lock != nil && worker != "" && task.Lock.Owner == worker
}
