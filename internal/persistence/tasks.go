package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/contentflow/internal/scheduler"
)

const taskColumns = `id, name, campaign_id, workflow, status, current_step, pipeline, branches,
	pending_branches, lock_owner, lock_acquired_at, retry_count, revision_count, revision_notes,
	blocked_reason, convergence_step, gated_step, queued, version, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		status                      string
		pipeline, branches, pending string
		lockOwner, lockAcquiredAt   sql.NullString
		queued                      int
		createdAt, updatedAt        string
	)

	err := row.Scan(&task.ID, &task.Name, &task.CampaignID, &task.Workflow, &status, &task.CurrentStepIndex,
		&pipeline, &branches, &pending, &lockOwner, &lockAcquiredAt, &task.RetryCount, &task.RevisionCount,
		&task.RevisionNotes, &task.BlockedReason, &task.ConvergenceStep, &task.GatedStep, &queued,
		&task.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = scheduler.TaskStatus(status)
	task.Queued = queued != 0

	if err := json.Unmarshal([]byte(pipeline), &task.Pipeline); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(branches), &task.Branches); err != nil {
		return nil, fmt.Errorf("failed to decode branches of task %s: %w", task.ID, err)
	}
	if err := json.Unmarshal([]byte(pending), &task.PendingBranches); err != nil {
		return nil, fmt.Errorf("failed to decode pending branches of task %s: %w", task.ID, err)
	}
	if len(task.PendingBranches) == 0 {
		task.PendingBranches = nil
	}
	if len(task.Branches) == 0 {
		task.Branches = nil
	}

	if lockOwner.Valid && lockOwner.String != "" {
		acquiredAt, err := parseTime(lockAcquiredAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse lock time of task %s: %w", task.ID, err)
		}
		task.Lock = &scheduler.Lock{Owner: lockOwner.String, AcquiredAt: acquiredAt}
	}

	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of task %s: %w", task.ID, err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of task %s: %w", task.ID, err)
	}

	return task, nil
}

// taskValues returns the mutable columns of task in update order.
func taskValues(task *scheduler.Task) ([]any, error) {
	pipeline, err := json.Marshal(task.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline: %w", err)
	}
	branches := task.Branches
	if branches == nil {
		branches = []scheduler.Branch{}
	}
	branchesJSON, err := json.Marshal(branches)
	if err != nil {
		return nil, fmt.Errorf("failed to encode branches: %w", err)
	}
	pending := task.PendingBranches
	if pending == nil {
		pending = []string{}
	}
	pendingJSON, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending branches: %w", err)
	}

	var lockOwner, lockAcquiredAt any
	if task.Lock != nil {
		lockOwner = task.Lock.Owner
		lockAcquiredAt = formatTime(task.Lock.AcquiredAt)
	}

	queued := 0
	if task.Queued {
		queued = 1
	}

	updatedAt := task.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return []any{
		task.Name, task.CampaignID, task.Workflow, string(task.Status), task.CurrentStepIndex,
		string(pipeline), string(branchesJSON), string(pendingJSON), lockOwner, lockAcquiredAt,
		task.RetryCount, task.RevisionCount, task.RevisionNotes, task.BlockedReason,
		task.ConvergenceStep, task.GatedStep, queued, formatTime(updatedAt),
	}, nil
}

// CreateTask inserts a new task. Creating a task whose id already exists is an error.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *scheduler.Task) error {
	values, err := taskValues(task)
	if err != nil {
		return err
	}

	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	args := append([]any{task.ID}, values...)
	args = append(args, formatTime(createdAt))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, campaign_id, workflow, status, current_step, pipeline, branches,
			pending_branches, lock_owner, lock_acquired_at, retry_count, revision_count, revision_notes,
			blocked_reason, convergence_step, gated_step, queued, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// UpdateTask applies fn to the current task row and writes the result back
// in one transaction. If fn returns an error nothing is written and the
// error is returned as is. Writes are guarded by the row version; a
// concurrent modification makes the whole read-modify-write start over.
func (s *SQLiteStore) UpdateTask(ctx context.Context, taskID string, fn func(*scheduler.Task) error) (*scheduler.Task, error) {
	var updated *scheduler.Task

	operation := func() error {
		task, err := s.updateOnce(ctx, taskID, fn)
		if errors.Is(err, scheduler.ErrVersionConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		updated = task
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLiteStore) updateOnce(ctx context.Context, taskID string, fn func(*scheduler.Task) error) (*scheduler.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	version := task.Version
	if err := fn(task); err != nil {
		return nil, err
	}

	values, err := taskValues(task)
	if err != nil {
		return nil, err
	}
	args := append(values, taskID, version)

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET name = ?, campaign_id = ?, workflow = ?, status = ?, current_step = ?,
			pipeline = ?, branches = ?, pending_branches = ?, lock_owner = ?, lock_acquired_at = ?,
			retry_count = ?, revision_count = ?, revision_notes = ?, blocked_reason = ?,
			convergence_step = ?, gated_step = ?, queued = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrVersionConflict, taskID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	task.Version = version + 1
	return task, nil
}

// ListTasks returns tasks matching filter, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*scheduler.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.CampaignID != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, filter.CampaignID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Dispatchable {
		where = append(where,
			"status NOT IN (?, ?, ?, ?)",
			"queued = 0",
			"(campaign_id = '' OR campaign_id NOT IN (SELECT id FROM campaigns WHERE paused = 1))")
		args = append(args,
			string(scheduler.StatusCompleted), string(scheduler.StatusCancelled),
			string(scheduler.StatusBlocked), string(scheduler.StatusRevisionNeeded))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*scheduler.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}
