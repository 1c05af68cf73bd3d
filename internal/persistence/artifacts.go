package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifact is a registered output cited as proof of a step or branch.
type Artifact struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	StepOrder   int       `json:"step_order"`             // -1 for branch outputs
	BranchLabel string    `json:"branch_label,omitempty"` // empty for main-step outputs
	Kind        string    `json:"kind,omitempty"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
}

// RegisterArtifact inserts an artifact, assigning an id when none is given.
// Registering an id twice is an error; the registry never updates entries.
func (s *SQLiteStore) RegisterArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.BranchLabel != "" && a.StepOrder == 0 {
		a.StepOrder = -1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, task_id, step_order, branch_label, kind, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, a.StepOrder, a.BranchLabel, a.Kind, a.Path, formatTime(a.CreatedAt))
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to register artifact %s: %w", a.ID, err)
	}
	return a, nil
}

// MissingArtifacts returns the ids in ids that are not registered, in input
// order. The lookup has no side effects.
func (s *SQLiteStore) MissingArtifacts(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM artifacts WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// ListArtifacts returns the artifacts registered for a task in creation order.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_order, branch_label, kind, path, created_at
		FROM artifacts
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []Artifact{}
	for rows.Next() {
		var a Artifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.StepOrder, &a.BranchLabel, &a.Kind, &a.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse artifact time: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return artifacts, nil
}
