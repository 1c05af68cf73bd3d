package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/contentflow/internal/scheduler"
)

// ErrCampaignNotFound is returned for unknown campaign ids.
var ErrCampaignNotFound = errors.New("campaign not found")

// Campaign groups tasks that are queued and completed together.
type Campaign struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Paused      bool       `json:"paused"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SaveCampaign creates or renames a campaign. Pause and completion state
// are managed by their own methods.
func (s *SQLiteStore) SaveCampaign(ctx context.Context, c Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, paused, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, c.ID, c.Name, boolInt(c.Paused), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by id.
func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var (
		c           Campaign
		paused      int
		completedAt sql.NullString
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, paused, completed_at, created_at FROM campaigns WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &paused, &completedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("failed to query campaign: %w", err)
	}

	c.Paused = paused != 0
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Campaign{}, fmt.Errorf("failed to parse campaign time: %w", err)
	}
	if completedAt.Valid && completedAt.String != "" {
		at, err := parseTime(completedAt.String)
		if err != nil {
			return Campaign{}, fmt.Errorf("failed to parse campaign completion: %w", err)
		}
		c.CompletedAt = &at
	}
	return c, nil
}

// SetCampaignPaused pauses or unpauses a campaign.
func (s *SQLiteStore) SetCampaignPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET paused = ? WHERE id = ?`, boolInt(paused), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	return requireRow(res, id)
}

// MarkCampaignDone records when the last task of a campaign finished.
func (s *SQLiteStore) MarkCampaignDone(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET completed_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to complete campaign: %w", err)
	}
	return requireRow(res, id)
}

// CampaignRemaining counts tasks of a campaign that are not terminal.
func (s *SQLiteStore) CampaignRemaining(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE campaign_id = ? AND status NOT IN (?, ?)
	`, id, string(scheduler.StatusCompleted), string(scheduler.StatusCancelled)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count campaign tasks: %w", err)
	}
	return n, nil
}

// NextQueuedTask returns the oldest queued task of a campaign, or nil.
func (s *SQLiteStore) NextQueuedTask(ctx context.Context, campaignID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE campaign_id = ? AND queued = 1 AND status NOT IN (?, ?)
		ORDER BY created_at, id
		LIMIT 1
	`, campaignID, string(scheduler.StatusCompleted), string(scheduler.StatusCancelled))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queued task: %w", err)
	}
	return task, nil
}

func requireRow(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
