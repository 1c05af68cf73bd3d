package persistence

import (
	"context"
	"fmt"
	"time"
)

// TimelineEntry is one human-readable event in a task's history.
type TimelineEntry struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AppendTimeline stores a timeline entry for a task.
// Entries are append-only.
func (s *SQLiteStore) AppendTimeline(ctx context.Context, taskID, kind, message string) error {
	// Create 5-second timeout context
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_timeline (task_id, kind, message, timestamp)
		VALUES (?, ?, ?, ?)
	`, taskID, kind, message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append timeline entry: %w", err)
	}
	return nil
}

// Timeline retrieves all entries for a task in chronological order.
// Returns empty slice (not nil) if no history exists.
func (s *SQLiteStore) Timeline(ctx context.Context, taskID string) ([]TimelineEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Double sort: timestamp ASC, id ASC keeps order for same-instant entries
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, message, timestamp
		FROM task_timeline
		WHERE task_id = ?
		ORDER BY timestamp ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	entries := []TimelineEntry{}
	for rows.Next() {
		var entry TimelineEntry
		var ts string
		if err := rows.Scan(&entry.Kind, &entry.Message, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse timeline time: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timeline: %w", err)
	}

	return entries, nil
}
