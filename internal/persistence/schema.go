package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		paused INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		campaign_id TEXT NOT NULL DEFAULT '',
		workflow TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step INTEGER NOT NULL,
		pipeline TEXT NOT NULL,
		branches TEXT NOT NULL DEFAULT '[]',
		pending_branches TEXT NOT NULL DEFAULT '[]',
		lock_owner TEXT,
		lock_acquired_at TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		revision_count INTEGER NOT NULL DEFAULT 0,
		revision_notes TEXT NOT NULL DEFAULT '',
		blocked_reason TEXT NOT NULL DEFAULT '',
		convergence_step INTEGER NOT NULL DEFAULT -1,
		gated_step INTEGER NOT NULL DEFAULT -1,
		queued INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_campaign ON tasks(campaign_id, created_at);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		step_order INTEGER NOT NULL DEFAULT -1,
		branch_label TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);

	CREATE TABLE IF NOT EXISTS task_timeline (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_timeline_task_timestamp
		ON task_timeline(task_id, timestamp);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
