package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/contentflow/internal/scheduler"
)

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	CampaignID string
	Status     scheduler.TaskStatus
	// Dispatchable keeps only tasks automatic processing may pick up: not
	// terminal, not waiting on an operator, not queued, and not in a paused
	// campaign. Lock and gate checks are left to the engine.
	Dispatchable bool
	Limit        int
}

// Store defines the persistence interface for tasks, artifacts, the task
// timeline, and campaigns.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	UpdateTask(ctx context.Context, taskID string, fn func(*scheduler.Task) error) (*scheduler.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*scheduler.Task, error)

	// Artifact registry
	RegisterArtifact(ctx context.Context, artifact Artifact) (Artifact, error)
	MissingArtifacts(ctx context.Context, ids []string) ([]string, error)
	ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error)

	// Timeline
	AppendTimeline(ctx context.Context, taskID, kind, message string) error
	Timeline(ctx context.Context, taskID string) ([]TimelineEntry, error)

	// Campaigns
	SaveCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	SetCampaignPaused(ctx context.Context, id string, paused bool) error
	MarkCampaignDone(ctx context.Context, id string, at time.Time) error
	CampaignRemaining(ctx context.Context, id string) (int, error)
	NextQueuedTask(ctx context.Context, campaignID string) (*scheduler.Task, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and
// busy timeout, and opens write transactions with BEGIN IMMEDIATE so
// concurrent processes serialize on the task rows.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	// Create parent directories
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each call gets its own named database so tests stay isolated.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_txlock=immediate", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: every write is a short read-modify-write transaction,
	// and an in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
