package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// sampleTask returns a three-step task with a branch, created at baseTime+offset.
func sampleTask(id string, offset time.Duration) *scheduler.Task {
	created := baseTime.Add(offset)
	return &scheduler.Task{
		ID:       id,
		Name:     "Article " + id,
		Workflow: "article",
		Pipeline: []scheduler.Step{
			{Order: 0, Status: scheduler.StepInProgress, Agent: "researcher", Category: "research"},
			{Order: 1, Status: scheduler.StepPending, Agent: "writer", Category: "draft", ModelHint: "large"},
			{Order: 2, Status: scheduler.StepPending, Agent: "editor", Category: "final"},
		},
		Status:          scheduler.StatusBacklog,
		Branches:        []scheduler.Branch{{Label: "seo", TriggerAfterStep: 1, Agent: "seo", ModelHint: "small"}},
		ConvergenceStep: 2,
		GatedStep:       scheduler.NoStep,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func mustCreate(t *testing.T, store *SQLiteStore, task *scheduler.Task) {
	t.Helper()
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task %s: %v", task.ID, err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := sampleTask("task-1", 0)
	task.CampaignID = "spring"
	task.Lock = &scheduler.Lock{Owner: "researcher", AcquiredAt: baseTime.Add(time.Minute)}
	task.PendingBranches = []string{"seo"}
	mustCreate(t, store, task)

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if got.Name != task.Name || got.Workflow != "article" || got.CampaignID != "spring" {
		t.Errorf("identity mismatch: %+v", got)
	}
	if got.Status != scheduler.StatusBacklog {
		t.Errorf("expected backlog, got %s", got.Status)
	}
	if len(got.Pipeline) != 3 || got.Pipeline[1].ModelHint != "large" || got.Pipeline[0].Status != scheduler.StepInProgress {
		t.Errorf("pipeline not round-tripped: %+v", got.Pipeline)
	}
	if got.Lock == nil || got.Lock.Owner != "researcher" || !got.Lock.AcquiredAt.Equal(task.Lock.AcquiredAt) {
		t.Errorf("lock not round-tripped: %+v", got.Lock)
	}
	if len(got.Branches) != 1 || got.Branches[0].Label != "seo" || got.Branches[0].TriggerAfterStep != 1 {
		t.Errorf("branches not round-tripped: %+v", got.Branches)
	}
	if len(got.PendingBranches) != 1 || got.PendingBranches[0] != "seo" {
		t.Errorf("pending branches not round-tripped: %v", got.PendingBranches)
	}
	if got.ConvergenceStep != 2 || got.GatedStep != scheduler.NoStep {
		t.Errorf("gate fields: convergence=%d gated=%d", got.ConvergenceStep, got.GatedStep)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, task.CreatedAt)
	}
	if got.Version != 0 {
		t.Errorf("expected version 0, got %d", got.Version)
	}
}

func TestCreateDuplicateTask(t *testing.T) {
	store := testStore(t)
	mustCreate(t, store, sampleTask("task-1", 0))

	if err := store.CreateTask(context.Background(), sampleTask("task-1", 0)); err == nil {
		t.Fatal("expected error creating duplicate task")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestUpdateTaskAppliesAndBumpsVersion(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, sampleTask("task-1", 0))

	updated, err := store.UpdateTask(ctx, "task-1", func(task *scheduler.Task) error {
		task.Status = scheduler.StatusResearched
		task.CurrentStepIndex = 1
		task.Pipeline[0].Status = scheduler.StepCompleted
		task.Pipeline[0].Artifacts = []string{"a1"}
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Version != 1 {
		t.Errorf("expected returned version 1, got %d", updated.Version)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != scheduler.StatusResearched || got.CurrentStepIndex != 1 {
		t.Errorf("update not persisted: status=%s index=%d", got.Status, got.CurrentStepIndex)
	}
	if len(got.Pipeline[0].Artifacts) != 1 || got.Pipeline[0].Artifacts[0] != "a1" {
		t.Errorf("artifacts not persisted: %v", got.Pipeline[0].Artifacts)
	}
	if got.Version != 1 {
		t.Errorf("expected stored version 1, got %d", got.Version)
	}
}

func TestUpdateTaskErrorRollsBack(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, sampleTask("task-1", 0))

	refused := errors.New("refused")
	_, err := store.UpdateTask(ctx, "task-1", func(task *scheduler.Task) error {
		task.Status = scheduler.StatusCancelled
		return refused
	})
	if !errors.Is(err, refused) {
		t.Fatalf("expected closure error, got %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != scheduler.StatusBacklog || got.Version != 0 {
		t.Errorf("expected untouched task, got status=%s version=%d", got.Status, got.Version)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	store := testStore(t)

	called := false
	_, err := store.UpdateTask(context.Background(), "missing", func(*scheduler.Task) error {
		called = true
		return nil
	})
	if !errors.Is(err, scheduler.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if called {
		t.Error("closure must not run for a missing task")
	}
}

func TestUpdateTaskConcurrentWritersSerialize(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, sampleTask("task-1", 0))

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateTask(ctx, "task-1", func(task *scheduler.Task) error {
				task.RetryCount++
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update failed: %v", err)
		}
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.RetryCount != writers {
		t.Errorf("expected %d increments, got %d (lost update)", writers, got.RetryCount)
	}
	if got.Version != writers {
		t.Errorf("expected version %d, got %d", writers, got.Version)
	}
}

func TestListTasksDispatchable(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveCampaign(ctx, Campaign{ID: "paused", Name: "Paused"}); err != nil {
		t.Fatalf("failed to save campaign: %v", err)
	}
	if err := store.SetCampaignPaused(ctx, "paused", true); err != nil {
		t.Fatalf("failed to pause campaign: %v", err)
	}

	statuses := []scheduler.TaskStatus{
		scheduler.StatusBacklog,
		scheduler.StatusDrafted,
		scheduler.StatusCompleted,
		scheduler.StatusCancelled,
		scheduler.StatusBlocked,
		scheduler.StatusRevisionNeeded,
	}
	for i, status := range statuses {
		task := sampleTask(fmt.Sprintf("task-%d", i), time.Duration(i)*time.Minute)
		task.Status = status
		mustCreate(t, store, task)
	}

	queued := sampleTask("queued", 10*time.Minute)
	queued.Queued = true
	mustCreate(t, store, queued)

	inPaused := sampleTask("in-paused", 11*time.Minute)
	inPaused.CampaignID = "paused"
	mustCreate(t, store, inPaused)

	tasks, err := store.ListTasks(ctx, TaskFilter{Dispatchable: true})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}

	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if len(ids) != 2 || ids[0] != "task-0" || ids[1] != "task-1" {
		t.Errorf("expected [task-0 task-1], got %v", ids)
	}

	all, err := store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(all) != len(statuses)+2 {
		t.Errorf("expected %d tasks, got %d", len(statuses)+2, len(all))
	}

	limited, err := store.ListTasks(ctx, TaskFilter{Status: scheduler.StatusBacklog, Limit: 1})
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "task-0" {
		t.Errorf("expected oldest backlog task, got %v", limited)
	}
}

func TestArtifactRegistry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, sampleTask("task-1", 0))

	a, err := store.RegisterArtifact(ctx, Artifact{TaskID: "task-1", StepOrder: 0, Kind: "notes", Path: "research.md"})
	if err != nil {
		t.Fatalf("failed to register artifact: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected generated artifact id")
	}

	b, err := store.RegisterArtifact(ctx, Artifact{ID: "seo-report", TaskID: "task-1", BranchLabel: "seo", Kind: "report"})
	if err != nil {
		t.Fatalf("failed to register artifact: %v", err)
	}
	if b.StepOrder != -1 {
		t.Errorf("branch artifact should have step order -1, got %d", b.StepOrder)
	}

	if _, err := store.RegisterArtifact(ctx, Artifact{ID: "seo-report", TaskID: "task-1"}); err == nil {
		t.Error("expected error registering duplicate artifact id")
	}

	missing, err := store.MissingArtifacts(ctx, []string{a.ID, "ghost", "seo-report", "phantom"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(missing) != 2 || missing[0] != "ghost" || missing[1] != "phantom" {
		t.Errorf("expected [ghost phantom], got %v", missing)
	}

	missing, err = store.MissingArtifacts(ctx, nil)
	if err != nil || missing != nil {
		t.Errorf("empty lookup: missing=%v err=%v", missing, err)
	}

	list, err := store.ListArtifacts(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to list artifacts: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 artifacts, got %d", len(list))
	}
}

func TestTimeline(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, sampleTask("task-1", 0))

	empty, err := store.Timeline(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to read timeline: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", empty)
	}

	for i := 0; i < 3; i++ {
		if err := store.AppendTimeline(ctx, "task-1", KindRetry, fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	entries, err := store.Timeline(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to read timeline: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Message != fmt.Sprintf("entry %d", i) {
			t.Errorf("entry %d out of order: %q", i, entry.Message)
		}
	}
}

func TestCampaigns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveCampaign(ctx, Campaign{ID: "spring", Name: "Spring launch"}); err != nil {
		t.Fatalf("failed to save campaign: %v", err)
	}
	if err := store.SetCampaignPaused(ctx, "spring", true); err != nil {
		t.Fatalf("failed to pause: %v", err)
	}
	// Renaming keeps the pause flag.
	if err := store.SaveCampaign(ctx, Campaign{ID: "spring", Name: "Spring"}); err != nil {
		t.Fatalf("failed to rename campaign: %v", err)
	}

	c, err := store.GetCampaign(ctx, "spring")
	if err != nil {
		t.Fatalf("failed to get campaign: %v", err)
	}
	if c.Name != "Spring" || !c.Paused || c.CompletedAt != nil {
		t.Errorf("unexpected campaign: %+v", c)
	}

	if _, err := store.GetCampaign(ctx, "missing"); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("expected ErrCampaignNotFound, got %v", err)
	}
	if err := store.SetCampaignPaused(ctx, "missing", true); !errors.Is(err, ErrCampaignNotFound) {
		t.Errorf("expected ErrCampaignNotFound, got %v", err)
	}

	first := sampleTask("first", 0)
	first.CampaignID = "spring"
	second := sampleTask("second", time.Minute)
	second.CampaignID = "spring"
	second.Queued = true
	third := sampleTask("third", 2*time.Minute)
	third.CampaignID = "spring"
	third.Queued = true
	for _, task := range []*scheduler.Task{first, second, third} {
		mustCreate(t, store, task)
	}

	remaining, err := store.CampaignRemaining(ctx, "spring")
	if err != nil || remaining != 3 {
		t.Fatalf("remaining = %d, err = %v", remaining, err)
	}

	next, err := store.NextQueuedTask(ctx, "spring")
	if err != nil {
		t.Fatalf("failed to get queued task: %v", err)
	}
	if next == nil || next.ID != "second" {
		t.Fatalf("expected oldest queued task 'second', got %+v", next)
	}

	for _, id := range []string{"first", "second", "third"} {
		if _, err := store.UpdateTask(ctx, id, func(task *scheduler.Task) error {
			task.Status = scheduler.StatusCompleted
			task.Queued = false
			return nil
		}); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	remaining, err = store.CampaignRemaining(ctx, "spring")
	if err != nil || remaining != 0 {
		t.Fatalf("remaining = %d, err = %v", remaining, err)
	}
	next, err = store.NextQueuedTask(ctx, "spring")
	if err != nil || next != nil {
		t.Fatalf("expected no queued task, got %+v (err %v)", next, err)
	}

	done := baseTime.Add(time.Hour)
	if err := store.MarkCampaignDone(ctx, "spring", done); err != nil {
		t.Fatalf("failed to mark done: %v", err)
	}
	c, err = store.GetCampaign(ctx, "spring")
	if err != nil {
		t.Fatalf("failed to get campaign: %v", err)
	}
	if c.CompletedAt == nil || !c.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v, want %v", c.CompletedAt, done)
	}
}

func TestTimelineRecorder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	mustCreate(t, store, sampleTask("task-1", 0))

	recorder := NewTimelineRecorder(store, nil)
	recorder.Publish(events.TopicTask, events.TaskLockedEvent{ID: "task-1", Worker: "writer", Step: 1})
	recorder.Publish(events.TopicCampaign, events.CampaignDoneEvent{CampaignID: "spring"})

	bus := events.NewEventBus()
	ch := bus.SubscribeAll(10)
	bus.Publish(events.TopicBranch, events.BranchCompletedEvent{ID: "task-1", Label: "seo", Remaining: 0})
	bus.Close()
	recorder.Consume(ctx, ch)

	entries, err := store.Timeline(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to read timeline: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Kind != KindWorkStarted || entries[0].Message != "work started by writer on step 1" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Kind != KindBranchDone {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	mustCreate(t, store, sampleTask("task-1", 0))
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetTask(ctx, "task-1"); err != nil {
		t.Fatalf("task lost across reopen: %v", err)
	}
}
