package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/contentflow/internal/backend"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/notify"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRunner records dispatches. Agents or model hints listed in fail are
// rejected.
type fakeRunner struct {
	mu     sync.Mutex
	steps  []backend.Request
	groups []backend.GroupRequest
	fail   map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: map[string]error{}}
}

func (r *fakeRunner) Dispatch(_ context.Context, req backend.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[req.Agent]; err != nil {
		return err
	}
	r.steps = append(r.steps, req)
	return nil
}

func (r *fakeRunner) DispatchBranchGroup(_ context.Context, req backend.GroupRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail["model:"+req.ModelHint]; err != nil {
		return err
	}
	r.groups = append(r.groups, req)
	return nil
}

func (r *fakeRunner) failAgent(agent string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[agent] = err
}

// stepOrders returns the dispatched step orders for taskID.
func (r *fakeRunner) stepOrders(taskID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := []int{}
	for _, s := range r.steps {
		if s.TaskID == taskID {
			orders = append(orders, s.Step)
		}
	}
	return orders
}

func (r *fakeRunner) branchLabels(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var labels []string
	for _, g := range r.groups {
		if g.TaskID == taskID {
			labels = append(labels, g.Labels()...)
		}
	}
	return labels
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ string, e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType())
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []notify.Notification
	fails bool
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	if n.fails {
		return errors.New("ntfy unreachable")
	}
	return nil
}

func (n *recordingNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Kind)
	}
	return out
}

type recordingHooks struct {
	mu        sync.Mutex
	completed []string
	campaigns []string
}

func (h *recordingHooks) OnTaskCompleted(_ context.Context, task *scheduler.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, task.ID)
	return nil
}

func (h *recordingHooks) OnCampaignDone(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.campaigns = append(h.campaigns, id)
	return nil
}

func intPtr(v int) *int { return &v }

// testWorkflows returns the templates used across engine tests:
//
//	linear:  research, outline, final
//	fanout:  research, draft(triggers a+b), review, final; gate at 2
//	late:    research, draft(triggers a+b), review, edit, final; gate at 3
//	tail:    research, draft(triggers a), final; gate at 2
//	nogate:  research(triggers a), draft, final; no convergence step
func testWorkflows() map[string]config.WorkflowConfig {
	return map[string]config.WorkflowConfig{
		"linear": {
			Steps: []config.WorkflowStepConfig{
				{Agent: "researcher", Category: "research"},
				{Agent: "outliner", Category: "outline"},
				{Agent: "publisher", Category: "final"},
			},
		},
		"fanout": {
			Steps: []config.WorkflowStepConfig{
				{Agent: "researcher", Category: "research"},
				{Agent: "writer", Category: "draft"},
				{Agent: "editor", Category: "review"},
				{Agent: "publisher", Category: "final"},
			},
			Branches: []config.WorkflowBranchConfig{
				{Label: "a", TriggerAfterStep: 1, Agent: "seo", Model: "small"},
				{Label: "b", TriggerAfterStep: 1, Agent: "illustrator", Model: "large"},
			},
			ConvergenceStep: intPtr(2),
		},
		"late": {
			Steps: []config.WorkflowStepConfig{
				{Agent: "researcher", Category: "research"},
				{Agent: "writer", Category: "draft"},
				{Agent: "editor", Category: "review"},
				{Agent: "copyeditor", Category: "review"},
				{Agent: "publisher", Category: "final"},
			},
			Branches: []config.WorkflowBranchConfig{
				{Label: "a", TriggerAfterStep: 1, Agent: "seo", Model: "small"},
				{Label: "b", TriggerAfterStep: 1, Agent: "illustrator", Model: "small"},
			},
			ConvergenceStep: intPtr(3),
		},
		"tail": {
			Steps: []config.WorkflowStepConfig{
				{Agent: "researcher", Category: "research"},
				{Agent: "writer", Category: "draft"},
				{Agent: "publisher", Category: "final"},
			},
			Branches: []config.WorkflowBranchConfig{
				{Label: "a", TriggerAfterStep: 1, Agent: "seo"},
			},
			ConvergenceStep: intPtr(2),
		},
		"nogate": {
			Steps: []config.WorkflowStepConfig{
				{Agent: "researcher", Category: "research"},
				{Agent: "writer", Category: "draft"},
				{Agent: "publisher", Category: "final"},
			},
			Branches: []config.WorkflowBranchConfig{
				{Label: "a", TriggerAfterStep: 0, Agent: "seo"},
			},
		},
	}
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *persistence.SQLiteStore
	clock    *fakeClock
	runner   *fakeRunner
	sink     *recordingSink
	notifier *recordingNotifier
	hooks    *recordingHooks
	engine   *Engine
}

func newHarness(t *testing.T, tweak ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wm, err := scheduler.NewWorkflowManager(testWorkflows())
	require.NoError(t, err)

	h := &harness{
		t:        t,
		ctx:      ctx,
		store:    store,
		clock:    &fakeClock{now: t0},
		runner:   newFakeRunner(),
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
		hooks:    &recordingHooks{},
	}
	cfg := Config{
		LockStaleAfter: 10 * time.Minute,
		Now:            h.clock.Now,
		Sink:           h.sink,
		Notifier:       h.notifier,
		Hooks:          h.hooks,
		Runner:         h.runner,
		Workflows:      wm,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	h.engine = NewEngine(store, cfg)
	return h
}

func (h *harness) create(workflow string) *scheduler.Task {
	h.t.Helper()
	res, err := h.engine.CreateTask(h.ctx, NewTaskRequest{Name: "Piece on " + workflow, Workflow: workflow})
	require.NoError(h.t, err)
	return res.Task
}

func (h *harness) createIn(workflow, campaign string, queued bool) *scheduler.Task {
	h.t.Helper()
	res, err := h.engine.CreateTask(h.ctx, NewTaskRequest{Name: "Piece", Workflow: workflow, CampaignID: campaign, Queued: queued})
	require.NoError(h.t, err)
	return res.Task
}

func (h *harness) task(id string) *scheduler.Task {
	h.t.Helper()
	task, err := h.store.GetTask(h.ctx, id)
	require.NoError(h.t, err)
	return task
}

// artifact registers a file produced for taskID and returns its id.
func (h *harness) artifact(taskID string) string {
	h.t.Helper()
	a, err := h.store.RegisterArtifact(h.ctx, persistence.Artifact{TaskID: taskID, Kind: "markdown", Path: "out/" + taskID + ".md"})
	require.NoError(h.t, err)
	return a.ID
}

func (h *harness) lock(taskID, worker string) {
	h.t.Helper()
	res, err := h.engine.AcquireLock(h.ctx, taskID, worker)
	require.NoError(h.t, err)
	require.True(h.t, res.Granted, "lock on %s for %s", taskID, worker)
}

// complete locks the task for worker and completes its current step.
func (h *harness) complete(taskID, worker string) AdvanceResult {
	h.t.Helper()
	h.lock(taskID, worker)
	res, err := h.engine.CompleteStep(h.ctx, CompleteStepRequest{
		TaskID:      taskID,
		Worker:      worker,
		ArtifactIDs: []string{h.artifact(taskID)},
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) completeBranch(taskID, label string) BranchResult {
	h.t.Helper()
	res, err := h.engine.CompleteBranch(h.ctx, CompleteBranchRequest{
		TaskID:      taskID,
		Label:       label,
		Worker:      "branch-" + label,
		ArtifactIDs: []string{h.artifact(taskID)},
	})
	require.NoError(h.t, err)
	return res
}
