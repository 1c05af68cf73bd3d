package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/contentflow/internal/backend"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// dispatchRecorder stands in for the execution environment.
type dispatchRecorder struct {
	mu       sync.Mutex
	steps    []backend.Request
	groups   []backend.GroupRequest
	failWith int
}

func (d *dispatchRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != 0 {
		http.Error(w, "unavailable", d.failWith)
		return
	}
	switch r.URL.Path {
	case "/dispatch":
		var req backend.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		d.steps = append(d.steps, req)
	case "/dispatch/branches":
		var req backend.GroupRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		d.groups = append(d.groups, req)
	default:
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (d *dispatchRecorder) stepAgents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	agents := make([]string, len(d.steps))
	for i, s := range d.steps {
		agents[i] = s.Agent
	}
	return agents
}

type cliEnv struct {
	configPath string
	dbPath     string
	dispatch   *dispatchRecorder
}

func setupCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	rec := &dispatchRecorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	env := &cliEnv{
		configPath: filepath.Join(dir, "config.json"),
		dbPath:     filepath.Join(dir, "tasks.db"),
		dispatch:   rec,
	}

	raw, err := json.Marshal(map[string]any{
		"dispatch": map[string]any{
			"type": "http",
			"url":  srv.URL,
			"retry": map[string]any{
				"initial_interval": "1ms",
				"max_interval":     "2ms",
				"max_elapsed_time": "10ms",
			},
		},
		"store": map[string]any{"path": env.dbPath},
		"log":   map[string]any{"level": "error", "format": "json"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.configPath, raw, 0o644))
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func (e *cliEnv) runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := e.run(t, append([]string{"--json"}, args...)...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestCLIWalksArticleToBranches(t *testing.T) {
	env := setupCLIEnv(t)

	var created taskView
	env.runJSON(t, &created, "task", "create", "Go", "generics", "--campaign", "launch")
	assert.Equal(t, "Go generics", created.Name)
	assert.Equal(t, "backlog", created.Status)
	assert.Equal(t, []string{"researcher"}, env.dispatch.stepAgents())

	agents := []string{"researcher", "outliner", "writer"}
	for i, agent := range agents {
		var lock scheduler.LockResult
		env.runJSON(t, &lock, "lock", "acquire", created.ID, "-w", agent)
		require.True(t, lock.Granted)

		var art persistence.Artifact
		env.runJSON(t, &art, "artifact", "add", created.ID, filepath.Join("out", agent+".md"), "--kind", "markdown")
		assert.Equal(t, i, art.StepOrder)

		var adv orchestrator.AdvanceResult
		env.runJSON(t, &adv, "step", "complete", created.ID, "-w", agent, "-a", art.ID, "--score", "0.8")
		require.True(t, adv.Advanced)
		require.NotNil(t, adv.NextStepIndex)
		assert.Equal(t, i+1, *adv.NextStepIndex)
	}

	// Step 2 triggers both branches; the editor runs below the gate.
	assert.Equal(t, []string{"researcher", "outliner", "writer", "editor"}, env.dispatch.stepAgents())
	env.dispatch.mu.Lock()
	assert.Len(t, env.dispatch.groups, 2)
	env.dispatch.mu.Unlock()

	var shown struct {
		Task      taskView                    `json:"task"`
		Artifacts []persistence.Artifact      `json:"artifacts"`
		Timeline  []persistence.TimelineEntry `json:"timeline"`
	}
	env.runJSON(t, &shown, "task", "show", created.ID)
	assert.Equal(t, "drafted", shown.Task.Status)
	assert.ElementsMatch(t, []string{"seo", "images"}, shown.Task.PendingBranches)
	assert.Len(t, shown.Artifacts, 3)
	assert.NotEmpty(t, shown.Timeline)

	var branchArt persistence.Artifact
	env.runJSON(t, &branchArt, "artifact", "add", created.ID, "out/seo.json", "--branch", "seo")
	assert.Equal(t, -1, branchArt.StepOrder)

	var br orchestrator.BranchResult
	env.runJSON(t, &br, "branch", "complete", created.ID, "seo", "-w", "seo", "-a", branchArt.ID)
	assert.Equal(t, 1, br.Remaining)
}

func TestCLILockContention(t *testing.T) {
	env := setupCLIEnv(t)

	var created taskView
	env.runJSON(t, &created, "task", "create", "Contended", "--workflow", "brief")

	_, err := env.run(t, "lock", "acquire", created.ID, "-w", "alice")
	require.NoError(t, err)

	out, err := env.run(t, "lock", "acquire", created.ID, "-w", "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errLockRefused))
	assert.Contains(t, out, "held by alice")

	out, err = env.run(t, "lock", "release", created.ID, "-w", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "does not hold the lock")
}

func TestCLICompleteWithoutArtifactsFails(t *testing.T) {
	env := setupCLIEnv(t)

	var created taskView
	env.runJSON(t, &created, "task", "create", "Proofless", "--workflow", "brief")
	_, err := env.run(t, "lock", "acquire", created.ID, "-w", "researcher")
	require.NoError(t, err)

	_, err = env.run(t, "step", "complete", created.ID, "-w", "researcher")
	require.ErrorIs(t, err, scheduler.ErrNoArtifacts)

	_, err = env.run(t, "step", "complete", created.ID, "-w", "researcher", "-a", "missing")
	require.ErrorIs(t, err, scheduler.ErrUnknownArtifact)
}

func TestCLIDispatchFailureBlocksTask(t *testing.T) {
	env := setupCLIEnv(t)
	env.dispatch.failWith = http.StatusBadRequest

	var created taskView
	env.runJSON(t, &created, "task", "create", "Rejected", "--workflow", "brief")
	assert.Equal(t, "blocked", created.Status)
	assert.Contains(t, created.BlockedReason, "dispatch failed for step 0 (researcher)")

	env.dispatch.mu.Lock()
	env.dispatch.failWith = 0
	env.dispatch.mu.Unlock()

	var resumed orchestrator.ResumeResult
	env.runJSON(t, &resumed, "task", "resume", created.ID)
	assert.True(t, resumed.Dispatched)
	assert.Equal(t, scheduler.StatusBacklog, resumed.Status)
}

func TestCLICampaignPause(t *testing.T) {
	env := setupCLIEnv(t)

	_, err := env.run(t, "campaign", "create", "spring", "Spring launch")
	require.NoError(t, err)
	_, err = env.run(t, "campaign", "pause", "spring")
	require.NoError(t, err)

	var created taskView
	env.runJSON(t, &created, "task", "create", "Held", "--workflow", "brief", "--campaign", "spring")
	assert.Empty(t, env.dispatch.stepAgents())

	var ready []taskView
	env.runJSON(t, &ready, "task", "ready", "--campaign", "spring")
	assert.Empty(t, ready)

	_, err = env.run(t, "campaign", "unpause", "spring")
	require.NoError(t, err)
	env.runJSON(t, &ready, "task", "ready", "--campaign", "spring")
	require.Len(t, ready, 1)
	assert.Equal(t, created.ID, ready[0].ID)

	out, err := env.run(t, "serve", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "Dispatched 1 task(s)")
	assert.Equal(t, []string{"researcher"}, env.dispatch.stepAgents())
}

func TestCLIServeRefusesSecondInstance(t *testing.T) {
	env := setupCLIEnv(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(env.dbPath), 0o755))
	holder := flock.New(env.dbPath + ".lock")
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.Unlock()

	_, err = env.run(t, "serve", "--once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestConfigInitWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "config.toml")

	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), target)

	loaded, err := config.Load("", target)
	require.NoError(t, err)
	assert.Contains(t, loaded.Workflows, "article")

	cmd = newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "init", "--path", target})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestWorkflowsCommandListsPlans(t *testing.T) {
	env := setupCLIEnv(t)

	var plans map[string][]string
	env.runJSON(t, &plans, "workflows")
	require.Contains(t, plans, "article")
	require.Contains(t, plans, "brief")
	assert.Len(t, plans["brief"], 3)

	out, err := env.run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK")
}
