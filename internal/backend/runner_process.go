package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/logging"
)

// ProcessConfig describes how agents map to worker commands.
type ProcessConfig struct {
	Providers map[string]config.ProviderConfig
	Agents    map[string]config.AgentConfig
	WorkDir   string
}

// ProcessRunner dispatches by launching one worker process per step or
// branch. Dispatch returns once the process has started; the worker reports
// back through the engine on its own.
type ProcessRunner struct {
	cfg     ProcessConfig
	procMgr *ProcessManager
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewProcessRunner creates a process runner. The ProcessManager is
// optional; without it workers are not killed on shutdown.
func NewProcessRunner(cfg ProcessConfig, pm *ProcessManager, logger *slog.Logger) *ProcessRunner {
	return &ProcessRunner{
		cfg:     cfg,
		procMgr: pm,
		logger:  logging.NewComponentLogger(logger, "process_runner"),
	}
}

// Dispatch implements Runner.
func (r *ProcessRunner) Dispatch(ctx context.Context, req Request) error {
	env := []string{
		"CONTENTFLOW_TASK_ID=" + req.TaskID,
		"CONTENTFLOW_STEP=" + strconv.Itoa(req.Step),
		"CONTENTFLOW_AGENT=" + req.Agent,
	}
	return r.launch(ctx, req.TaskID, req.Agent, req.ModelHint, req.Prompt(), env)
}

// DispatchBranchGroup implements Runner. Each branch gets its own process.
func (r *ProcessRunner) DispatchBranchGroup(ctx context.Context, req GroupRequest) error {
	for _, b := range req.Branches {
		env := []string{
			"CONTENTFLOW_TASK_ID=" + req.TaskID,
			"CONTENTFLOW_BRANCH=" + b.Label,
			"CONTENTFLOW_AGENT=" + b.Agent,
		}
		if err := r.launch(ctx, req.TaskID, b.Agent, req.ModelHint, req.Prompt(b), env); err != nil {
			return fmt.Errorf("branch %s: %w", b.Label, err)
		}
	}
	return nil
}

// Wait blocks until every launched worker has exited.
func (r *ProcessRunner) Wait() {
	r.wg.Wait()
}

func (r *ProcessRunner) launch(ctx context.Context, taskID, agent, modelHint, prompt string, env []string) error {
	name, args, err := r.command(agent, modelHint, prompt)
	if err != nil {
		return err
	}

	// The worker outlives the dispatch call; only ProcessManager.KillAll
	// stops it.
	cmd := newCommand(context.WithoutCancel(ctx), name, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(), env...)

	wait, err := startCommand(cmd, r.procMgr)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _, err := wait()
		if err != nil {
			r.logger.Warn("worker exited with error",
				logging.Task(taskID),
				slog.String(logging.FieldWorker, agent),
				logging.Error(err))
			return
		}
		r.logger.Debug("worker exited", logging.Task(taskID), slog.String(logging.FieldWorker, agent))
	}()
	return nil
}

// command resolves the binary and arguments for agent.
func (r *ProcessRunner) command(agent, modelHint, prompt string) (string, []string, error) {
	ac, ok := r.cfg.Agents[agent]
	if !ok {
		return "", nil, fmt.Errorf("unknown agent %q", agent)
	}
	pc, ok := r.cfg.Providers[ac.Provider]
	if !ok {
		return "", nil, fmt.Errorf("agent %q references unknown provider %q", agent, ac.Provider)
	}

	model := ac.Model
	if model == "" {
		model = modelHint
	}

	args := append([]string(nil), pc.Args...)
	args = append(args, providerArgs(pc.Type, prompt, model, ac.SystemPrompt)...)
	return pc.Command, args, nil
}

// providerArgs builds the one-shot invocation for each CLI family.
func providerArgs(providerType, prompt, model, systemPrompt string) []string {
	var args []string
	switch providerType {
	case "claude":
		args = []string{"-p", prompt, "--output-format", "json"}
		if model != "" {
			args = append(args, "--model", model)
		}
		if systemPrompt != "" {
			args = append(args, "--system-prompt", systemPrompt)
		}
	case "codex":
		args = []string{"exec", prompt, "--json"}
		if model != "" {
			args = append(args, "--model", model)
		}
	case "goose":
		args = []string{"run", "--text", prompt, "--output-format", "json"}
		if model != "" {
			args = append(args, "--model", model)
		}
		if systemPrompt != "" {
			args = append(args, "--system", systemPrompt)
		}
	default:
		args = []string{prompt}
	}
	return args
}
