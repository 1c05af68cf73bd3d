package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/backend"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/notify"
	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

type globalFlags struct {
	config   string
	db       string
	logLevel string
	json     bool
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.OrchestratorConfig
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.OrchestratorConfig, error) {
	c.configOnce.Do(func() {
		var (
			cfg *config.OrchestratorConfig
			err error
		)
		if path := strings.TrimSpace(c.flags.config); path != "" {
			if _, statErr := os.Stat(path); statErr != nil {
				c.configErr = fmt.Errorf("config file: %w", statErr)
				return
			}
			cfg, err = config.Load("", path)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			c.configErr = err
			return
		}
		if db := strings.TrimSpace(c.flags.db); db != "" {
			cfg.Store.Path = db
		}
		if level := strings.TrimSpace(c.flags.logLevel); level != "" {
			cfg.Log.Level = level
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// runtime bundles everything a command needs to drive the engine.
type runtime struct {
	cfg       *config.OrchestratorConfig
	logger    *slog.Logger
	store     *persistence.SQLiteStore
	workflows *scheduler.WorkflowManager
	runner    backend.Runner
	pm        *backend.ProcessManager
	engine    *orchestrator.Engine
}

// open builds a runtime. A nil sink records events straight into the task
// timeline.
func (c *commandContext) open(ctx context.Context, sink events.Sink) (*runtime, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}

	workflows, err := scheduler.NewWorkflowManager(cfg.Workflows)
	if err != nil {
		return nil, err
	}
	staleAfter, err := config.Duration(cfg.Engine.LockStaleAfter, scheduler.DefaultLockStaleAfter)
	if err != nil {
		return nil, fmt.Errorf("engine.lock_stale_after: %w", err)
	}
	retry, err := orchestrator.RetryConfigFrom(cfg.Dispatch.Retry)
	if err != nil {
		return nil, fmt.Errorf("dispatch.retry: %w", err)
	}
	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return nil, err
	}

	pm := backend.NewProcessManager()
	runner, err := backend.New(cfg, pm, logger)
	if err != nil {
		return nil, err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if sink == nil {
		sink = persistence.NewTimelineRecorder(store, logger)
	}

	engine := orchestrator.NewEngine(store, orchestrator.Config{
		LockStaleAfter: staleAfter,
		MaxRetries:     maxRetries(cfg.Engine.MaxRetries),
		Logger:         logger,
		Sink:           sink,
		Notifier:       notifier,
		Runner:         orchestrator.NewResilientRunner(runner, nil, retry, logger),
		Workflows:      workflows,
	})

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		workflows: workflows,
		runner:    runner,
		pm:        pm,
		engine:    engine,
	}, nil
}

// maxRetries maps the config value onto the engine setting. A non-positive
// value disables automatic retries.
func maxRetries(configured int) int {
	if configured <= 0 {
		return orchestrator.NoRetries
	}
	return configured
}

// Close waits for workers started by this process and closes the store.
func (r *runtime) Close() error {
	if pr, ok := r.runner.(*backend.ProcessRunner); ok {
		pr.Wait()
	}
	return r.store.Close()
}

// withEngine opens a runtime for the duration of fn.
func (c *commandContext) withEngine(cmd *cobra.Command, fn func(*runtime) error) error {
	rt, err := c.open(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// workerFlag defaults --worker to the agent name the process runner exports.
func workerFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "worker", "w", os.Getenv("CONTENTFLOW_AGENT"), "Worker name (default $CONTENTFLOW_AGENT)")
}
