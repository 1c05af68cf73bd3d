// Package backend hands pipeline work to the external execution
// environment. Runners only start work; results come back through the
// engine's completion operations.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aristath/contentflow/internal/config"
)

// Runner dispatches steps and branch groups to workers.
type Runner interface {
	// Dispatch starts the worker for one main step.
	Dispatch(ctx context.Context, req Request) error

	// DispatchBranchGroup starts the workers for a group of branches.
	DispatchBranchGroup(ctx context.Context, req GroupRequest) error
}

// New creates the runner selected by cfg.Dispatch.Type.
// The ProcessManager is only used by the process runner and may be nil.
func New(cfg *config.OrchestratorConfig, pm *ProcessManager, logger *slog.Logger) (Runner, error) {
	timeout, err := config.Duration(cfg.Dispatch.Timeout, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("dispatch timeout: %w", err)
	}

	switch cfg.Dispatch.Type {
	case "http":
		return NewHTTPRunner(cfg.Dispatch.URL, &http.Client{Timeout: timeout}), nil
	case "process", "":
		return NewProcessRunner(ProcessConfig{
			Providers: cfg.Providers,
			Agents:    cfg.Agents,
			WorkDir:   cfg.Dispatch.WorkDir,
		}, pm, logger), nil
	default:
		return nil, fmt.Errorf("unknown dispatch type: %s", cfg.Dispatch.Type)
	}
}
