package config

import (
	"errors"
	"fmt"
	"sort"
)

// Validate checks cross references between providers, agents, and
// workflows, and that every duration parses. Step ordering rules for
// workflows are enforced by the scheduler when templates are registered.
func Validate(cfg *OrchestratorConfig) error {
	var errs []error

	for _, name := range sortedKeys(cfg.Agents) {
		agent := cfg.Agents[name]
		if _, ok := cfg.Providers[agent.Provider]; !ok {
			errs = append(errs, fmt.Errorf("agent %q: unknown provider %q", name, agent.Provider))
		}
	}

	for _, name := range sortedKeys(cfg.Workflows) {
		wf := cfg.Workflows[name]
		if len(wf.Steps) == 0 {
			errs = append(errs, fmt.Errorf("workflow %q: no steps", name))
		}
		for i, step := range wf.Steps {
			if _, ok := cfg.Agents[step.Agent]; !ok {
				errs = append(errs, fmt.Errorf("workflow %q step %d: unknown agent %q", name, i, step.Agent))
			}
		}
		for _, branch := range wf.Branches {
			if _, ok := cfg.Agents[branch.Agent]; !ok {
				errs = append(errs, fmt.Errorf("workflow %q branch %q: unknown agent %q", name, branch.Label, branch.Agent))
			}
		}
	}

	switch cfg.Dispatch.Type {
	case "", "http", "process":
	default:
		errs = append(errs, fmt.Errorf("dispatch: unsupported type %q", cfg.Dispatch.Type))
	}
	if cfg.Dispatch.Type == "http" && cfg.Dispatch.URL == "" {
		errs = append(errs, errors.New("dispatch: http runner requires url"))
	}

	for label, value := range map[string]string{
		"engine.lock_stale_after":         cfg.Engine.LockStaleAfter,
		"engine.poll_interval":            cfg.Engine.PollInterval,
		"dispatch.timeout":                cfg.Dispatch.Timeout,
		"dispatch.retry.initial_interval": cfg.Dispatch.Retry.InitialInterval,
		"dispatch.retry.max_interval":     cfg.Dispatch.Retry.MaxInterval,
		"dispatch.retry.max_elapsed_time": cfg.Dispatch.Retry.MaxElapsedTime,
		"notify.timeout":                  cfg.Notify.Timeout,
	} {
		if _, err := Duration(value, 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
