package config

import (
	"fmt"
	"time"
)

// ProviderConfig defines how a worker process is launched when dispatching
// through the process runner. Several agents may share one provider.
type ProviderConfig struct {
	Command string   `json:"command" toml:"command"`                 // Binary to execute
	Args    []string `json:"args,omitempty" toml:"args,omitempty"`   // Default args placed before the task arguments
	Type    string   `json:"type" toml:"type"`                       // Provider family, e.g. "claude", "codex", "goose"
}

// AgentConfig defines a worker role backed by a provider and model.
type AgentConfig struct {
	Provider     string   `json:"provider" toml:"provider"`
	Model        string   `json:"model,omitempty" toml:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty" toml:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty" toml:"tools,omitempty"`
}

// WorkflowStepConfig defines one main-pipeline step.
type WorkflowStepConfig struct {
	Agent    string `json:"agent" toml:"agent"`
	Category string `json:"category,omitempty" toml:"category,omitempty"` // Output category, drives task status
	Model    string `json:"model,omitempty" toml:"model,omitempty"`
}

// WorkflowBranchConfig defines a parallel branch activated after a step.
type WorkflowBranchConfig struct {
	Label            string `json:"label" toml:"label"`
	TriggerAfterStep int    `json:"trigger_after_step" toml:"trigger_after_step"`
	Agent            string `json:"agent" toml:"agent"`
	Model            string `json:"model,omitempty" toml:"model,omitempty"`
}

// WorkflowConfig defines a pipeline template (e.g. research -> draft -> review).
type WorkflowConfig struct {
	Steps    []WorkflowStepConfig   `json:"steps" toml:"steps"`
	Branches []WorkflowBranchConfig `json:"branches,omitempty" toml:"branches,omitempty"`
	// ConvergenceStep is the step order at or after which dispatch waits for
	// all outstanding branches. Nil disables the gate.
	ConvergenceStep *int `json:"convergence_step,omitempty" toml:"convergence_step,omitempty"`
}

// EngineConfig tunes the task state machine.
type EngineConfig struct {
	LockStaleAfter      string `json:"lock_stale_after,omitempty" toml:"lock_stale_after,omitempty"` // Go duration, default "10m"
	MaxRetries          int    `json:"max_retries,omitempty" toml:"max_retries,omitempty"`
	PollInterval        string `json:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	DispatchConcurrency int    `json:"dispatch_concurrency,omitempty" toml:"dispatch_concurrency,omitempty"`
}

// RetryConfig configures exponential backoff around dispatch calls.
type RetryConfig struct {
	InitialInterval string  `json:"initial_interval,omitempty" toml:"initial_interval,omitempty"`
	MaxInterval     string  `json:"max_interval,omitempty" toml:"max_interval,omitempty"`
	MaxElapsedTime  string  `json:"max_elapsed_time,omitempty" toml:"max_elapsed_time,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty" toml:"multiplier,omitempty"`
}

// DispatchConfig selects and configures the execution environment runner.
type DispatchConfig struct {
	Type    string      `json:"type,omitempty" toml:"type,omitempty"` // "http" or "process"
	URL     string      `json:"url,omitempty" toml:"url,omitempty"`
	Timeout string      `json:"timeout,omitempty" toml:"timeout,omitempty"`
	WorkDir string      `json:"work_dir,omitempty" toml:"work_dir,omitempty"`
	Retry   RetryConfig `json:"retry,omitempty" toml:"retry,omitempty"`
}

// NotifyConfig configures human-facing notifications. An empty topic
// disables delivery.
type NotifyConfig struct {
	NtfyTopic string `json:"ntfy_topic,omitempty" toml:"ntfy_topic,omitempty"`
	Timeout   string `json:"timeout,omitempty" toml:"timeout,omitempty"`
}

// StoreConfig locates the task database.
type StoreConfig struct {
	Path string `json:"path,omitempty" toml:"path,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level,omitempty" toml:"level,omitempty"`
	Format string `json:"format,omitempty" toml:"format,omitempty"` // "console" or "json"
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Providers map[string]ProviderConfig `json:"providers" toml:"providers"`
	Agents    map[string]AgentConfig    `json:"agents" toml:"agents"`
	Workflows map[string]WorkflowConfig `json:"workflows" toml:"workflows"`
	Engine    EngineConfig              `json:"engine,omitempty" toml:"engine,omitempty"`
	Dispatch  DispatchConfig            `json:"dispatch,omitempty" toml:"dispatch,omitempty"`
	Notify    NotifyConfig              `json:"notify,omitempty" toml:"notify,omitempty"`
	Store     StoreConfig               `json:"store,omitempty" toml:"store,omitempty"`
	Log       LogConfig                 `json:"log,omitempty" toml:"log,omitempty"`
}

// Duration parses a Go duration string, returning fallback for empty input.
func Duration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", value, err)
	}
	return d, nil
}
