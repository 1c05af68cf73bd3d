package config

// DefaultConfig returns the default configuration with built-in providers,
// agents, and content workflows.
func DefaultConfig() *OrchestratorConfig {
	finalGate := 4

	return &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Agents: map[string]AgentConfig{
			"researcher": {
				Provider:     "claude",
				SystemPrompt: "You gather sources and facts for the brief.",
			},
			"outliner": {
				Provider:     "claude",
				SystemPrompt: "You turn research notes into a structured outline.",
			},
			"writer": {
				Provider:     "claude",
				SystemPrompt: "You write the draft from the outline.",
			},
			"editor": {
				Provider:     "claude",
				SystemPrompt: "You review drafts for accuracy, tone, and structure.",
			},
			"seo": {
				Provider:     "goose",
				SystemPrompt: "You produce search metadata for the draft.",
			},
			"illustrator": {
				Provider:     "codex",
				SystemPrompt: "You produce image briefs for the draft.",
			},
			"publisher": {
				Provider:     "claude",
				SystemPrompt: "You assemble the final deliverable.",
			},
		},
		Workflows: map[string]WorkflowConfig{
			"article": {
				Steps: []WorkflowStepConfig{
					{Agent: "researcher", Category: "research"},
					{Agent: "outliner", Category: "outline"},
					{Agent: "writer", Category: "draft"},
					{Agent: "editor", Category: "review"},
					{Agent: "publisher", Category: "final"},
				},
				Branches: []WorkflowBranchConfig{
					{Label: "seo", TriggerAfterStep: 2, Agent: "seo", Model: "small"},
					{Label: "images", TriggerAfterStep: 2, Agent: "illustrator", Model: "large"},
				},
				ConvergenceStep: &finalGate,
			},
			"brief": {
				Steps: []WorkflowStepConfig{
					{Agent: "researcher", Category: "research"},
					{Agent: "writer", Category: "draft"},
					{Agent: "publisher", Category: "final"},
				},
			},
		},
		Engine: EngineConfig{
			LockStaleAfter:      "10m",
			MaxRetries:          2,
			PollInterval:        "5s",
			DispatchConcurrency: 4,
		},
		Dispatch: DispatchConfig{
			Type:    "process",
			Timeout: "30s",
			Retry: RetryConfig{
				InitialInterval: "100ms",
				MaxInterval:     "10s",
				MaxElapsedTime:  "1m",
				Multiplier:      2.0,
			},
		},
		Notify: NotifyConfig{
			Timeout: "10s",
		},
		Store: StoreConfig{
			Path: ".orchestrator/tasks.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
