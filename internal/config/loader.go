package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error.
// Files ending in .toml are decoded as TOML, everything else as JSON.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.orchestrator/config.{toml,json}
// Project: .orchestrator/config.{toml,json} (relative to cwd)
func LoadDefault() (*OrchestratorConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := firstExisting(
		filepath.Join(homeDir, ".orchestrator", "config.toml"),
		filepath.Join(homeDir, ".orchestrator", "config.json"),
	)
	projectPath := firstExisting(
		filepath.Join(".orchestrator", "config.toml"),
		filepath.Join(".orchestrator", "config.json"),
	)

	return Load(globalPath, projectPath)
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// mergeConfigFile reads a config file and merges it into the base config.
// Missing files are silently skipped.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded OrchestratorConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &loaded); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	for key, workflow := range loaded.Workflows {
		base.Workflows[key] = workflow
	}

	mergeEngine(&base.Engine, loaded.Engine)
	mergeDispatch(&base.Dispatch, loaded.Dispatch)
	if loaded.Notify.NtfyTopic != "" {
		base.Notify.NtfyTopic = loaded.Notify.NtfyTopic
	}
	if loaded.Notify.Timeout != "" {
		base.Notify.Timeout = loaded.Notify.Timeout
	}
	if loaded.Store.Path != "" {
		base.Store.Path = loaded.Store.Path
	}
	if loaded.Log.Level != "" {
		base.Log.Level = loaded.Log.Level
	}
	if loaded.Log.Format != "" {
		base.Log.Format = loaded.Log.Format
	}

	return nil
}

func mergeEngine(base *EngineConfig, loaded EngineConfig) {
	if loaded.LockStaleAfter != "" {
		base.LockStaleAfter = loaded.LockStaleAfter
	}
	if loaded.MaxRetries > 0 {
		base.MaxRetries = loaded.MaxRetries
	}
	if loaded.PollInterval != "" {
		base.PollInterval = loaded.PollInterval
	}
	if loaded.DispatchConcurrency > 0 {
		base.DispatchConcurrency = loaded.DispatchConcurrency
	}
}

func mergeDispatch(base *DispatchConfig, loaded DispatchConfig) {
	if loaded.Type != "" {
		base.Type = loaded.Type
	}
	if loaded.URL != "" {
		base.URL = loaded.URL
	}
	if loaded.Timeout != "" {
		base.Timeout = loaded.Timeout
	}
	if loaded.WorkDir != "" {
		base.WorkDir = loaded.WorkDir
	}
	if loaded.Retry.InitialInterval != "" {
		base.Retry.InitialInterval = loaded.Retry.InitialInterval
	}
	if loaded.Retry.MaxInterval != "" {
		base.Retry.MaxInterval = loaded.Retry.MaxInterval
	}
	if loaded.Retry.MaxElapsedTime != "" {
		base.Retry.MaxElapsedTime = loaded.Retry.MaxElapsedTime
	}
	if loaded.Retry.Multiplier > 0 {
		base.Retry.Multiplier = loaded.Retry.Multiplier
	}
}
