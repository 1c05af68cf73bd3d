package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/scheduler"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigValidateCommand(ctx))

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		targetPath string
		overwrite  bool
	)

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration to a file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				target = filepath.Join(".orchestrator", "config.toml")
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.Save(config.DefaultConfig(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination file (.toml or .json)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing file")
	return cmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and every workflow template",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if _, err := scheduler.NewWorkflowManager(cfg.Workflows); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: %d agents, %d workflows\n", len(cfg.Agents), len(cfg.Workflows))
			return nil
		},
	}
}

func newWorkflowsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List workflow templates and their execution plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			wm, err := scheduler.NewWorkflowManager(cfg.Workflows)
			if err != nil {
				return err
			}

			plans := make(map[string][]string)
			rows := make([][]string, 0)
			for _, name := range wm.Names() {
				plan, _ := wm.Plan(name)
				plans[name] = plan
				wf := cfg.Workflows[name]
				gate := "-"
				if wf.ConvergenceStep != nil {
					gate = fmt.Sprint(*wf.ConvergenceStep)
				}
				rows = append(rows, []string{name, fmt.Sprint(len(wf.Steps)), branchList(wf), gate, strings.Join(plan, " → ")})
			}

			return ctx.emit(cmd, plans, func() string {
				return renderTable([]string{"Workflow", "Steps", "Branches", "Gate", "Plan"}, rows, []columnAlignment{alignLeft, alignRight})
			})
		},
	}
}

func branchList(wf config.WorkflowConfig) string {
	labels := make([]string, 0, len(wf.Branches))
	for _, b := range wf.Branches {
		labels = append(labels, fmt.Sprintf("%s@%d", b.Label, b.TriggerAfterStep))
	}
	sort.Strings(labels)
	if len(labels) == 0 {
		return "-"
	}
	return strings.Join(labels, ",")
}
