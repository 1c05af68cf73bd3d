package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/persistence"
)

func newCampaignCommand(ctx *commandContext) *cobra.Command {
	campaignCmd := &cobra.Command{
		Use:   "campaign",
		Short: "Group tasks and control their dispatch",
	}
	campaignCmd.AddCommand(newCampaignCreateCommand(ctx))
	campaignCmd.AddCommand(newCampaignShowCommand(ctx))
	campaignCmd.AddCommand(newCampaignPauseCommand(ctx, true))
	campaignCmd.AddCommand(newCampaignPauseCommand(ctx, false))
	return campaignCmd
}

func newCampaignCreateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "create <id> [name]",
		Short: "Create or rename a campaign",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if len(args) == 2 {
				name = args[1]
			}
			return ctx.withEngine(cmd, func(rt *runtime) error {
				c := persistence.Campaign{ID: args[0], Name: name}
				if err := rt.store.SaveCampaign(cmd.Context(), c); err != nil {
					return err
				}
				return ctx.emit(cmd, c, func() string { return fmt.Sprintf("Campaign %s saved\n", c.ID) })
			})
		},
	}
}

func newCampaignShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show campaign state and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				c, err := rt.store.GetCampaign(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				remaining, err := rt.store.CampaignRemaining(cmd.Context(), c.ID)
				if err != nil {
					return err
				}
				tasks, err := rt.store.ListTasks(cmd.Context(), persistence.TaskFilter{CampaignID: c.ID})
				if err != nil {
					return err
				}

				views := make([]taskView, 0, len(tasks))
				for _, t := range tasks {
					views = append(views, newTaskView(t))
				}
				payload := struct {
					Campaign  persistence.Campaign `json:"campaign"`
					Remaining int                  `json:"remaining"`
					Tasks     []taskView           `json:"tasks"`
				}{c, remaining, views}

				return ctx.emit(cmd, payload, func() string {
					var b strings.Builder
					fmt.Fprintf(&b, "%s  %s\n", c.ID, c.Name)
					state := "active"
					switch {
					case c.CompletedAt != nil:
						state = "done"
					case c.Paused:
						state = "paused"
					}
					fmt.Fprintf(&b, "State: %s  Unfinished tasks: %d\n", state, remaining)
					b.WriteString(renderTaskList(tasks))
					return b.String()
				})
			})
		},
	}
}

func newCampaignPauseCommand(ctx *commandContext, pause bool) *cobra.Command {
	use, short := "pause <id>", "Stop dispatching next steps for a campaign"
	if !pause {
		use, short = "unpause <id>", "Resume dispatching for a campaign"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				var err error
				if pause {
					err = rt.engine.PauseCampaign(cmd.Context(), args[0])
				} else {
					err = rt.engine.UnpauseCampaign(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return ctx.emit(cmd, map[string]any{"id": args[0], "paused": pause}, func() string {
					if pause {
						return fmt.Sprintf("Campaign %s paused\n", args[0])
					}
					return fmt.Sprintf("Campaign %s unpaused; held steps go out on the next dispatch poll\n", args[0])
				})
			})
		},
	}
}
