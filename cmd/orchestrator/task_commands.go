package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

func newTaskCommand(ctx *commandContext) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Create and inspect pipeline tasks",
	}

	taskCmd.AddCommand(newTaskCreateCommand(ctx))
	taskCmd.AddCommand(newTaskShowCommand(ctx))
	taskCmd.AddCommand(newTaskListCommand(ctx))
	taskCmd.AddCommand(newTaskReadyCommand(ctx))
	taskCmd.AddCommand(newTaskReviseCommand(ctx))
	taskCmd.AddCommand(newTaskResumeCommand(ctx))
	taskCmd.AddCommand(newTaskCancelCommand(ctx))

	return taskCmd
}

func newTaskCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		workflow string
		campaign string
		queued   bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a task from a workflow template",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				res, err := rt.engine.CreateTask(cmd.Context(), orchestrator.NewTaskRequest{
					Name:       strings.Join(args, " "),
					Workflow:   workflow,
					CampaignID: campaign,
					Queued:     queued,
				})
				if err != nil {
					return err
				}
				return ctx.emit(cmd, newTaskView(res.Task), func() string {
					var b strings.Builder
					fmt.Fprintf(&b, "Created task %s (%s)\n", res.Task.ID, res.Task.Workflow)
					switch {
					case res.BlockedReason != "":
						fmt.Fprintf(&b, "Blocked: %s\n", res.BlockedReason)
					case res.Dispatched:
						fmt.Fprintf(&b, "Step 0 dispatched to %s\n", res.Task.Pipeline[0].Agent)
					case res.Task.Queued:
						fmt.Fprintln(&b, "Queued behind earlier campaign work")
					}
					return b.String()
				})
			})
		},
	}

	cmd.Flags().StringVar(&workflow, "workflow", "article", "Workflow template name")
	cmd.Flags().StringVar(&campaign, "campaign", "", "Campaign id")
	cmd.Flags().BoolVar(&queued, "queued", false, "Wait until earlier tasks of the campaign finish")
	return cmd
}

func newTaskShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task's pipeline, artifacts, and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				task, err := rt.engine.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				artifacts, err := rt.store.ListArtifacts(cmd.Context(), task.ID)
				if err != nil {
					return err
				}
				timeline, err := rt.store.Timeline(cmd.Context(), task.ID)
				if err != nil {
					return err
				}

				payload := struct {
					Task      taskView                    `json:"task"`
					Artifacts []persistence.Artifact      `json:"artifacts"`
					Timeline  []persistence.TimelineEntry `json:"timeline"`
				}{newTaskView(task), artifacts, timeline}

				return ctx.emit(cmd, payload, func() string {
					return renderTaskDetail(task, artifacts, timeline)
				})
			})
		},
	}
}

func renderTaskDetail(task *scheduler.Task, artifacts []persistence.Artifact, timeline []persistence.TimelineEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", task.ID, task.Name)
	fmt.Fprintf(&b, "Workflow: %s  Status: %s  Lock: %s\n", task.Workflow, task.Status, lockText(task))
	if task.CampaignID != "" {
		fmt.Fprintf(&b, "Campaign: %s  Queued: %s\n", task.CampaignID, yesNo(task.Queued))
	}
	if len(task.PendingBranches) > 0 {
		fmt.Fprintf(&b, "Pending branches: %s\n", strings.Join(task.PendingBranches, ", "))
	}
	if task.BlockedReason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", task.BlockedReason)
	}
	if task.RevisionCount > 0 {
		fmt.Fprintf(&b, "Revisions: %d  Notes: %s\n", task.RevisionCount, task.RevisionNotes)
	}

	b.WriteString(renderTable(
		[]string{"", "Step", "Agent", "Category", "Status", "Score", "Dispatched", "Artifacts"},
		buildStepRows(task),
		[]columnAlignment{alignLeft, alignRight},
	))

	if len(artifacts) > 0 {
		rows := make([][]string, 0, len(artifacts))
		for _, a := range artifacts {
			source := fmt.Sprintf("step %d", a.StepOrder)
			if a.BranchLabel != "" {
				source = "branch " + a.BranchLabel
			}
			rows = append(rows, []string{a.ID, source, a.Kind, a.Path})
		}
		b.WriteString(renderTable([]string{"Artifact", "From", "Kind", "Path"}, rows, nil))
	}

	for _, e := range timeline {
		fmt.Fprintf(&b, "%s  %-16s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Kind, e.Message)
	}
	return b.String()
}

func newTaskListCommand(ctx *commandContext) *cobra.Command {
	var (
		campaign string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				tasks, err := rt.store.ListTasks(cmd.Context(), persistence.TaskFilter{
					CampaignID: campaign,
					Status:     scheduler.TaskStatus(status),
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				return emitTasks(ctx, cmd, tasks)
			})
		},
	}

	cmd.Flags().StringVar(&campaign, "campaign", "", "Only tasks of this campaign")
	cmd.Flags().StringVar(&status, "status", "", "Only tasks with this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of tasks")
	return cmd
}

func newTaskReadyCommand(ctx *commandContext) *cobra.Command {
	var filter orchestrator.ReadyFilter

	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List tasks whose current step can be picked up now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				tasks, err := rt.engine.ListReadyTasks(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return emitTasks(ctx, cmd, tasks)
			})
		},
	}

	cmd.Flags().StringVar(&filter.CampaignID, "campaign", "", "Only tasks of this campaign")
	cmd.Flags().StringVar(&filter.Agent, "agent", "", "Only tasks whose current step runs this agent")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "Maximum number of tasks")
	return cmd
}

func emitTasks(ctx *commandContext, cmd *cobra.Command, tasks []*scheduler.Task) error {
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	return ctx.emit(cmd, views, func() string { return renderTaskList(tasks) })
}

func newTaskReviseCommand(ctx *commandContext) *cobra.Command {
	var (
		step  int
		notes string
	)

	cmd := &cobra.Command{
		Use:   "revise <task-id>",
		Short: "Send a task back to an earlier step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				res, err := rt.engine.RequestRevision(cmd.Context(), args[0], step, notes)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, res, func() string {
					return fmt.Sprintf("Revision %d requested from step %d; resume the task to continue\n", res.RevisionCount, step)
				})
			})
		},
	}

	cmd.Flags().IntVar(&step, "step", 0, "Step index to restart from")
	cmd.Flags().StringVar(&notes, "notes", "", "Revision notes passed to the worker")
	return cmd
}

func newTaskResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a blocked task or a task awaiting revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				res, err := rt.engine.Resume(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.emit(cmd, res, func() string {
					switch {
					case res.BlockedReason != "":
						return fmt.Sprintf("Resume failed, task blocked again: %s\n", res.BlockedReason)
					case res.Gated:
						return fmt.Sprintf("Resumed (%s); waiting for branches\n", res.Status)
					case res.Dispatched:
						return fmt.Sprintf("Resumed (%s); current step dispatched\n", res.Status)
					}
					return fmt.Sprintf("Resumed (%s)\n", res.Status)
				})
			})
		},
	}
}

func newTaskCancelCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				if err := rt.engine.Cancel(cmd.Context(), args[0], reason); err != nil {
					return err
				}
				return ctx.emit(cmd, map[string]string{"id": args[0], "status": string(scheduler.StatusCancelled)}, func() string {
					return fmt.Sprintf("Cancelled %s\n", args[0])
				})
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the task was cancelled")
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
