package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

// errLockRefused makes a refused acquire exit non-zero for worker scripts.
var errLockRefused = errors.New("lock refused")

func newLockCommand(ctx *commandContext) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Claim or release a task for a worker",
	}
	lockCmd.AddCommand(newLockAcquireCommand(ctx))
	lockCmd.AddCommand(newLockReleaseCommand(ctx))
	return lockCmd
}

func newLockAcquireCommand(ctx *commandContext) *cobra.Command {
	var worker string

	cmd := &cobra.Command{
		Use:   "acquire <task-id>",
		Short: "Claim a task; fails while another worker holds a fresh lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				res, err := rt.engine.AcquireLock(cmd.Context(), args[0], worker)
				if err != nil {
					return err
				}
				if err := ctx.emit(cmd, res, func() string {
					if res.Granted {
						return fmt.Sprintf("Lock on %s granted to %s\n", args[0], worker)
					}
					return fmt.Sprintf("Lock on %s held by %s\n", args[0], res.HeldBy)
				}); err != nil {
					return err
				}
				if !res.Granted {
					return fmt.Errorf("%w: %s is held by %s", errLockRefused, args[0], res.HeldBy)
				}
				return nil
			})
		},
	}
	workerFlag(cmd, &worker)
	return cmd
}

func newLockReleaseCommand(ctx *commandContext) *cobra.Command {
	var worker string

	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Release a lock held by the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				res, err := rt.engine.ReleaseLock(cmd.Context(), args[0], worker)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, res, func() string {
					if res.Released {
						return fmt.Sprintf("Released %s\n", args[0])
					}
					return fmt.Sprintf("%s does not hold the lock on %s\n", worker, args[0])
				})
			})
		},
	}
	workerFlag(cmd, &worker)
	return cmd
}

func newStepCommand(ctx *commandContext) *cobra.Command {
	stepCmd := &cobra.Command{
		Use:   "step",
		Short: "Report the outcome of a main pipeline step",
	}
	stepCmd.AddCommand(newStepCompleteCommand(ctx))
	stepCmd.AddCommand(newStepRetryCommand(ctx))
	return stepCmd
}

func newStepCompleteCommand(ctx *commandContext) *cobra.Command {
	var (
		worker    string
		artifacts []string
		score     float64
	)

	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete the current step, citing registered artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.CompleteStepRequest{TaskID: args[0], Worker: worker, ArtifactIDs: artifacts}
			if cmd.Flags().Changed("score") {
				req.QualityScore = &score
			}
			return ctx.withEngine(cmd, func(rt *runtime) error {
				res, err := rt.engine.CompleteStep(cmd.Context(), req)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, res, func() string { return describeAdvance(res) })
			})
		},
	}
	workerFlag(cmd, &worker)
	cmd.Flags().StringSliceVarP(&artifacts, "artifact", "a", nil, "Artifact id produced by the step (repeatable)")
	cmd.Flags().Float64Var(&score, "score", 0, "Quality score for the step")
	return cmd
}

func describeAdvance(res orchestrator.AdvanceResult) string {
	var b strings.Builder
	if res.NextStepIndex == nil {
		fmt.Fprintf(&b, "Task %s\n", res.NewStatus)
	} else {
		fmt.Fprintf(&b, "Advanced to step %d (%s)\n", *res.NextStepIndex, res.NewStatus)
	}
	if len(res.Branches) > 0 {
		fmt.Fprintf(&b, "Branches started: %s\n", strings.Join(res.Branches, ", "))
	}
	switch {
	case res.BlockedReason != "":
		fmt.Fprintf(&b, "Blocked: %s\n", res.BlockedReason)
	case res.Gated:
		fmt.Fprintln(&b, "Next step waits for the branches")
	case res.Dispatched:
		fmt.Fprintln(&b, "Next step dispatched")
	}
	return b.String()
}

func newStepRetryCommand(ctx *commandContext) *cobra.Command {
	var worker string

	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Report a failed attempt and re-dispatch the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				res, err := rt.engine.RetryStep(cmd.Context(), args[0], worker)
				if err != nil {
					return err
				}
				return ctx.emit(cmd, res, func() string {
					if !res.Retried {
						return fmt.Sprintf("Retry limit reached after %d attempts; task blocked: %s\n", res.RetryCount, res.BlockedReason)
					}
					return fmt.Sprintf("Retry %d scheduled\n", res.RetryCount)
				})
			})
		},
	}
	workerFlag(cmd, &worker)
	return cmd
}

func newBranchCommand(ctx *commandContext) *cobra.Command {
	branchCmd := &cobra.Command{
		Use:   "branch",
		Short: "Report parallel branch outcomes",
	}
	branchCmd.AddCommand(newBranchCompleteCommand(ctx))
	return branchCmd
}

func newBranchCompleteCommand(ctx *commandContext) *cobra.Command {
	var (
		worker    string
		artifacts []string
	)

	cmd := &cobra.Command{
		Use:   "complete <task-id> <label>",
		Short: "Complete a pending branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				res, err := rt.engine.CompleteBranch(cmd.Context(), orchestrator.CompleteBranchRequest{
					TaskID:      args[0],
					Label:       args[1],
					Worker:      worker,
					ArtifactIDs: artifacts,
				})
				if err != nil {
					return err
				}
				return ctx.emit(cmd, res, func() string {
					switch {
					case res.BlockedReason != "":
						return fmt.Sprintf("Branches done; dispatch failed: %s\n", res.BlockedReason)
					case res.DispatchedStep != nil:
						return fmt.Sprintf("Branches done; step %d dispatched\n", *res.DispatchedStep)
					}
					return fmt.Sprintf("%d branch(es) remaining\n", res.Remaining)
				})
			})
		},
	}
	workerFlag(cmd, &worker)
	cmd.Flags().StringSliceVarP(&artifacts, "artifact", "a", nil, "Artifact id produced by the branch (repeatable)")
	return cmd
}

func newArtifactCommand(ctx *commandContext) *cobra.Command {
	artifactCmd := &cobra.Command{
		Use:   "artifact",
		Short: "Register and list step outputs",
	}
	artifactCmd.AddCommand(newArtifactAddCommand(ctx))
	artifactCmd.AddCommand(newArtifactListCommand(ctx))
	return artifactCmd
}

func newArtifactAddCommand(ctx *commandContext) *cobra.Command {
	var (
		kind   string
		step   int
		branch string
	)

	cmd := &cobra.Command{
		Use:   "add <task-id> <path>",
		Short: "Register a file produced for a task and print its id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				task, err := rt.engine.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("step") {
					step = task.CurrentStepIndex
					if branch != "" {
						step = -1
					}
				}
				if branch == "" && (step < 0 || step >= len(task.Pipeline)) {
					return fmt.Errorf("%w: %s step %d", scheduler.ErrInvalidStepIndex, task.ID, step)
				}

				a, err := rt.store.RegisterArtifact(cmd.Context(), persistence.Artifact{
					TaskID:      task.ID,
					StepOrder:   step,
					BranchLabel: branch,
					Kind:        kind,
					Path:        args[1],
				})
				if err != nil {
					return err
				}
				return ctx.emit(cmd, a, func() string { return a.ID + "\n" })
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Artifact kind (e.g. markdown, image)")
	cmd.Flags().IntVar(&step, "step", 0, "Step order (defaults to the current step)")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch label for branch outputs")
	return cmd
}

func newArtifactListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id>",
		Short: "List artifacts registered for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withEngine(cmd, func(rt *runtime) error {
				artifacts, err := rt.store.ListArtifacts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.emit(cmd, artifacts, func() string {
					if len(artifacts) == 0 {
						return "No artifacts\n"
					}
					rows := make([][]string, 0, len(artifacts))
					for _, a := range artifacts {
						rows = append(rows, []string{a.ID, fmt.Sprint(a.StepOrder), a.BranchLabel, a.Kind, a.Path})
					}
					return renderTable([]string{"ID", "Step", "Branch", "Kind", "Path"}, rows, []columnAlignment{alignLeft, alignRight})
				})
			})
		},
	}
}
