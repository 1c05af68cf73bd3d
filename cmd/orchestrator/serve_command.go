package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/orchestrator"
	"github.com/aristath/contentflow/internal/persistence"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch loop until interrupted",
		Long: "Poll for ready tasks and dispatch their current step. Only one serve process " +
			"may run per task database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			lockPath := cfg.Store.Path + ".lock"
			lock := flock.New(lockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another serve instance is already running on %s", cfg.Store.Path)
			}
			defer lock.Unlock()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bus := events.NewEventBus()
			rt, err := ctx.open(runCtx, bus)
			if err != nil {
				bus.Close()
				return err
			}

			recorder := persistence.NewTimelineRecorder(rt.store, rt.logger)
			recorded := make(chan struct{})
			feed := bus.SubscribeAll(256)
			go func() {
				defer close(recorded)
				recorder.Consume(context.Background(), feed)
			}()

			dispatcher, err := newDispatcher(rt, cfg)
			if err != nil {
				shutdown(rt, bus, recorded)
				return err
			}

			rt.logger.Info("serving",
				slog.String("db", cfg.Store.Path),
				slog.String("lock", lockPath),
				slog.String("dispatch", cfg.Dispatch.Type))

			if once {
				n, pollErr := dispatcher.Poll(runCtx)
				shutdown(rt, bus, recorded)
				if pollErr != nil {
					return pollErr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Dispatched %d task(s)\n", n)
				return nil
			}

			err = dispatcher.Run(runCtx)
			if killErr := rt.pm.KillAll(); killErr != nil {
				rt.logger.Warn("failed to stop workers", logging.Error(killErr))
			}
			shutdown(rt, bus, recorded)
			if errors.Is(err, context.Canceled) {
				rt.logger.Info("serve stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Poll a single time and exit")
	return cmd
}

func newDispatcher(rt *runtime, cfg *config.OrchestratorConfig) (*orchestrator.Dispatcher, error) {
	interval, err := config.Duration(cfg.Engine.PollInterval, 0)
	if err != nil {
		return nil, fmt.Errorf("engine.poll_interval: %w", err)
	}
	return orchestrator.NewDispatcher(rt.engine, orchestrator.DispatcherConfig{
		PollInterval:     interval,
		ConcurrencyLimit: cfg.Engine.DispatchConcurrency,
		Logger:           rt.logger,
	}), nil
}

// shutdown closes the bus, lets the recorder drain what was already
// published, and closes the runtime.
func shutdown(rt *runtime, bus *events.EventBus, recorded <-chan struct{}) {
	bus.Close()
	<-recorded
	if err := rt.Close(); err != nil {
		rt.logger.Warn("close runtime", logging.Error(err))
	}
}
