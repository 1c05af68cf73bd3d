package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/contentflow/internal/logging"
)

// DispatcherConfig configures the dispatch loop.
type DispatcherConfig struct {
	PollInterval     time.Duration // default 5s
	ConcurrencyLimit int           // max concurrent dispatches per poll (default 4)
	BatchSize        int           // ready tasks fetched per poll (default 32)
	Logger           *slog.Logger
}

// Dispatcher polls for ready tasks and hands their current step to the
// runner. It picks up work that was never dispatched: steps held while a
// campaign was paused, steps whose worker died, and steps left over after a
// restart.
type Dispatcher struct {
	engine *Engine
	config DispatcherConfig
	logger *slog.Logger
}

// NewDispatcher creates a dispatch loop over engine.
func NewDispatcher(engine *Engine, cfg DispatcherConfig) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &Dispatcher{
		engine: engine,
		config: cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "dispatcher"),
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("dispatch poll failed", logging.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll dispatches one batch of ready tasks with bounded concurrency and
// returns how many steps were handed out.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	ready, err := d.engine.ListReadyTasks(ctx, ReadyFilter{Limit: d.config.BatchSize})
	if err != nil {
		return 0, err
	}
	if len(ready) == 0 {
		return 0, nil
	}

	results := make([]bool, len(ready))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.ConcurrencyLimit)

	for i, task := range ready {
		g.Go(func() error {
			ok, err := d.engine.DispatchReady(gctx, task.ID)
			if err != nil {
				// Failures block the task; the loop carries on.
				d.logger.Warn("dispatch failed", logging.Task(task.ID), logging.Error(err))
				return nil
			}
			results[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	count := 0
	for _, ok := range results {
		if ok {
			count++
		}
	}
	if count > 0 {
		d.logger.Debug("dispatched ready tasks", slog.Int("count", count))
	}
	return count, nil
}
