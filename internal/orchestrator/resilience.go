package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/contentflow/internal/backend"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/logging"
)

// RetryConfig configures exponential backoff retry behavior around dispatch
// calls.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// RetryConfigFrom overlays the configured values on DefaultRetryConfig.
func RetryConfigFrom(cfg config.RetryConfig) (RetryConfig, error) {
	rc := DefaultRetryConfig()
	var err error
	if rc.InitialInterval, err = config.Duration(cfg.InitialInterval, rc.InitialInterval); err != nil {
		return RetryConfig{}, err
	}
	if rc.MaxInterval, err = config.Duration(cfg.MaxInterval, rc.MaxInterval); err != nil {
		return RetryConfig{}, err
	}
	if rc.MaxElapsedTime, err = config.Duration(cfg.MaxElapsedTime, rc.MaxElapsedTime); err != nil {
		return RetryConfig{}, err
	}
	if cfg.Multiplier > 0 {
		rc.Multiplier = cfg.Multiplier
	}
	return rc, nil
}

// CircuitBreakerRegistry manages one circuit breaker per dispatch target.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(logger *slog.Logger) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logging.OrNop(logger),
	}
}

// Get returns the circuit breaker for the given target, creating it on
// first use.
func (r *CircuitBreakerRegistry) Get(target string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[target]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed",
				slog.String("target", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation and rejected requests say nothing about
			// the target's health.
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return !isPermanent(err)
		},
	})

	r.breakers[target] = cb
	return cb
}

// isPermanent reports whether a dispatch error cannot be fixed by retrying.
func isPermanent(err error) bool {
	var status *backend.StatusError
	return errors.As(err, &status) && !status.Temporary()
}

// ResilientRunner wraps a Runner with retries and per-target circuit
// breakers. Steps are keyed by agent, branch groups by model hint.
type ResilientRunner struct {
	next     backend.Runner
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
	logger   *slog.Logger
}

// NewResilientRunner wraps next. A nil registry gets a private one.
func NewResilientRunner(next backend.Runner, breakers *CircuitBreakerRegistry, retry RetryConfig, logger *slog.Logger) *ResilientRunner {
	logger = logging.NewComponentLogger(logger, "dispatch")
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(logger)
	}
	return &ResilientRunner{next: next, breakers: breakers, retry: retry, logger: logger}
}

// Dispatch implements backend.Runner.
func (r *ResilientRunner) Dispatch(ctx context.Context, req backend.Request) error {
	return r.call(ctx, "agent:"+req.Agent, func() error {
		return r.next.Dispatch(ctx, req)
	})
}

// DispatchBranchGroup implements backend.Runner.
func (r *ResilientRunner) DispatchBranchGroup(ctx context.Context, req backend.GroupRequest) error {
	return r.call(ctx, "model:"+req.ModelHint, func() error {
		return r.next.DispatchBranchGroup(ctx, req)
	})
}

// call runs fn with exponential backoff retry and circuit breaker
// protection.
func (r *ResilientRunner) call(ctx context.Context, target string, fn func() error) error {
	cb := r.breakers.Get(target)
	attempt := 0

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil || isPermanent(err) {
			return backoff.Permanent(err)
		}

		r.logger.Debug("dispatch attempt failed",
			slog.String("target", target),
			slog.Int("attempt", attempt),
			logging.Error(err))
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retry.InitialInterval
	policy.MaxInterval = r.retry.MaxInterval
	policy.MaxElapsedTime = r.retry.MaxElapsedTime
	policy.Multiplier = r.retry.Multiplier
	policy.RandomizationFactor = r.retry.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

var _ backend.Runner = (*ResilientRunner)(nil)
