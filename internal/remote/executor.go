// Copyright (c) 2025 HDOps, Inc. All rights reserved.

// Package remote wraps every external call with the rate limiter, a
// per-call deadline, transient/permanent classification and bounded
// exponential-backoff retry. Above this package, transient failures are
// invisible unless the attempt budget is exhausted.
package remote

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"github.com/hdops/ticket-migration-tool/internal/ratelimit"
)

// Executor drives calls against one external system. Each system gets
// its own Executor so the budgets stay independent.
type Executor struct {
	System      string
	Limiter     *ratelimit.Limiter
	Clock       clock.Clock
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// NewExecutor builds an executor with sane fallbacks for zero values.
func NewExecutor(system string, lim *ratelimit.Limiter, clk clock.Clock, maxRetries int,
	baseDelay, maxDelay, callTimeout time.Duration, logger *zap.Logger) *Executor {
	if clk == nil {
		clk = clock.WallClock
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Executor{
		System:      system,
		Limiter:     lim,
		Clock:       clk,
		MaxRetries:  maxRetries,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		CallTimeout: callTimeout,
		Logger:      logger,
	}
}

// Do runs one external call to completion or permanent failure. Each
// attempt acquires a rate token, runs under its own deadline, and is
// classified on failure; 429 responses additionally shrink the limiter's
// effective rate for a cooldown window. Backoff between attempts is
// base*2^n with jitter, capped at MaxDelay.
func (e *Executor) Do(ctx context.Context, op string, call func(context.Context) error) error {
	args := retry.CallArgs{
		Clock:       e.Clock,
		Attempts:    e.MaxRetries + 1,
		Delay:       e.BaseDelay,
		MaxDelay:    e.MaxDelay,
		BackoffFunc: retry.ExpBackoff(e.BaseDelay, e.MaxDelay, 2.0, true),
		Stop:        ctx.Done(),
		IsFatalError: func(err error) bool {
			return !IsTransient(err)
		},
		Func: func() error {
			if e.Limiter != nil {
				if err := e.Limiter.Wait(ctx); err != nil {
					return err
				}
			}
			callCtx, cancel := context.WithTimeout(ctx, e.CallTimeout)
			defer cancel()
			err := call(callCtx)
			if IsRateLimited(err) && e.Limiter != nil {
				e.Limiter.Throttle(RetryAfterOf(err))
			}
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			if e.Logger != nil {
				e.Logger.Warn("Transient failure, will retry",
					zap.String("system", e.System),
					zap.String("op", op),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
		},
	}

	err := retry.Call(args)
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
		return &PermanentError{Op: op, Attempts: e.MaxRetries + 1, Err: retry.LastError(err)}
	}
	if retry.IsRetryStopped(err) {
		// Run-level cancellation, not a call failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.LastError(err)
	}
	return err
}
