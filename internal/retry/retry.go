// Package retry runs fallible operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	iaperrors "github.com/rcourtman/pulse-iap/internal/errors"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// DefaultConfig is 3 retries, 1s initial delay, x2 backoff, 32s cap.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          32 * time.Second,
	}
}

// Delay returns the wait before the given attempt. Attempt 0 runs immediately;
// attempt k waits min(InitialDelay * BackoffMultiplier^(k-1), MaxDelay).
func (cfg Config) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := float64(cfg.InitialDelay)
	if base < 0 {
		base = 0
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Result reports the outcome of a retried operation.
type Result[T any] struct {
	Success bool
	Data    T
	Err     error
	// Attempts is the number of calls made, 1-indexed.
	Attempts int
	// LastDelay is the wait that preceded the final attempt, 0 if none.
	LastDelay time.Duration
}

// Outcome is the envelope returned by Result-shaped operations.
type Outcome[T any] struct {
	Success bool
	Data    T
	Err     *iaperrors.PurchaseError
}

// OutcomeOf wraps a value/error pair, normalizing the error.
func OutcomeOf[T any](data T, err error) Outcome[T] {
	if err != nil {
		return Outcome[T]{Err: iaperrors.Normalize(err, "")}
	}
	return Outcome[T]{Success: true, Data: data}
}

var sleepFn = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute calls op until it succeeds, isRetryable reports false, or MaxRetries
// retries have been spent. A nil isRetryable uses errors.IsRetryable.
//
// The backoff wait honours ctx; cancellation during a wait ends the run with
// the context error.
func Execute[T any](ctx context.Context, op func(context.Context) (T, error), isRetryable func(error) bool, cfg Config) Result[T] {
	if isRetryable == nil {
		isRetryable = iaperrors.IsRetryable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var result Result[T]
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt)
			if err := sleepFn(ctx, delay); err != nil {
				result.Err = err
				return result
			}
			result.LastDelay = delay
		}

		result.Attempts = attempt + 1
		data, err := op(ctx)
		if err == nil {
			result.Success = true
			result.Data = data
			result.Err = nil
			return result
		}

		result.Err = err
		if !isRetryable(err) {
			return result
		}
	}
	return result
}

// ExecuteResult is Execute for operations that report failure through an
// Outcome envelope. The envelope's error decides retryability.
func ExecuteResult[T any](ctx context.Context, op func(context.Context) Outcome[T], cfg Config) Result[T] {
	return Execute(ctx, func(ctx context.Context) (T, error) {
		out := op(ctx)
		if out.Success {
			return out.Data, nil
		}
		if out.Err == nil {
			var zero T
			return zero, iaperrors.NewPurchaseError(iaperrors.CodeUnknown, "", "operation failed without an error", nil)
		}
		return out.Data, out.Err
	}, func(err error) bool {
		return iaperrors.IsRetryable(err)
	}, cfg)
}
