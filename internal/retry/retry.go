package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/memefolio/internal/logging"
)

// BackoffFunc returns the delay to wait after the given failed attempt (1-based)
type BackoffFunc func(attempt int) time.Duration

// Fixed waits the same delay after every failed attempt
func Fixed(delay time.Duration) BackoffFunc {
	return func(int) time.Duration { return delay }
}

// Exponential waits initial * multiplier^(attempt-1), capped at max
func Exponential(initial, max time.Duration, multiplier float64) BackoffFunc {
	return func(attempt int) time.Duration {
		delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
		if delay > float64(max) {
			delay = float64(max)
		}
		return time.Duration(delay)
	}
}

// Policy is an explicit retry policy: at most MaxAttempts calls, Backoff between them.
// A nil Retryable retries on every error.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	Retryable   func(err error) bool
	// AttemptTimeout bounds each call; zero means only the parent context applies.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the exponential pattern 1s, 2s, 4s, 8s, max 60s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Backoff:     Exponential(time.Second, 60*time.Second, 2.0),
	}
}

// Result contains information about the retry operation
type Result struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// Err returns nil on success, otherwise the last error annotated with the attempt count
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("operation failed after %d attempts: %w", r.Attempts, r.LastError)
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// Do runs fn under the policy. Context cancellation stops retrying immediately.
func (p Policy) Do(ctx context.Context, fn RetryFunc) *Result {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &Result{}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		err := p.call(ctx, attempt, fn)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration,
				}).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if attempt >= maxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts": attempt,
				"error":    err.Error(),
			}).Warn("Operation failed after max retry attempts")
			break
		}

		if p.Retryable != nil && !p.Retryable(err) {
			logger.WithError(err).Debug("Error is not retryable")
			break
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}

		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"delay":       delay,
			"error":       err.Error(),
		}).Warn("Operation failed, retrying")

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				result.LastError = ctx.Err()
				result.TotalDuration = time.Since(startTime)
				return result
			}
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

func (p Policy) call(ctx context.Context, attempt int, fn RetryFunc) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}

// WithRetry runs fn under DefaultPolicy
func WithRetry(ctx context.Context, fn RetryFunc) error {
	return DefaultPolicy().Do(ctx, fn).Err()
}
