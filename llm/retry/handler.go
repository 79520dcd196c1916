package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Events are optional lifecycle hooks. All fields are nil-safe to call.
type Events struct {
	OnRetry   func(attempt int, delay time.Duration, err error)
	OnSuccess func(attempt int)
	OnFailure func(err error, attempts int)
}

// Policy configures a retry run. MaxRetries of 0 means a single attempt
// (no retries).
type Policy struct {
	MaxRetries int
	Backoff    *BackoffStrategy
	Events     Events
	Logger     *zap.Logger
}

// DefaultPolicy mirrors the spec's defaults: 3 retries, 1s/30s backoff.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries: 3,
		Backoff:    DefaultBackoffStrategy(),
	}
}

func (p *Policy) normalized() *Policy {
	c := *p
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoffStrategy()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &c
}

// FailedError is returned once retries are exhausted or a non-retryable
// error terminates the run. It wraps the last error and carries every
// attempt's error for diagnostics.
type FailedError struct {
	Attempts     int
	ErrorHistory []error
	Cause        error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s after %d attempts", e.Cause.Error(), e.Attempts)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// CancelledError is returned when ctx is cancelled, either before an
// attempt starts or while sleeping between attempts. It does not count
// toward attempts.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string { return fmt.Sprintf("retry cancelled: %v", e.Cause) }
func (e *CancelledError) Unwrap() error { return e.Cause }

// ExecuteWithRetry runs fn, retrying on classified-retryable errors per
// policy. attempt is 0-indexed; MaxRetries: 0 means exactly one invocation.
func ExecuteWithRetry[T any](ctx context.Context, policy *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p := policy.normalized()

	var history []error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return zero, &CancelledError{Cause: ctx.Err()}
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if p.Events.OnSuccess != nil {
				p.Events.OnSuccess(attempt)
			}
			return result, nil
		}

		history = append(history, err)
		cls := Classify(err)
		isLastAttempt := attempt >= p.MaxRetries

		if !cls.Retryable || isLastAttempt {
			wrapped := &FailedError{Attempts: attempt + 1, ErrorHistory: history, Cause: err}
			p.Logger.Warn("retry exhausted",
				zap.Int("attempts", wrapped.Attempts),
				zap.Bool("retryable", cls.Retryable),
				zap.Error(err),
			)
			if p.Events.OnFailure != nil {
				p.Events.OnFailure(wrapped, wrapped.Attempts)
			}
			return zero, wrapped
		}

		retryAfterSec, hasRetryAfter := RetryAfterSeconds(err)
		delay := p.Backoff.Delay(attempt, retryAfterSec, hasRetryAfter)

		if p.Events.OnRetry != nil {
			p.Events.OnRetry(attempt, delay, err)
		}
		p.Logger.Debug("retrying after delay",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &CancelledError{Cause: ctx.Err()}
		case <-timer.C:
		}
	}
}
