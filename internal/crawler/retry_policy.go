package crawler

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ExponentialRetryPolicy retries transient failures with doubling backoff.
type ExponentialRetryPolicy struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleep          SleepFunc
}

// RetryOption customizes an ExponentialRetryPolicy.
type RetryOption func(*ExponentialRetryPolicy)

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(fn SleepFunc) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithMaxBackoff caps a single backoff interval.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// NewExponentialRetryPolicy builds a policy. maxRetries counts retries after the
// first attempt, so a call runs at most maxRetries+1 times.
func NewExponentialRetryPolicy(maxRetries int, initialBackoff time.Duration, opts ...RetryOption) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	p := &ExponentialRetryPolicy{
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		maxBackoff:     defaultMaxBackoff,
		sleep:          SleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRetries returns the configured retry budget.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry decides whether the error is retryable after attempt (0-based).
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxRetries {
		return false
	}
	return IsTransient(err)
}

// Backoff returns initialBackoff * 2^attempt, capped at the max backoff.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.initialBackoff
	for range attempt {
		delay *= 2
		if delay >= p.maxBackoff {
			return p.maxBackoff
		}
	}
	return delay
}

type stopKey struct{}

// WithStop attaches a run's stop signal to a task context. Calls made under ctx
// keep running after stop ends, but Retry abandons its backoff sleep.
func WithStop(ctx, stop context.Context) context.Context {
	return context.WithValue(ctx, stopKey{}, stop)
}

// sleepContext ends when ctx ends or when the stop signal attached to ctx does.
func sleepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	stop, ok := ctx.Value(stopKey{}).(context.Context)
	if !ok || stop == nil {
		return ctx, func() {}
	}
	merged, cancel := context.WithCancelCause(ctx)
	release := context.AfterFunc(stop, func() { cancel(context.Cause(stop)) })
	return merged, func() {
		release()
		cancel(nil)
	}
}

// Retry runs fn under policy p. A cancellation of ctx or of its stop signal
// observed while sleeping aborts the loop immediately and returns the cause.
func Retry[T any](ctx context.Context, p *ExponentialRetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	sleepCtx, cancel := sleepContext(ctx)
	defer cancel()
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry aborted: %w", ctx.Err())
		}
		if p == nil || !p.ShouldRetry(err, attempt) {
			if attempt > 0 {
				return zero, fmt.Errorf("after %d attempts: %w", attempt+1, err)
			}
			return zero, err
		}
		if sleepErr := p.sleep(sleepCtx, p.Backoff(attempt)); sleepErr != nil {
			if cause := context.Cause(sleepCtx); cause != nil {
				sleepErr = cause
			}
			return zero, fmt.Errorf("retry aborted: %w", sleepErr)
		}
	}
}

// SleepContext waits for d unless ctx finishes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
