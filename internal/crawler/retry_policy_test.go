package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	rec := &recordedSleeps{}
	policy := NewExponentialRetryPolicy(3, 10*time.Millisecond, WithSleep(rec.sleep))

	attempts := 0
	got, err := Retry(context.Background(), policy, func(context.Context) (string, error) {
		attempts++
		if attempts <= 2 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 3, attempts)
	require.Len(t, rec.delays, 2)
	require.GreaterOrEqual(t, rec.delays[1], rec.delays[0])
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.delays)
}

func TestRetryExhaustedReturnsLastError(t *testing.T) {
	t.Parallel()

	rec := &recordedSleeps{}
	policy := NewExponentialRetryPolicy(3, time.Millisecond, WithSleep(rec.sleep))
	lastErr := errors.New("timeout 4")

	attempts := 0
	_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
		attempts++
		if attempts == 4 {
			return 0, lastErr
		}
		return 0, errors.New("timeout")
	})

	require.ErrorIs(t, err, lastErr)
	require.Equal(t, 4, attempts)
	require.Len(t, rec.delays, 3)
}

func TestRetrySkipsTerminalErrors(t *testing.T) {
	t.Parallel()

	rec := &recordedSleeps{}
	policy := NewExponentialRetryPolicy(3, time.Millisecond, WithSleep(rec.sleep))

	cases := map[string]error{
		"marked terminal": Terminal(errors.New("malformed payload")),
		"client status":   &StatusError{Code: http.StatusNotFound, URL: "https://example.com/x"},
		"no item":         ErrNoItem,
	}
	for name, failure := range cases {
		attempts := 0
		_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
			attempts++
			return 0, failure
		})
		require.Error(t, err, name)
		require.Equal(t, 1, attempts, name)
	}
	require.Empty(t, rec.delays)
}

func TestRetryRetriesServerAndRateLimitStatus(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(1, time.Millisecond, WithSleep((&recordedSleeps{}).sleep))
	for _, code := range []int{http.StatusTooManyRequests, http.StatusBadGateway} {
		attempts := 0
		_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
			attempts++
			return 0, &StatusError{Code: code, Body: "busy"}
		})
		require.Error(t, err)
		require.Equal(t, 2, attempts)
	}
}

func TestRetryCancellationDuringSleepAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := NewExponentialRetryPolicy(5, time.Hour)

	attempts := 0
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, policy, func(context.Context) (int, error) {
			attempts++
			return 0, errors.New("server busy")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, attempts)
	case <-time.After(time.Second):
		t.Fatal("retry loop did not abort on cancellation")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(10, 100*time.Millisecond, WithMaxBackoff(time.Second))
	require.Equal(t, 100*time.Millisecond, policy.Backoff(0))
	require.Equal(t, 200*time.Millisecond, policy.Backoff(1))
	require.Equal(t, 800*time.Millisecond, policy.Backoff(3))
	require.Equal(t, time.Second, policy.Backoff(4))
	require.Equal(t, time.Second, policy.Backoff(9))
}

func TestRetryStopSignalAbortsBackoff(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(3, time.Hour, WithSleep(SleepContext))
	stop, cancelStop := context.WithCancel(context.Background())
	ctx := WithStop(context.Background(), stop)

	attempts := 0
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, policy, func(callCtx context.Context) (int, error) {
			attempts++
			if callCtx.Err() != nil {
				t.Errorf("call context canceled: %v", callCtx.Err())
			}
			return 0, &StatusError{Code: http.StatusServiceUnavailable}
		})
		done <- err
	}()

	cancelStop()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorContains(t, err, "retry aborted")
		require.Equal(t, 1, attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff sleep was not interrupted by the stop signal")
	}
	// The task context itself is untouched.
	require.NoError(t, ctx.Err())
}
