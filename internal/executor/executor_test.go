package executor

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/dedup"
	"github.com/JakeFAU/catalog-harvester/internal/dispatcher"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/storage/memory"
	"github.com/JakeFAU/catalog-harvester/internal/worker"
)

var testRunID = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

type harness struct {
	exec        *Executor
	ledger      *memory.FailureLedger
	checkpoints *memory.CheckpointStore
	events      *recordingEmitter
}

func noSleep(context.Context, time.Duration) error { return nil }

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	pool := dispatcher.New(concurrency, worker.Config{TaskTimeout: 5 * time.Second}, nil)
	pool.Start(context.Background())
	t.Cleanup(pool.Close)

	h := &harness{
		ledger:      memory.NewFailureLedger(),
		checkpoints: memory.NewCheckpointStore(),
		events:      &recordingEmitter{},
	}
	h.exec = New("test-job", testRunID, pool, Deps{
		Ledger:      h.ledger,
		Checkpoints: h.checkpoints,
		Emitter:     h.events,
		Retry:       crawler.NewExponentialRetryPolicy(2, time.Millisecond, crawler.WithSleep(noSleep)),
	})
	return h
}

type callLog struct {
	mu   sync.Mutex
	keys []string
}

func (c *callLog) add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
}

func (c *callLog) sorted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.keys...)
	sort.Strings(out)
	return out
}

func TestRunRangeSkipsKnownKeys(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	idx := dedup.New()
	idx.Add("101")
	idx.Add("105")
	calls := &callLog{}

	err := h.exec.RunRange(context.Background(), 100, 109, 5, idx, func(_ context.Context, key string) error {
		calls.add(key)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []string{"100", "102", "103", "104", "106", "107", "108", "109"}, calls.sorted())
	require.Equal(t, 10, idx.Len())
	for id := 100; id <= 109; id++ {
		require.True(t, idx.Contains(strconv.Itoa(id)))
	}
	require.Equal(t, crawler.RunSummary{Batches: 2, Succeeded: 8, Skipped: 2, Items: 8}, h.exec.Summary())
	require.Equal(t, 2, h.events.count(progress.StageBatchDone))
	require.Equal(t, 8, h.events.count(progress.StageItemDone))
}

func TestRunKeysIsolatesFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	idx := dedup.New()
	bad := map[string]bool{"3": true, "6": true, "9": true}
	keys := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"}

	err := h.exec.RunKeys(context.Background(), keys, 4, idx, func(_ context.Context, key string) error {
		if bad[key] {
			return crawler.Terminal(errors.New("gone"))
		}
		return nil
	})
	require.NoError(t, err)

	summary := h.exec.Summary()
	require.Equal(t, 7, summary.Succeeded)
	require.Equal(t, 3, summary.Failed)
	require.Equal(t, 3, summary.Batches)

	records, err := h.ledger.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	targets := make([]string, 0, len(records))
	for _, rec := range records {
		require.Equal(t, "test-job", rec.JobType)
		require.Contains(t, rec.ErrorMessage, "gone")
		targets = append(targets, rec.Target)
	}
	sort.Strings(targets)
	require.Equal(t, []string{"3", "6", "9"}, targets)
	require.False(t, idx.Contains("3"))
	require.True(t, idx.Contains("4"))
	require.Equal(t, 3, h.events.count(progress.StageItemFailed))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	var attempts atomic.Int32
	err := h.exec.RunKeys(context.Background(), []string{"a"}, 1, nil, func(context.Context, string) error {
		if attempts.Add(1) < 3 {
			return &crawler.StatusError{Code: 503, URL: "http://x"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, 1, h.exec.Summary().Succeeded)

	records, err := h.ledger.ListAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestRunRangeEndsOnEmptyBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	var calls atomic.Int32
	err := h.exec.RunRange(context.Background(), 1, 100, 5, nil, func(_ context.Context, key string) error {
		calls.Add(1)
		id, _ := strconv.Atoi(key)
		if id > 7 {
			return crawler.ErrNoItem
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(15), calls.Load())
	summary := h.exec.Summary()
	require.Equal(t, 3, summary.Batches)
	require.Equal(t, 7, summary.Succeeded)
	require.Zero(t, summary.Failed)
}

func TestRunRangeRejectsInvertedRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	err := h.exec.RunRange(context.Background(), 10, 5, 2, nil, func(context.Context, string) error { return nil })
	require.Error(t, err)
}

func TestBatchBarrier(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	var finished, violations atomic.Int32
	err := h.exec.RunRange(context.Background(), 0, 7, 4, nil, func(_ context.Context, key string) error {
		id, _ := strconv.Atoi(key)
		if id >= 4 && finished.Load() < 4 {
			violations.Add(1)
		}
		if id == 0 {
			time.Sleep(50 * time.Millisecond)
		}
		finished.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, violations.Load())
	require.Equal(t, int32(8), finished.Load())
}

func TestStopLetsCurrentBatchFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32

	err := h.exec.RunRange(ctx, 1, 20, 4, nil, func(context.Context, string) error {
		if calls.Add(1) == 1 {
			cancel()
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(4), calls.Load())
	summary := h.exec.Summary()
	require.True(t, summary.Stopped)
	require.Equal(t, 1, summary.Batches)
	require.Equal(t, 4, summary.Succeeded)
}

func TestCanceledBeforeStartRunsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.exec.RunKeys(ctx, []string{"a", "b"}, 1, nil, func(context.Context, string) error {
		t.Error("unit ran after cancel")
		return nil
	})
	require.NoError(t, err)
	require.True(t, h.exec.Summary().Stopped)
	require.Zero(t, h.exec.Summary().Batches)
}

func TestWithClaimReleasesOnPanic(t *testing.T) {
	t.Parallel()

	idx := dedup.New()
	require.Panics(t, func() {
		_, _ = withClaim(idx, "k", func() error { panic("boom") })
	})
	require.True(t, idx.Claim("k"))
	require.False(t, idx.Contains("k"))
}

func TestStopAbandonsUnitWaitingOnRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.exec.deps.Retry = crawler.NewExponentialRetryPolicy(3, time.Hour, crawler.WithSleep(crawler.SleepContext))
	idx := dedup.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var attempts atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- h.exec.RunKeys(ctx, []string{"a"}, 1, idx, func(context.Context, string) error {
			attempts.Add(1)
			cancel()
			return &crawler.StatusError{Code: 503, URL: "http://x"}
		})
	}()

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int32(1), attempts.Load())
	require.False(t, idx.Contains("a"))

	summary := h.exec.Summary()
	require.Zero(t, summary.Failed)
	require.Zero(t, summary.Succeeded)

	records, err := h.ledger.ListAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}
