package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/queue/memory"
)

func TestWorker_RunsTasksUntilQueueClosed(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(4)
	collector := newResultCollector()
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, queue.Enqueue(context.Background(), crawler.QueueItem{
			Key: key,
			Run: func(context.Context) crawler.Result {
				return crawler.Result{Status: crawler.ResultSucceeded, Items: 1}
			},
			Done: collector.add,
		}))
	}
	queue.Close()

	New(queue, Config{}, zap.NewNop()).Run(context.Background())

	results := collector.snapshot()
	require.Len(t, results, 3)
	for _, key := range []string{"a", "b", "c"} {
		require.Equal(t, crawler.ResultSucceeded, results[key].Status)
		require.Equal(t, key, results[key].Key)
	}
}

func TestWorker_PanicBecomesFailure(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	collector := newResultCollector()
	require.NoError(t, queue.Enqueue(context.Background(), crawler.QueueItem{
		Key: "boom",
		Run: func(context.Context) crawler.Result {
			panic("parser exploded")
		},
		Done: collector.add,
	}))
	queue.Close()

	New(queue, Config{}, nil).Run(context.Background())

	result := collector.snapshot()["boom"]
	require.Equal(t, crawler.ResultFailed, result.Status)
	require.ErrorContains(t, result.Err, "parser exploded")
}

func TestWorker_NilTaskFails(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	collector := newResultCollector()
	require.NoError(t, queue.Enqueue(context.Background(), crawler.QueueItem{Key: "empty", Done: collector.add}))
	queue.Close()

	New(queue, Config{}, nil).Run(context.Background())

	require.Equal(t, crawler.ResultFailed, collector.snapshot()["empty"].Status)
}

func TestWorker_CanceledContextAbandonsWithoutRunning(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	queue := memory.NewQueue(2)
	collector := newResultCollector()
	ran := false
	require.NoError(t, queue.Enqueue(context.Background(), crawler.QueueItem{
		Key: "late",
		Run: func(context.Context) crawler.Result {
			ran = true
			return crawler.Result{Status: crawler.ResultSucceeded}
		},
		Done: collector.add,
	}))
	queue.Close()

	New(queue, Config{}, nil).Run(ctx)

	require.False(t, ran)
	require.Equal(t, crawler.ResultAbandoned, collector.snapshot()["late"].Status)
}

func TestWorker_TaskTimeoutBoundsTask(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	collector := newResultCollector()
	require.NoError(t, queue.Enqueue(context.Background(), crawler.QueueItem{
		Key: "slow",
		Run: func(ctx context.Context) crawler.Result {
			<-ctx.Done()
			return crawler.Result{Status: crawler.ResultFailed, Err: ctx.Err()}
		},
		Done: collector.add,
	}))
	queue.Close()

	New(queue, Config{TaskTimeout: 20 * time.Millisecond}, nil).Run(context.Background())

	result := collector.snapshot()["slow"]
	require.Equal(t, crawler.ResultFailed, result.Status)
	require.True(t, errors.Is(result.Err, context.DeadlineExceeded))
}

func TestWorker_FailureAfterStopIsAbandoned(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	queue := memory.NewQueue(1)
	collector := newResultCollector()
	require.NoError(t, queue.Enqueue(context.Background(), crawler.QueueItem{
		Key: "inflight",
		Run: func(taskCtx context.Context) crawler.Result {
			cancel()
			<-taskCtx.Done()
			return crawler.Result{Status: crawler.ResultFailed, Err: taskCtx.Err()}
		},
		Done: collector.add,
	}))
	queue.Close()

	New(queue, Config{}, nil).Run(ctx)

	require.Equal(t, crawler.ResultAbandoned, collector.snapshot()["inflight"].Status)
}

type resultCollector struct {
	mu      sync.Mutex
	results map[string]crawler.Result
}

func newResultCollector() *resultCollector {
	return &resultCollector{results: make(map[string]crawler.Result)}
}

func (c *resultCollector) add(r crawler.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[r.Key] = r
}

func (c *resultCollector) snapshot() map[string]crawler.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]crawler.Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}
