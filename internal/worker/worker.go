// Package worker implements the goroutine that executes queued tasks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/queue/memory"
)

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds a single task. Zero disables the bound.
	TaskTimeout time.Duration
}

// Worker consumes queue items and executes them one at a time.
type Worker struct {
	queue  crawler.Queue
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue crawler.Queue, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  queue,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes tasks until the queue is closed and drained. Tasks run under ctx;
// once ctx is done remaining tasks are reported abandoned without running, so
// every dequeued item always receives a result.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(context.Background())
		if err != nil {
			if errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			return
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	result := w.execute(ctx, item)
	if result.Key == "" {
		result.Key = item.Key
	}
	if item.Done != nil {
		item.Done(result)
	}
}

func (w *Worker) execute(ctx context.Context, item crawler.QueueItem) (result crawler.Result) {
	if ctx.Err() != nil {
		return crawler.Result{Key: item.Key, Status: crawler.ResultAbandoned, Err: ctx.Err()}
	}
	if item.Run == nil {
		return crawler.Result{Key: item.Key, Status: crawler.ResultFailed, Err: errors.New("task has no function")}
	}

	taskCtx := ctx
	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("task panicked",
				zap.String("key", item.Key),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			result = crawler.Result{
				Key:    item.Key,
				Status: crawler.ResultFailed,
				Err:    fmt.Errorf("task panicked: %v", rec),
			}
		}
	}()

	result = item.Run(taskCtx)
	if result.Status == crawler.ResultFailed && ctx.Err() != nil {
		// The run was stopped underneath the task; that is not an item failure.
		result.Status = crawler.ResultAbandoned
	}
	return result
}
