// Package dispatcher owns a sized worker pool and drives batches through it with
// a completion barrier.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/queue/memory"
	"github.com/JakeFAU/catalog-harvester/internal/worker"
)

// Dispatcher fans out queue work to a fixed pool of workers. One Dispatcher
// lives for exactly one job run.
type Dispatcher struct {
	queue   *memory.Queue
	workers []*worker.Worker
	wg      sync.WaitGroup
	logger  *zap.Logger

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a Dispatcher with size workers. size below one is treated as one.
func New(size int, cfg worker.Config, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := memory.NewQueue(size)
	workers := make([]*worker.Worker, 0, size)
	for i := range size {
		workers = append(workers, worker.New(queue, cfg, logger.With(zap.Int("worker", i))))
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Start launches the workers. Tasks execute under ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for _, w := range d.workers {
			d.wg.Add(1)
			go func(wk *worker.Worker) {
				defer d.wg.Done()
				wk.Run(ctx)
			}(w)
		}
	})
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// RunBatch submits every task and blocks until all of them have produced a
// result. Results are returned in submission order.
func (d *Dispatcher) RunBatch(tasks []crawler.QueueItem) []crawler.Result {
	results := make([]crawler.Result, len(tasks))
	var pending sync.WaitGroup
	for i, task := range tasks {
		pending.Add(1)
		item := crawler.QueueItem{
			Key: task.Key,
			Run: task.Run,
			Done: func(r crawler.Result) {
				results[i] = r
				pending.Done()
			},
		}
		if err := d.Enqueue(context.Background(), item); err != nil {
			results[i] = crawler.Result{Key: task.Key, Status: crawler.ResultAbandoned, Err: err}
			pending.Done()
		}
	}
	pending.Wait()
	return results
}

// Close stops accepting work and waits for workers to drain.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.queue.Close()
		d.wg.Wait()
		d.logger.Debug("worker pool shut down", zap.Int("workers", len(d.workers)))
	})
}
