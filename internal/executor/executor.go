// Package executor drives units of work through the worker pool in bounded
// batches. A batch is complete only when every task in it has produced a result
// and the resulting checkpoint and failure records are written; cancellation is
// observed between batches.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/dedup"
	"github.com/JakeFAU/catalog-harvester/internal/dispatcher"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

const (
	defaultBatchSize = 10
	recordTimeout    = 10 * time.Second
)

// Deps are the collaborators shared by every run.
type Deps struct {
	Ledger      crawler.FailureLedger
	Checkpoints crawler.CheckpointStore
	Emitter     progress.Emitter
	Clock       crawler.Clock
	Retry       *crawler.ExponentialRetryPolicy
	Logger      *zap.Logger
}

// UnitFunc processes one key. Returning crawler.ErrNoItem marks the unit empty.
type UnitFunc func(ctx context.Context, key string) error

// Executor runs the batches of one job run. It is not safe for concurrent use;
// the pool it submits to provides the parallelism.
type Executor struct {
	jobType string
	runID   [16]byte
	pool    *dispatcher.Dispatcher
	deps    Deps
	logger  *zap.Logger

	batch   int
	summary crawler.RunSummary
}

// New builds an Executor for one run.
func New(jobType string, runID [16]byte, pool *dispatcher.Dispatcher, deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard{}
	}
	return &Executor{
		jobType: jobType,
		runID:   runID,
		pool:    pool,
		deps:    deps,
		logger:  logger.With(zap.String("job_type", jobType)),
	}
}

// Summary returns the totals accumulated so far.
func (e *Executor) Summary() crawler.RunSummary {
	return e.summary
}

// RunRange processes the inclusive numeric range [start, end] in batches of
// batchSize. It stops early when a whole batch finds nothing at the source.
func (e *Executor) RunRange(ctx context.Context, start, end int64, batchSize int, idx *dedup.Index, fn UnitFunc) error {
	if start < 0 || end < start {
		return fmt.Errorf("invalid range %d..%d", start, end)
	}
	size := int64(batchSizeOr(batchSize))
	for lo := start; lo <= end; lo += size {
		if e.stopped(ctx) {
			return nil
		}
		hi := min(lo+size-1, end)
		keys := make([]string, 0, hi-lo+1)
		for id := lo; id <= hi; id++ {
			keys = append(keys, strconv.FormatInt(id, 10))
		}
		summary := e.runUnits(ctx, keys, idx, fn)
		if summary.AllEmpty() {
			e.logger.Info("batch found no items, ending range",
				zap.Int64("from", lo),
				zap.Int64("to", hi),
			)
			return nil
		}
	}
	return nil
}

// RunKeys processes an explicit list of keys in batches of batchSize.
func (e *Executor) RunKeys(ctx context.Context, keys []string, batchSize int, idx *dedup.Index, fn UnitFunc) error {
	size := batchSizeOr(batchSize)
	for lo := 0; lo < len(keys); lo += size {
		if e.stopped(ctx) {
			return nil
		}
		e.runUnits(ctx, keys[lo:min(lo+size, len(keys))], idx, fn)
	}
	return nil
}

func (e *Executor) runUnits(ctx context.Context, keys []string, idx *dedup.Index, fn UnitFunc) crawler.BatchSummary {
	start := e.now()
	summary := crawler.BatchSummary{Index: e.batch, Submitted: len(keys)}
	tasks := make([]crawler.QueueItem, 0, len(keys))
	for _, key := range keys {
		if idx != nil && idx.Contains(key) {
			summary.Add(crawler.Result{Key: key, Status: crawler.ResultSkipped})
			continue
		}
		tasks = append(tasks, crawler.QueueItem{Key: key, Run: e.unitTask(ctx, key, idx, fn)})
	}
	for _, r := range e.pool.RunBatch(tasks) {
		summary.Add(r)
		e.record(ctx, r)
	}
	summary.Duration = e.now().Sub(start)
	e.finishBatch(summary)
	return summary
}

// unitTask builds the task for key. Stopping runCtx lets an in-flight call
// finish but ends a pending retry backoff; such a unit is abandoned.
func (e *Executor) unitTask(runCtx context.Context, key string, idx *dedup.Index, fn UnitFunc) crawler.TaskFunc {
	return func(ctx context.Context) crawler.Result {
		ctx = crawler.WithStop(ctx, runCtx)
		claimed, err := withClaim(idx, key, func() error {
			_, err := crawler.Retry(ctx, e.deps.Retry, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, fn(ctx, key)
			})
			return err
		})
		switch {
		case !claimed:
			return crawler.Result{Key: key, Status: crawler.ResultSkipped}
		case err == nil:
			return crawler.Result{Key: key, Status: crawler.ResultSucceeded, Items: 1}
		case errors.Is(err, crawler.ErrNoItem):
			return crawler.Result{Key: key, Status: crawler.ResultEmpty}
		case stoppedDuring(runCtx, err):
			return crawler.Result{Key: key, Status: crawler.ResultAbandoned, Err: err}
		default:
			return crawler.Result{Key: key, Status: crawler.ResultFailed, Err: err}
		}
	}
}

// stoppedDuring reports whether err comes from the run being stopped.
func stoppedDuring(runCtx context.Context, err error) bool {
	return runCtx.Err() != nil && errors.Is(err, context.Canceled)
}

// withClaim runs fn while holding a claim on key. The key is committed to the
// index only when fn succeeds; a nil index or empty key runs fn unguarded.
func withClaim(idx *dedup.Index, key string, fn func() error) (claimed bool, err error) {
	if idx == nil || key == "" {
		return true, fn()
	}
	if !idx.Claim(key) {
		return false, nil
	}
	committed := false
	defer func() {
		idx.Release(key, committed)
	}()
	err = fn()
	committed = err == nil
	return true, err
}

// record writes the ledger entries and item events for one result.
func (e *Executor) record(ctx context.Context, r crawler.Result) {
	switch r.Status {
	case crawler.ResultSucceeded:
		e.emit(progress.Event{Stage: progress.StageItemDone, Key: r.Key, Items: r.Items})
	case crawler.ResultFailed:
		e.fail(ctx, r.Key, r.Err)
	case crawler.ResultAbandoned:
		e.logger.Debug("task abandoned", zap.String("key", r.Key), zap.Error(r.Err))
	}
	for _, f := range r.Failures {
		e.fail(ctx, f.Key, f.Err)
	}
}

func (e *Executor) fail(ctx context.Context, key string, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	e.logger.Warn("unit failed", zap.String("key", key), zap.Error(cause))
	metrics.ObserveFailureRecorded(e.jobType)
	e.emit(progress.Event{Stage: progress.StageItemFailed, Key: key, Note: msg})
	if e.deps.Ledger == nil {
		return
	}
	writeCtx, cancel := detached(ctx)
	defer cancel()
	rec := crawler.FailureRecord{
		JobType:      e.jobType,
		Target:       key,
		ErrorMessage: msg,
		Timestamp:    e.now(),
	}
	if err := e.deps.Ledger.Append(writeCtx, rec); err != nil {
		e.logger.Error("failure ledger append failed", zap.String("key", key), zap.Error(err))
	}
}

func (e *Executor) finishBatch(summary crawler.BatchSummary) {
	e.summary.Merge(summary)
	e.emit(progress.Event{
		Stage:     progress.StageBatchDone,
		Batch:     summary.Index,
		Items:     summary.Items,
		Succeeded: summary.Succeeded,
		Skipped:   summary.Skipped + summary.ItemsSkipped,
		Failed:    summary.Failed + summary.ItemsFailed,
		Dur:       summary.Duration,
	})
	e.logger.Info("batch done",
		zap.Int("batch", summary.Index),
		zap.Int("units", summary.Submitted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("empty", summary.Empty),
		zap.Int("items", summary.Items),
		zap.Duration("duration", summary.Duration),
	)
	e.batch++
}

func (e *Executor) stopped(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	e.summary.Stopped = true
	e.logger.Info("run stopped before next batch", zap.Int("batches", e.summary.Batches))
	return true
}

func (e *Executor) emit(evt progress.Event) {
	evt.RunID = e.runID
	evt.JobType = e.jobType
	evt.TS = e.now()
	e.deps.Emitter.Emit(evt)
}

func (e *Executor) now() time.Time {
	if e.deps.Clock == nil {
		return time.Now().UTC()
	}
	return e.deps.Clock.Now()
}

// detached keeps bookkeeping writes alive after a stop request.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

func batchSizeOr(n int) int {
	if n < 1 {
		return defaultBatchSize
	}
	return n
}
