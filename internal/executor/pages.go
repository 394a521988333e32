package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/dedup"
)

// PagedWork describes a paginated walk over one target.
type PagedWork struct {
	Target crawler.Target
	// PageStart overrides the checkpoint resume page when positive.
	PageStart int
	// PageEnd caps the walk when positive.
	PageEnd       int
	PagesPerBatch int
	// Restart ignores the stored progress and revisits finished targets.
	Restart bool
	// Index dedups items across pages and concurrent jobs. Nil disables dedup.
	Index *dedup.Index
	// Key maps an item to its dedup key. Nil uses the item code.
	Key func(crawler.ExtractedItem) string
	// Fetch loads one page; it is retried under the executor's policy.
	Fetch func(ctx context.Context, page int) (crawler.Page, error)
	// Handle persists one item from a fetched page.
	Handle func(ctx context.Context, item crawler.ExtractedItem) error
}

// RunPages walks the pages of w.Target in batches, resuming from its checkpoint.
// It returns an error when the checkpoint store cannot be read or written, or
// when a page below the stored page number fails: the checkpoint only moves
// forward, so that failure is left in the ledger and the run is aborted.
func (e *Executor) RunPages(ctx context.Context, w PagedWork) error {
	if w.Fetch == nil || w.Handle == nil {
		return errors.New("paged work needs fetch and handle functions")
	}
	logger := e.logger.With(zap.String("target", w.Target.ID), zap.String("page_type", w.Target.PageType))
	perBatch := max(w.PagesPerBatch, 1)

	cp, found, err := e.loadCheckpoint(ctx, w.Target)
	if err != nil {
		return err
	}
	if found && cp.Finished() && !w.Restart && w.PageStart <= 0 {
		logger.Info("target already complete", zap.Int("pages", cp.TotalPages))
		return nil
	}

	page := 1
	if found && !w.Restart {
		page = cp.ResumePage()
	}
	if w.PageStart > 0 {
		page = w.PageStart
	}
	// mark is the stored page number. Revisited pages below it cannot move the
	// checkpoint, which only grows.
	mark := 0
	if found {
		mark = cp.PageNumber
	}
	state := crawler.Checkpoint{
		JobType:  e.jobType,
		TargetID: w.Target.ID,
		PageType: w.Target.PageType,
	}
	if found {
		state.TotalPages = cp.TotalPages
		if !w.Restart {
			state.TotalItems = cp.TotalItems
		}
	}

	for {
		if e.stopped(ctx) {
			return nil
		}
		last := page + perBatch - 1
		if w.PageEnd > 0 && last > w.PageEnd {
			last = w.PageEnd
		}
		if state.TotalPages > 0 && last > state.TotalPages {
			last = state.TotalPages
		}
		if page > last {
			logger.Info("page range exhausted", zap.Int("page", page))
			return nil
		}

		below := last < mark
		if !below {
			state.PageNumber = page
			state.Status = crawler.CheckpointProcessing
			if err := e.saveCheckpoint(ctx, state); err != nil {
				return err
			}
		}

		start := e.now()
		summary := crawler.BatchSummary{Index: e.batch, Submitted: last - page + 1}
		tasks := make([]crawler.QueueItem, 0, summary.Submitted)
		for p := page; p <= last; p++ {
			tasks = append(tasks, crawler.QueueItem{Key: pageKey(w.Target, p), Run: e.pageTask(ctx, w, p)})
		}
		results := e.pool.RunBatch(tasks)

		firstFailed := 0
		var failedResult crawler.Result
		lastWithItems := 0
		more := true
		for i, r := range results {
			summary.Add(r)
			e.record(ctx, r)
			state.TotalItems += r.Items
			if r.TotalPages > state.TotalPages {
				state.TotalPages = r.TotalPages
			}
			switch r.Status {
			case crawler.ResultFailed, crawler.ResultAbandoned:
				if firstFailed == 0 {
					firstFailed = page + i
					failedResult = r
				}
			default:
				if r.Status == crawler.ResultSucceeded {
					lastWithItems = page + i
				}
				if !r.More {
					more = false
				}
			}
		}

		if firstFailed > 0 && firstFailed < mark {
			cause := failedResult.Err
			if cause == nil {
				cause = errors.New("page abandoned")
			}
			if failedResult.Status == crawler.ResultAbandoned {
				e.fail(ctx, failedResult.Key, cause)
			}
			summary.Duration = e.now().Sub(start)
			e.finishBatch(summary)
			return fmt.Errorf("page %d of %s failed below checkpoint page %d: %w",
				firstFailed, w.Target.ID, mark, cause)
		}
		if below && firstFailed == 0 && more && (w.PageEnd <= 0 || last < w.PageEnd) {
			summary.Duration = e.now().Sub(start)
			e.finishBatch(summary)
			page = last + 1
			continue
		}

		done := true
		switch {
		case firstFailed > 0:
			state.PageNumber = firstFailed
			state.Status = crawler.CheckpointFailed
		case summary.Items+summary.ItemsSkipped+summary.ItemsFailed == 0:
			state.Status = crawler.CheckpointCompleted
		case !more:
			state.PageNumber = max(lastWithItems, page)
			state.Status = crawler.CheckpointCompleted
		case state.TotalPages > 0 && last >= state.TotalPages:
			state.PageNumber = last
			state.Status = crawler.CheckpointCompleted
		case w.PageEnd > 0 && last >= w.PageEnd:
			state.PageNumber = last
			state.Status = crawler.CheckpointPending
		default:
			state.PageNumber = last
			state.Status = crawler.CheckpointPending
			done = false
		}
		if err := e.saveCheckpoint(ctx, state); err != nil {
			return err
		}
		summary.Duration = e.now().Sub(start)
		e.finishBatch(summary)

		if done {
			logger.Info("target walk finished",
				zap.String("status", string(state.Status)),
				zap.Int("page", state.PageNumber),
				zap.Int("total_pages", state.TotalPages),
				zap.Int("total_items", state.TotalItems),
			)
			return nil
		}
		page = last + 1
	}
}

func (e *Executor) pageTask(runCtx context.Context, w PagedWork, page int) crawler.TaskFunc {
	return func(ctx context.Context) crawler.Result {
		ctx = crawler.WithStop(ctx, runCtx)
		key := pageKey(w.Target, page)
		p, err := crawler.Retry(ctx, e.deps.Retry, func(ctx context.Context) (crawler.Page, error) {
			return w.Fetch(ctx, page)
		})
		if err != nil {
			if errors.Is(err, crawler.ErrNoItem) {
				return crawler.Result{Key: key, Status: crawler.ResultEmpty}
			}
			if stoppedDuring(runCtx, err) {
				return crawler.Result{Key: key, Status: crawler.ResultAbandoned, Err: err}
			}
			return crawler.Result{Key: key, Status: crawler.ResultFailed, Err: err}
		}

		res := crawler.Result{Key: key, Status: crawler.ResultSucceeded, More: p.HasMore, TotalPages: p.TotalPages}
		if len(p.Items) == 0 {
			res.Status = crawler.ResultEmpty
		}
		for i, item := range p.Items {
			itemKey := item.Code
			if w.Key != nil {
				itemKey = w.Key(item)
			}
			claimed, err := withClaim(w.Index, itemKey, func() error {
				return w.Handle(ctx, item)
			})
			switch {
			case !claimed:
				res.Skipped++
			case err != nil:
				failKey := itemKey
				if failKey == "" {
					failKey = fmt.Sprintf("%s#%d", key, i)
				}
				res.Failures = append(res.Failures, crawler.ItemFailure{Key: failKey, Err: err})
			default:
				res.Items++
			}
		}
		return res
	}
}

func (e *Executor) loadCheckpoint(ctx context.Context, target crawler.Target) (crawler.Checkpoint, bool, error) {
	if e.deps.Checkpoints == nil {
		return crawler.Checkpoint{}, false, nil
	}
	cp, err := e.deps.Checkpoints.GetCheckpoint(ctx, e.jobType, target.ID, target.PageType)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.Checkpoint{}, false, nil
	}
	if err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("read checkpoint %s/%s: %w", target.ID, target.PageType, err)
	}
	return cp, true, nil
}

func (e *Executor) saveCheckpoint(ctx context.Context, cp crawler.Checkpoint) error {
	if e.deps.Checkpoints == nil {
		return nil
	}
	writeCtx, cancel := detached(ctx)
	defer cancel()
	cp.LastUpdate = e.now()
	if err := e.deps.Checkpoints.UpsertCheckpoint(writeCtx, cp); err != nil {
		return fmt.Errorf("write checkpoint %s/%s page %d: %w", cp.TargetID, cp.PageType, cp.PageNumber, err)
	}
	return nil
}

func pageKey(target crawler.Target, page int) string {
	pageType := target.PageType
	if pageType == "" {
		pageType = "default"
	}
	return fmt.Sprintf("%s/%s/page/%d", target.ID, pageType, page)
}
