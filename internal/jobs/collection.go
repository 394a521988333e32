package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/controller"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/dedup"
	"github.com/JakeFAU/catalog-harvester/internal/executor"
)

// Collection walks a remote user collection, saves each item and applies a
// remote action such as favorite to it.
type Collection struct {
	deps     Deps
	settings Settings
}

// Run implements controller.Runner.
func (c *Collection) Run(ctx context.Context, run controller.Run) error {
	action := run.Spec.Action
	if action == "" {
		action = c.settings.Action
	}
	if action == "" {
		action = crawler.ActionFavorite
	}
	exec := c.deps.executor(run)
	// Items repeated across pages are acted on once per run.
	seen := dedup.New()

	if run.Spec.Replay {
		keys, err := c.replaySet(ctx, run.JobType)
		if err != nil {
			return err
		}
		c.deps.Logger.Info("replaying failed actions", zap.String("job_type", run.JobType), zap.Int("items", len(keys)))
		batch := firstPositive(run.Spec.BatchSize, c.settings.BatchSize)
		return exec.RunKeys(ctx, keys, batch, seen, func(ctx context.Context, key string) error { //nolint:wrapcheck
			return c.act(ctx, action, key)
		})
	}

	pageType := c.settings.PageType
	if pageType == "" {
		pageType = collectionPageType
	}
	walk := targets(run.Spec, c.settings, pageType)
	if len(walk) == 0 {
		return errors.New("no collection targets configured")
	}
	for _, target := range walk {
		if ctx.Err() != nil {
			break
		}
		err := exec.RunPages(ctx, executor.PagedWork{
			Target:        target,
			PageStart:     run.Spec.PageStart,
			PageEnd:       run.Spec.PageEnd,
			PagesPerBatch: firstPositive(run.Spec.PagesPerBatch, c.settings.PagesPerBatch, 1),
			Restart:       run.Spec.Restart,
			Index:         seen,
			Key:           actionKey,
			Fetch:         c.deps.fetchPage(run.JobType, target),
			Handle: func(ctx context.Context, item crawler.ExtractedItem) error {
				if err := c.deps.Sink.Save(ctx, run.JobType, item); err != nil {
					return err //nolint:wrapcheck
				}
				return c.act(ctx, action, actionKey(item))
			},
		})
		if err != nil {
			return err //nolint:wrapcheck
		}
	}
	return nil
}

// act performs the remote action under the retry policy. A refused action is a
// failure of that item only.
func (c *Collection) act(ctx context.Context, action crawler.ActionKind, id string) error {
	ok, err := crawler.Retry(ctx, c.deps.Retry, func(ctx context.Context) (bool, error) {
		return c.deps.Source.PerformAction(ctx, action, id)
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", action, id, err)
	}
	if !ok {
		return crawler.Terminal(fmt.Errorf("%s %s refused by remote", action, id))
	}
	return nil
}

// replaySet returns the distinct item targets this job type has failed on,
// oldest first. Page-level failures are left to a normal walk.
func (c *Collection) replaySet(ctx context.Context, jobType string) ([]string, error) {
	if c.deps.Ledger == nil {
		return nil, errors.New("replay needs a failure ledger")
	}
	records, err := c.deps.Ledger.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	seen := make(map[string]struct{}, len(records))
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.JobType != jobType || strings.Contains(rec.Target, "/page/") {
			continue
		}
		if _, ok := seen[rec.Target]; ok {
			continue
		}
		seen[rec.Target] = struct{}{}
		keys = append(keys, rec.Target)
	}
	return keys, nil
}

// actionKey is the id passed to PerformAction: the numeric id when known,
// otherwise the code.
func actionKey(item crawler.ExtractedItem) string {
	if key := item.ExternalKey(); key != "" {
		return key
	}
	return item.Code
}
