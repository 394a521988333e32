package jobs

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/controller"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/executor"
)

// Category walks the listing pages of one or more targets, saving every item
// not already known by code.
type Category struct {
	deps     Deps
	settings Settings
}

// Run implements controller.Runner.
func (c *Category) Run(ctx context.Context, run controller.Run) error {
	pageType := c.settings.PageType
	if pageType == "" {
		pageType = defaultPageType
	}
	walk := targets(run.Spec, c.settings, pageType)
	if len(walk) == 0 {
		return errors.New("no category targets configured")
	}
	idx, err := c.deps.index(ctx, crawler.KeyCode)
	if err != nil {
		return err
	}
	exec := c.deps.executor(run)
	for _, target := range walk {
		if ctx.Err() != nil {
			break
		}
		c.deps.Logger.Info("walking category", zap.String("job_type", run.JobType), zap.String("target", target.ID))
		err := exec.RunPages(ctx, executor.PagedWork{
			Target:        target,
			PageStart:     run.Spec.PageStart,
			PageEnd:       run.Spec.PageEnd,
			PagesPerBatch: firstPositive(run.Spec.PagesPerBatch, c.settings.PagesPerBatch, 1),
			Restart:       run.Spec.Restart,
			Index:         idx,
			Fetch:         c.deps.fetchPage(run.JobType, target),
			Handle: func(ctx context.Context, item crawler.ExtractedItem) error {
				return c.deps.Sink.Save(ctx, run.JobType, item) //nolint:wrapcheck
			},
		})
		if err != nil {
			return err //nolint:wrapcheck
		}
	}
	return nil
}
