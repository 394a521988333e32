package jobs

import (
	"context"
	"strconv"

	"github.com/JakeFAU/catalog-harvester/internal/controller"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// Range crawls a contiguous numeric id space one detail page per id.
type Range struct {
	deps     Deps
	settings Settings
}

// Run implements controller.Runner.
func (r *Range) Run(ctx context.Context, run controller.Run) error {
	idx, err := r.deps.index(ctx, crawler.KeyExternalID)
	if err != nil {
		return err
	}
	exec := r.deps.executor(run)
	batch := firstPositive(run.Spec.BatchSize, r.settings.BatchSize)
	return exec.RunRange(ctx, run.Spec.RangeStart, run.Spec.RangeEnd, batch, idx, func(ctx context.Context, key string) error { //nolint:wrapcheck
		item, err := r.deps.Source.FetchItem(ctx, key)
		if err != nil {
			return err //nolint:wrapcheck
		}
		if item.ExternalID == 0 {
			item.ExternalID, _ = strconv.ParseInt(key, 10, 64)
		}
		return r.deps.Sink.Save(ctx, run.JobType, item) //nolint:wrapcheck
	})
}
