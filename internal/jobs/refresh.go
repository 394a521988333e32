package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/controller"
)

// Refresh refetches the detail of the stalest items and saves them again.
type Refresh struct {
	deps     Deps
	settings Settings
}

// Run implements controller.Runner.
func (r *Refresh) Run(ctx context.Context, run controller.Run) error {
	if r.deps.Items == nil {
		return errors.New("refresh needs an item store")
	}
	age := r.settings.RefreshAge
	if age <= 0 {
		age = defaultRefreshAge
	}
	limit := firstPositive(r.settings.RefreshLimit, defaultRefreshLimit)
	cutoff := r.deps.Clock.Now().Add(-age)

	stale, err := r.deps.Items.ListStale(ctx, cutoff, limit)
	if err != nil {
		return fmt.Errorf("list stale items: %w", err)
	}
	if len(stale) == 0 {
		r.deps.Logger.Debug("nothing to refresh", zap.String("job_type", run.JobType))
		return nil
	}
	codes := make([]string, 0, len(stale))
	for _, item := range stale {
		codes = append(codes, item.Code)
	}
	r.deps.Logger.Info("refreshing stale items", zap.String("job_type", run.JobType), zap.Int("items", len(codes)))

	exec := r.deps.executor(run)
	batch := firstPositive(run.Spec.BatchSize, r.settings.BatchSize)
	return exec.RunKeys(ctx, codes, batch, nil, func(ctx context.Context, code string) error { //nolint:wrapcheck
		item, err := r.deps.Source.FetchItem(ctx, code)
		if err != nil {
			return err //nolint:wrapcheck
		}
		if item.Code == "" {
			item.Code = code
		}
		return r.deps.Sink.Save(ctx, run.JobType, item) //nolint:wrapcheck
	})
}
