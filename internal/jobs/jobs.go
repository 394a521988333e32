// Package jobs contains the concrete pipelines run by the controller: ID-range
// crawls, paginated category crawls, remote collection processing and the
// periodic detail refresh.
package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/controller"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/dedup"
	"github.com/JakeFAU/catalog-harvester/internal/executor"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

const (
	defaultPageType     = "list"
	collectionPageType  = "collection"
	defaultRefreshLimit = 500
	defaultRefreshAge   = 24 * time.Hour
)

// Archiver keeps raw listing pages.
type Archiver interface {
	ArchivePage(ctx context.Context, jobType string, target crawler.Target, page int, p crawler.Page) (string, error)
}

// Deps are the collaborators shared by every pipeline.
type Deps struct {
	Source      crawler.Source
	Sink        crawler.ItemSink
	Archiver    Archiver
	Items       crawler.ItemStore
	Ledger      crawler.FailureLedger
	Checkpoints crawler.CheckpointStore
	Dedup       *dedup.Registry
	Emitter     progress.Emitter
	Clock       crawler.Clock
	Retry       *crawler.ExponentialRetryPolicy
	Logger      *zap.Logger
}

// Settings are the per-job-type defaults from configuration. WorkSpec fields
// given at Start take precedence.
type Settings struct {
	BatchSize     int
	PagesPerBatch int
	PageType      string
	Targets       []crawler.Target
	Action        crawler.ActionKind
	RefreshLimit  int
	RefreshAge    time.Duration
}

// New returns the pipeline for kind.
func New(kind crawler.JobKind, deps Deps, settings Settings) (controller.Runner, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.NewRegistry()
	}
	switch kind {
	case crawler.JobKindRange:
		return &Range{deps: deps, settings: settings}, nil
	case crawler.JobKindCategory:
		return &Category{deps: deps, settings: settings}, nil
	case crawler.JobKindCollection:
		return &Collection{deps: deps, settings: settings}, nil
	case crawler.JobKindRefresh:
		return &Refresh{deps: deps, settings: settings}, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}

func (d Deps) executor(run controller.Run) *executor.Executor {
	return executor.New(run.JobType, run.EventID, run.Pool, executor.Deps{
		Ledger:      d.Ledger,
		Checkpoints: d.Checkpoints,
		Emitter:     d.Emitter,
		Clock:       d.Clock,
		Retry:       d.Retry,
		Logger:      d.Logger.With(zap.String("run_id", run.ID)),
	})
}

// index returns the shared dedup index for kind, merged with every key the item
// store already holds.
func (d Deps) index(ctx context.Context, kind crawler.KeyKind) (*dedup.Index, error) {
	idx := d.Dedup.Get(string(kind))
	if d.Items == nil {
		return idx, nil
	}
	added, err := idx.BulkLoad(ctx, dedup.LoaderFunc(func(ctx context.Context, fn func(string)) error {
		return d.Items.ForEachKey(ctx, kind, fn)
	}))
	if err != nil {
		return nil, fmt.Errorf("load %s index: %w", kind, err)
	}
	d.Logger.Debug("dedup index loaded",
		zap.String("kind", string(kind)),
		zap.Int("added", added),
		zap.Int("size", idx.Len()),
	)
	return idx, nil
}

// fetchPage wraps Source.FetchPage and archives the raw body of every page.
func (d Deps) fetchPage(jobType string, target crawler.Target) func(context.Context, int) (crawler.Page, error) {
	return func(ctx context.Context, page int) (crawler.Page, error) {
		p, err := d.Source.FetchPage(ctx, target, page)
		if err != nil {
			return crawler.Page{}, err //nolint:wrapcheck
		}
		if d.Archiver != nil {
			if _, archErr := d.Archiver.ArchivePage(ctx, jobType, target, page, p); archErr != nil {
				d.Logger.Warn("page archive failed",
					zap.String("target", target.ID),
					zap.Int("page", page),
					zap.Error(archErr),
				)
			}
		}
		return p, nil
	}
}

// targets resolves the walk list: the WorkSpec's single target or every configured one.
func targets(spec crawler.WorkSpec, settings Settings, pageType string) []crawler.Target {
	if spec.TargetID != "" {
		return []crawler.Target{{ID: spec.TargetID, Code: spec.TargetCode, PageType: pageType}}
	}
	out := make([]crawler.Target, 0, len(settings.Targets))
	for _, t := range settings.Targets {
		if t.PageType == "" {
			t.PageType = pageType
		}
		out = append(out, t)
	}
	return out
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
