package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

type runFlags struct {
	spec   crawler.WorkSpec
	action string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <job-type>",
		Short: "Run one job in the foreground and wait for it to finish",
		Long: `run starts a single run of a configured job type through the same
controller the API uses, logs progress, and exits non-zero when the run aborts.
Flags override the job's configured defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			spec, err := f.workSpec()
			if err != nil {
				return err
			}
			job, err := appInstance.RunJob(cmd.Context(), args[0], spec)
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			appInstance.Logger().Info("run finished",
				zap.String("job_type", job.JobType),
				zap.String("run_id", job.RunID),
			)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&f.spec.RangeStart, "range-start", 0, "first id of a range crawl")
	flags.Int64Var(&f.spec.RangeEnd, "range-end", 0, "last id of a range crawl (inclusive)")
	flags.IntVar(&f.spec.BatchSize, "batch-size", 0, "units per batch")
	flags.IntVar(&f.spec.Concurrency, "concurrency", 0, "parallel workers")
	flags.StringVar(&f.spec.TargetID, "target-id", "", "crawl a single target by id")
	flags.StringVar(&f.spec.TargetCode, "target-code", "", "code of the single target")
	flags.IntVar(&f.spec.PageStart, "page-start", 0, "first page to fetch")
	flags.IntVar(&f.spec.PageEnd, "page-end", 0, "last page to fetch")
	flags.IntVar(&f.spec.PagesPerBatch, "pages-per-batch", 0, "pages fetched per batch")
	flags.BoolVar(&f.spec.Restart, "restart", false, "ignore saved checkpoints")
	flags.StringVar(&f.action, "action", "", "collection action: favorite or unfavorite")
	flags.BoolVar(&f.spec.Replay, "replay", false, "replay targets from the failure ledger")
	return cmd
}

func (f runFlags) workSpec() (crawler.WorkSpec, error) {
	spec := f.spec
	if f.action != "" {
		kind := crawler.ActionKind(strings.ToLower(f.action))
		if kind != crawler.ActionFavorite && kind != crawler.ActionUnfavorite {
			return crawler.WorkSpec{}, fmt.Errorf("unknown action %q", f.action)
		}
		spec.Action = kind
	}
	if spec.RangeStart < 0 || spec.RangeEnd < 0 || spec.BatchSize < 0 || spec.Concurrency < 0 ||
		spec.PageStart < 0 || spec.PageEnd < 0 || spec.PagesPerBatch < 0 {
		return crawler.WorkSpec{}, errors.New("numeric flags must not be negative")
	}
	if spec.Concurrency > crawler.MaxConcurrency {
		return crawler.WorkSpec{}, fmt.Errorf("concurrency must not exceed %d", crawler.MaxConcurrency)
	}
	return spec, nil
}
