// Package controller owns the per-job-type state machine. At most one run of a
// job type is active at a time; Start returns immediately and the run proceeds
// on its own goroutine with a worker pool sized for that run.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/dispatcher"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/worker"
)

var (
	// ErrAlreadyRunning is returned by Start while a run of the job type is active.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotRunning is returned by Stop when the job type is idle.
	ErrNotRunning = errors.New("not running")
	// ErrUnknownJob is returned for job types that were never registered.
	ErrUnknownJob = errors.New("unknown job type")
	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("controller is shutting down")
)

const defaultTaskTimeout = 5 * time.Minute

// Run is one accepted invocation handed to a Runner.
type Run struct {
	ID      string
	EventID [16]byte
	JobType string
	Spec    crawler.WorkSpec
	// Pool is started before Run is called and closed after it returns.
	Pool *dispatcher.Dispatcher
}

// Runner executes a run. ctx is canceled by Stop; a runner that winds down
// because of it returns nil.
type Runner interface {
	Run(ctx context.Context, run Run) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, run Run) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, run Run) error {
	return f(ctx, run)
}

// JobOptions size the worker pool of a job type.
type JobOptions struct {
	Concurrency int
	TaskTimeout time.Duration
}

type entry struct {
	runner Runner
	opts   JobOptions
	job    crawler.CrawlJob
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller starts, stops and reports on registered job types.
type Controller struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	closed  bool
	wg      sync.WaitGroup
	ids     crawler.IDGenerator
	clock   crawler.Clock
	emitter progress.Emitter
	logger  *zap.Logger
}

// New builds a Controller. A nil emitter discards progress events.
func New(ids crawler.IDGenerator, clock crawler.Clock, emitter progress.Emitter, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Discard{}
	}
	return &Controller{
		jobs:    make(map[string]*entry),
		ids:     ids,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
	}
}

// Register adds a job type. Registering the same type twice replaces its runner
// while it is idle.
func (c *Controller) Register(jobType string, runner Runner, opts JobOptions) error {
	if jobType == "" || runner == nil {
		return errors.New("register: job type and runner are required")
	}
	opts.Concurrency = min(max(opts.Concurrency, 1), crawler.MaxConcurrency)
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.jobs[jobType]; ok && e.job.State != crawler.JobStateIdle {
		return fmt.Errorf("register %s: %w", jobType, ErrAlreadyRunning)
	}
	c.jobs[jobType] = &entry{
		runner: runner,
		opts:   opts,
		job:    crawler.CrawlJob{JobType: jobType, State: crawler.JobStateIdle},
	}
	return nil
}

// Start launches a run of jobType and returns its id without waiting for it.
func (c *Controller) Start(jobType string, spec crawler.WorkSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	e, ok := c.jobs[jobType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}
	if e.job.State != crawler.JobStateIdle {
		c.logger.Debug("start rejected", zap.String("job_type", jobType), zap.String("state", string(e.job.State)))
		return "", ErrAlreadyRunning
	}

	id, err := c.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	eventID, err := progress.ParseRunID(id)
	if err != nil {
		return "", err
	}
	if spec.Concurrency < 1 {
		spec.Concurrency = e.opts.Concurrency
	}
	if spec.Concurrency > crawler.MaxConcurrency {
		c.logger.Warn("concurrency capped",
			zap.String("job_type", jobType),
			zap.Int("requested", spec.Concurrency),
			zap.Int("max", crawler.MaxConcurrency),
		)
		spec.Concurrency = crawler.MaxConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.job = crawler.CrawlJob{
		JobType:   jobType,
		State:     crawler.JobStateRunning,
		StartedAt: c.clock.Now(),
		RunID:     id,
	}
	run := Run{ID: id, EventID: eventID, JobType: jobType, Spec: spec}

	c.wg.Add(1)
	go c.execute(ctx, e, run)
	return id, nil
}

// TryStart is Start with skip-if-running semantics for recurring triggers. It
// reports false without an error when a run is already active.
func (c *Controller) TryStart(jobType string, spec crawler.WorkSpec) (string, bool, error) {
	id, err := c.Start(jobType, spec)
	if errors.Is(err, ErrAlreadyRunning) {
		metrics.ObserveTriggerSkip(jobType)
		c.logger.Debug("trigger skipped, previous run still active", zap.String("job_type", jobType))
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Stop asks the active run of jobType to wind down. The batch in flight
// finishes; no further batch starts. Stopping an already stopping job is a no-op.
func (c *Controller) Stop(jobType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[jobType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}
	switch e.job.State {
	case crawler.JobStateIdle:
		c.logger.Debug("stop rejected, job idle", zap.String("job_type", jobType))
		return ErrNotRunning
	case crawler.JobStateStopping:
		return nil
	}
	e.job.State = crawler.JobStateStopping
	e.cancel()
	c.logger.Info("stop requested", zap.String("job_type", jobType), zap.String("run_id", e.job.RunID))
	return nil
}

// Status returns a snapshot of jobType.
func (c *Controller) Status(jobType string) (crawler.CrawlJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[jobType]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}
	return e.job, nil
}

// List returns every registered job type ordered by name.
func (c *Controller) List() []crawler.CrawlJob {
	c.mu.Lock()
	out := make([]crawler.CrawlJob, 0, len(c.jobs))
	for _, e := range c.jobs {
		out = append(out, e.job)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobType < out[j].JobType })
	return out
}

// Wait blocks until the active run of jobType ends or ctx is done. It returns
// immediately when the job is idle.
func (c *Controller) Wait(ctx context.Context, jobType string) error {
	c.mu.Lock()
	e, ok := c.jobs[jobType]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}
	done := e.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", jobType, ctx.Err())
	}
}

// Shutdown refuses new runs, stops every active run and waits for them to drain
// or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, e := range c.jobs {
		if e.job.State == crawler.JobStateRunning {
			e.job.State = crawler.JobStateStopping
			e.cancel()
		}
	}
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("controller shutdown: %w", ctx.Err())
	}
}

func (c *Controller) execute(ctx context.Context, e *entry, run Run) {
	defer c.wg.Done()
	logger := c.logger.With(zap.String("job_type", run.JobType), zap.String("run_id", run.ID))

	pool := dispatcher.New(run.Spec.Concurrency, worker.Config{TaskTimeout: e.opts.TaskTimeout}, logger)
	// Calls of the batch in flight finish even after Stop, but a pending retry
	// backoff ends. The executor checks ctx between batches.
	pool.Start(context.WithoutCancel(ctx))
	run.Pool = pool

	start := c.clock.Now()
	c.emit(run, progress.Event{Stage: progress.StageJobStart})
	logger.Info("run started", zap.Int("concurrency", pool.Size()))

	err := safeRun(ctx, e.runner, run)
	pool.Close()

	dur := c.clock.Now().Sub(start)
	if err != nil {
		c.emit(run, progress.Event{Stage: progress.StageJobError, Dur: dur, Note: err.Error()})
		logger.Error("run aborted", zap.Duration("duration", dur), zap.Error(err))
	} else {
		c.emit(run, progress.Event{Stage: progress.StageJobDone, Dur: dur})
		logger.Info("run finished", zap.Duration("duration", dur), zap.Bool("stopped", ctx.Err() != nil))
	}

	c.mu.Lock()
	e.cancel()
	e.job.State = crawler.JobStateIdle
	if err != nil {
		e.job.LastError = err.Error()
	} else {
		e.job.LastError = ""
	}
	close(e.done)
	e.done = nil
	c.mu.Unlock()
}

func safeRun(ctx context.Context, runner Runner, run Run) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("runner panicked: %v", rec)
		}
	}()
	return runner.Run(ctx, run)
}

func (c *Controller) emit(run Run, evt progress.Event) {
	evt.RunID = run.EventID
	evt.JobType = run.JobType
	evt.TS = c.clock.Now()
	c.emitter.Emit(evt)
}
