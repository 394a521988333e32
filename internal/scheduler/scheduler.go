// Package scheduler fires recurring job starts. A firing that finds the previous
// run still active is dropped, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// Trigger starts a job unless it is already running.
type Trigger interface {
	TryStart(jobType string, spec crawler.WorkSpec) (string, bool, error)
}

// Entry is one recurring job.
type Entry struct {
	JobType  string
	Interval time.Duration
	Spec     crawler.WorkSpec
}

// Scheduler drives recurring entries with a cron runner.
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a Scheduler. Entries fire only after Start.
func New(trigger Trigger, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{sugar: logger.Sugar()}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		trigger: trigger,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers e. Intervals below one second are rejected because the cron
// runner rounds them up anyway.
func (s *Scheduler) Add(e Entry) error {
	if e.JobType == "" {
		return errors.New("schedule: job type is required")
	}
	if e.Interval < time.Second {
		return fmt.Errorf("schedule %s: interval %s is below one second", e.JobType, e.Interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.JobType]; ok {
		return fmt.Errorf("schedule %s: already scheduled", e.JobType)
	}
	s.entries[e.JobType] = s.cron.Schedule(cron.Every(e.Interval), cron.FuncJob(func() {
		s.Fire(e)
	}))
	s.logger.Info("recurring job scheduled", zap.String("job_type", e.JobType), zap.Duration("interval", e.Interval))
	return nil
}

// Fire runs one trigger of e.
func (s *Scheduler) Fire(e Entry) {
	runID, started, err := s.trigger.TryStart(e.JobType, e.Spec)
	switch {
	case err != nil:
		s.logger.Error("recurring start failed", zap.String("job_type", e.JobType), zap.Error(err))
	case started:
		s.logger.Info("recurring run started", zap.String("job_type", e.JobType), zap.String("run_id", runID))
	}
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing entries in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the timer and waits for in-progress triggers or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
