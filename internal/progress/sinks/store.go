package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Batch counters are
// collapsed per run before writing.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch to the repository in event order. Counter deltas
// for a run are flushed before that run is completed.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*store.RunCounts)
	order := make([]uuid.UUID, 0)

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageJobStart:
			if err := s.repo.StartRun(ctx, runID, evt.JobType, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageBatchDone:
			delta, ok := deltas[runID]
			if !ok {
				delta = &store.RunCounts{}
				deltas[runID] = delta
				order = append(order, runID)
			}
			delta.Batches++
			delta.Succeeded += int64(evt.Succeeded)
			delta.Skipped += int64(evt.Skipped)
			delta.Failed += int64(evt.Failed)
			delta.Items += int64(evt.Items)
		case progress.StageJobDone, progress.StageJobError:
			if err := s.flushRun(ctx, runID, deltas); err != nil {
				return err
			}
			status := store.RunSuccess
			var note *string
			if evt.Stage == progress.StageJobError {
				status = store.RunError
			}
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
			if err := s.repo.CompleteRun(ctx, runID, evt.TS, status, note); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}

	for _, runID := range order {
		if err := s.flushRun(ctx, runID, deltas); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushRun(ctx context.Context, runID uuid.UUID, deltas map[uuid.UUID]*store.RunCounts) error {
	delta, ok := deltas[runID]
	if !ok || delta.IsZero() {
		return nil
	}
	if err := s.repo.AddRunCounts(ctx, runID, *delta); err != nil {
		return fmt.Errorf("add run counts: %w", err)
	}
	*delta = store.RunCounts{}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
