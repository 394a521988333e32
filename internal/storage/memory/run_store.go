package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// RunStore keeps run history in memory.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.Run
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.Run)}
}

// StartRun inserts the run in running state.
func (s *RunStore) StartRun(_ context.Context, runID uuid.UUID, jobType string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, JobType: jobType, Status: store.RunRunning}
	}
	run.StartedAt = startedAt.UTC()
	s.runs[runID] = run
	return nil
}

// AddRunCounts increments the counters of an existing run.
func (s *RunStore) AddRunCounts(_ context.Context, runID uuid.UUID, delta store.RunCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.ErrNotFound
	}
	run.Batches += delta.Batches
	run.Succeeded += delta.Succeeded
	run.Skipped += delta.Skipped
	run.Failed += delta.Failed
	run.Items += delta.Items
	s.runs[runID] = run
	return nil
}

// CompleteRun marks the run finished.
func (s *RunStore) CompleteRun(_ context.Context, runID uuid.UUID, finishedAt time.Time, status store.RunStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.ErrNotFound
	}
	finished := finishedAt.UTC()
	run.FinishedAt = &finished
	run.Status = status
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

// GetRun returns a single run.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, crawler.ErrNotFound
	}
	return run, nil
}

// ListRuns returns the newest runs of jobType first. An empty jobType lists all.
func (s *RunStore) ListRuns(_ context.Context, jobType string, limit int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0)
	for _, run := range s.runs {
		if jobType == "" || run.JobType == jobType {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
