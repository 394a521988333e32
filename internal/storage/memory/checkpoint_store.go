package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

var errMissingCode = errors.New("item code is required")

type checkpointKey struct {
	jobType  string
	targetID string
	pageType string
}

// CheckpointStore keeps checkpoints in memory with the same upsert semantics
// as the postgres store: the page number never moves backwards.
type CheckpointStore struct {
	mu   sync.RWMutex
	rows map[checkpointKey]crawler.Checkpoint
}

// NewCheckpointStore constructs an empty CheckpointStore.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{rows: make(map[checkpointKey]crawler.Checkpoint)}
}

// GetCheckpoint returns the row for the natural key or crawler.ErrNotFound.
func (s *CheckpointStore) GetCheckpoint(_ context.Context, jobType, targetID, pageType string) (crawler.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.rows[checkpointKey{jobType, targetID, pageType}]
	if !ok {
		return crawler.Checkpoint{}, crawler.ErrNotFound
	}
	return cp, nil
}

// UpsertCheckpoint inserts or merges cp into the existing row.
func (s *CheckpointStore) UpsertCheckpoint(_ context.Context, cp crawler.Checkpoint) error {
	key := checkpointKey{cp.JobType, cp.TargetID, cp.PageType}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[key]; ok {
		if existing.PageNumber > cp.PageNumber {
			cp.PageNumber = existing.PageNumber
		}
		if cp.TotalPages == 0 {
			cp.TotalPages = existing.TotalPages
		}
	}
	s.rows[key] = cp
	return nil
}

// ListCheckpoints returns every checkpoint of jobType ordered by target.
func (s *CheckpointStore) ListCheckpoints(_ context.Context, jobType string) ([]crawler.Checkpoint, error) {
	s.mu.RLock()
	out := make([]crawler.Checkpoint, 0)
	for key, cp := range s.rows {
		if key.jobType == jobType {
			out = append(out, cp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetID == out[j].TargetID {
			return out[i].PageType < out[j].PageType
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}
