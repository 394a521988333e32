package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

func TestStoreSinkPersistsRunHistory(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, JobType: "range-crawler", Stage: progress.StageJobStart, TS: now},
		{RunID: runID, JobType: "range-crawler", Stage: progress.StageBatchDone, TS: now, Succeeded: 3, Failed: 1, Items: 3},
		{RunID: runID, JobType: "range-crawler", Stage: progress.StageItemDone, TS: now, Key: "101"},
		{RunID: runID, JobType: "range-crawler", Stage: progress.StageBatchDone, TS: now, Succeeded: 2, Skipped: 2, Items: 2},
		{RunID: runID, JobType: "range-crawler", Stage: progress.StageJobDone, TS: now.Add(time.Second)},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{runUUID}, repo.starts)
	require.Equal(t, "range-crawler", repo.jobType)
	require.Len(t, repo.counts, 1)
	require.Equal(t, store.RunCounts{Batches: 2, Succeeded: 5, Skipped: 2, Failed: 1, Items: 5}, repo.counts[0])
	require.Equal(t, []store.RunStatus{store.RunSuccess}, repo.statuses)
	require.Equal(t, []string{"counts", "complete"}, repo.calls[1:])
}

func TestStoreSinkFlushesCountsWithoutCompletion(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, JobType: "category", Stage: progress.StageBatchDone, TS: time.Now(), Succeeded: 1},
	}))
	require.Len(t, repo.counts, 1)
	require.Empty(t, repo.statuses)
}

func TestStoreSinkRecordsErrorNote(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, JobType: "category", Stage: progress.StageJobError, TS: time.Now(), Note: "source unavailable"},
	}))
	require.Equal(t, []store.RunStatus{store.RunError}, repo.statuses)
	require.Equal(t, "source unavailable", repo.notes[0])
}

func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), JobType: "x", Stage: progress.StageJobStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeRunRepo struct {
	fail     bool
	calls    []string
	starts   []uuid.UUID
	jobType  string
	counts   []store.RunCounts
	statuses []store.RunStatus
	notes    []string
}

func (f *fakeRunRepo) StartRun(_ context.Context, runID uuid.UUID, jobType string, _ time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.calls = append(f.calls, "start")
	f.starts = append(f.starts, runID)
	f.jobType = jobType
	return nil
}

func (f *fakeRunRepo) AddRunCounts(_ context.Context, _ uuid.UUID, delta store.RunCounts) error {
	if f.fail {
		return assertErr("counts")
	}
	f.calls = append(f.calls, "counts")
	f.counts = append(f.counts, delta)
	return nil
}

func (f *fakeRunRepo) CompleteRun(_ context.Context, _ uuid.UUID, _ time.Time, status store.RunStatus, errMsg *string) error {
	if f.fail {
		return assertErr("complete")
	}
	f.calls = append(f.calls, "complete")
	f.statuses = append(f.statuses, status)
	if errMsg != nil {
		f.notes = append(f.notes, *errMsg)
	}
	return nil
}

func (f *fakeRunRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, assertErr("read")
}

func (f *fakeRunRepo) ListRuns(context.Context, string, int) ([]store.Run, error) {
	return nil, assertErr("list")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
