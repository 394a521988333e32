package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	msg := "source unavailable"

	mock.ExpectExec("INSERT INTO job_runs").
		WithArgs(runID, "range", now, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE job_runs SET").
		WithArgs(runID, int64(1), int64(4), int64(0), int64(1), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE job_runs SET finished_at").
		WithArgs(now, "error", &msg, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	runs := NewRunStore(mock)
	ctx := context.Background()
	require.NoError(t, runs.StartRun(ctx, runID, "range", now))
	require.NoError(t, runs.AddRunCounts(ctx, runID, store.RunCounts{Batches: 1, Succeeded: 4, Failed: 1, Items: 4}))
	require.NoError(t, runs.CompleteRun(ctx, runID, now, store.RunError, &msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreMissingRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	mock.ExpectExec("UPDATE job_runs SET").
		WithArgs(runID, int64(1), int64(0), int64(0), int64(0), int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = NewRunStore(mock).AddRunCounts(context.Background(), runID, store.RunCounts{Batches: 1})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStoreListRuns(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	finished := now.Add(time.Minute)
	columns := []string{
		"id", "job_type", "started_at", "finished_at", "status",
		"batches", "succeeded", "skipped", "failed", "items", "error_message",
	}
	mock.ExpectQuery("FROM job_runs").
		WithArgs("range", 50).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(runID, "range", now, &finished, "success", int64(2), int64(9), int64(1), int64(0), int64(9), nil))

	runs, err := NewRunStore(mock).ListRuns(context.Background(), "range", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, runID, runs[0].ID)
	require.Equal(t, store.RunSuccess, runs[0].Status)
	require.Equal(t, finished, *runs[0].FinishedAt)
	require.Nil(t, runs[0].ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAppliesEveryStatement(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
