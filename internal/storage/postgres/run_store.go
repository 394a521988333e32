package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

const runColumns = `id, job_type, started_at, finished_at, status, batches, succeeded, skipped, failed, items, error_message`

// RunStore implements store.RunRepository on the job_runs table.
type RunStore struct {
	db DB
}

// NewRunStore constructs a RunStore over db.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

// StartRun inserts a running row or refreshes started_at on conflict.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, jobType string, startedAt time.Time) error {
	const query = `
INSERT INTO job_runs (id, job_type, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET started_at = EXCLUDED.started_at`
	if _, err := s.db.Exec(ctx, query, runID, jobType, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// AddRunCounts increments the counters of a run.
func (s *RunStore) AddRunCounts(ctx context.Context, runID uuid.UUID, delta store.RunCounts) error {
	const query = `
UPDATE job_runs SET
	batches = batches + $2,
	succeeded = succeeded + $3,
	skipped = skipped + $4,
	failed = failed + $5,
	items = items + $6
WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, runID, delta.Batches, delta.Succeeded, delta.Skipped, delta.Failed, delta.Items)
	if err != nil {
		return fmt.Errorf("add run counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// CompleteRun marks the run finished.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	const query = `UPDATE job_runs SET finished_at = $1, status = $2, error_message = $3 WHERE id = $4`
	tag, err := s.db.Exec(ctx, query, finishedAt, string(status), errMsg, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	row := s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, crawler.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs of jobType first. An empty jobType lists all.
func (s *RunStore) ListRuns(ctx context.Context, jobType string, limit int) ([]store.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+runColumns+` FROM job_runs
WHERE ($1 = '' OR job_type = $1)
ORDER BY started_at DESC
LIMIT $2`, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]store.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	if err := row.Scan(
		&run.ID,
		&run.JobType,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Batches,
		&run.Succeeded,
		&run.Skipped,
		&run.Failed,
		&run.Items,
		&run.ErrorMessage,
	); err != nil {
		return store.Run{}, err //nolint:wrapcheck // callers wrap with the operation
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
