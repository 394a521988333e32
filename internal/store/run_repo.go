package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus mirrors the job_runs status column.
type RunStatus string

// Run statuses persisted in job_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one row of run history.
type Run struct {
	ID           uuid.UUID  `json:"run_id"`
	JobType      string     `json:"job_type"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	Batches      int64      `json:"batches"`
	Succeeded    int64      `json:"succeeded"`
	Skipped      int64      `json:"skipped"`
	Failed       int64      `json:"failed"`
	Items        int64      `json:"items"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// RunCounts is a delta applied to a run's counters.
type RunCounts struct {
	Batches   int64
	Succeeded int64
	Skipped   int64
	Failed    int64
	Items     int64
}

// IsZero reports whether the delta changes nothing.
func (c RunCounts) IsZero() bool {
	return c == RunCounts{}
}

// RunRepository persists run history.
type RunRepository interface {
	// StartRun inserts the run or idempotently refreshes started_at.
	StartRun(ctx context.Context, runID uuid.UUID, jobType string, startedAt time.Time) error
	// AddRunCounts increments the counters of a run.
	AddRunCounts(ctx context.Context, runID uuid.UUID, delta RunCounts) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// GetRun loads a single run or returns crawler.ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns the newest runs of jobType first.
	ListRuns(ctx context.Context, jobType string, limit int) ([]Run, error)
}
