package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

const checkpointColumns = `job_type, target_id, page_type, page_number, total_pages, status, total_items, last_update`

// CheckpointStore persists crawl checkpoints keyed by (job_type, target_id, page_type).
type CheckpointStore struct {
	db DB
}

// NewCheckpointStore constructs a CheckpointStore over db.
func NewCheckpointStore(db DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// GetCheckpoint loads one checkpoint or returns crawler.ErrNotFound.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, jobType, targetID, pageType string) (crawler.Checkpoint, error) {
	row := s.db.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM crawl_checkpoints
WHERE job_type = $1 AND target_id = $2 AND page_type = $3`, jobType, targetID, pageType)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Checkpoint{}, crawler.ErrNotFound
		}
		return crawler.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// UpsertCheckpoint inserts or updates the row. page_number only grows; a zero
// total_pages keeps the stored value.
func (s *CheckpointStore) UpsertCheckpoint(ctx context.Context, cp crawler.Checkpoint) error {
	const query = `
INSERT INTO crawl_checkpoints (job_type, target_id, page_type, page_number, total_pages, status, total_items, last_update)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (job_type, target_id, page_type) DO UPDATE SET
	page_number = GREATEST(crawl_checkpoints.page_number, EXCLUDED.page_number),
	total_pages = CASE WHEN EXCLUDED.total_pages > 0 THEN EXCLUDED.total_pages ELSE crawl_checkpoints.total_pages END,
	status = EXCLUDED.status,
	total_items = EXCLUDED.total_items,
	last_update = EXCLUDED.last_update`
	_, err := s.db.Exec(ctx, query,
		cp.JobType,
		cp.TargetID,
		cp.PageType,
		cp.PageNumber,
		cp.TotalPages,
		string(cp.Status),
		cp.TotalItems,
		cp.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns every checkpoint of jobType ordered by target.
func (s *CheckpointStore) ListCheckpoints(ctx context.Context, jobType string) ([]crawler.Checkpoint, error) {
	rows, err := s.db.Query(ctx, `SELECT `+checkpointColumns+` FROM crawl_checkpoints
WHERE job_type = $1
ORDER BY target_id, page_type`, jobType)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func scanCheckpoint(row pgx.Row) (crawler.Checkpoint, error) {
	var (
		cp     crawler.Checkpoint
		status string
	)
	if err := row.Scan(
		&cp.JobType,
		&cp.TargetID,
		&cp.PageType,
		&cp.PageNumber,
		&cp.TotalPages,
		&status,
		&cp.TotalItems,
		&cp.LastUpdate,
	); err != nil {
		return crawler.Checkpoint{}, err //nolint:wrapcheck // callers wrap with the operation
	}
	cp.Status = crawler.CheckpointStatus(status)
	return cp, nil
}
