package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// FailureLedger appends failure records to crawl_failures. Rows are never
// updated or deleted.
type FailureLedger struct {
	db DB
}

// NewFailureLedger constructs a FailureLedger over db.
func NewFailureLedger(db DB) *FailureLedger {
	return &FailureLedger{db: db}
}

// Append inserts rec.
func (l *FailureLedger) Append(ctx context.Context, rec crawler.FailureRecord) error {
	_, err := l.db.Exec(ctx, `INSERT INTO crawl_failures (job_type, target, error_message, created_at)
VALUES ($1, $2, $3, $4)`, rec.JobType, rec.Target, rec.ErrorMessage, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append failure: %w", err)
	}
	return nil
}

// ListAll returns every record in append order.
func (l *FailureLedger) ListAll(ctx context.Context) ([]crawler.FailureRecord, error) {
	rows, err := l.db.Query(ctx, `SELECT job_type, target, error_message, created_at
FROM crawl_failures ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.FailureRecord, 0)
	for rows.Next() {
		var rec crawler.FailureRecord
		if err := rows.Scan(&rec.JobType, &rec.Target, &rec.ErrorMessage, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}
