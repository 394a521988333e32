package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS items (
	code         TEXT PRIMARY KEY,
	external_id  BIGINT,
	title        TEXT NOT NULL DEFAULT '',
	thumbnail    TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	attributes   JSONB NOT NULL DEFAULT '{}'::jsonb,
	refreshed_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS items_external_id_idx ON items (external_id) WHERE external_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS items_refreshed_at_idx ON items (refreshed_at)`,
	`CREATE TABLE IF NOT EXISTS crawl_checkpoints (
	job_type    TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	page_type   TEXT NOT NULL,
	page_number INTEGER NOT NULL DEFAULT 0,
	total_pages INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	total_items INTEGER NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_type, target_id, page_type)
)`,
	`CREATE TABLE IF NOT EXISTS crawl_failures (
	id            BIGSERIAL PRIMARY KEY,
	job_type      TEXT NOT NULL,
	target        TEXT NOT NULL,
	error_message TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS crawl_failures_job_type_idx ON crawl_failures (job_type)`,
	`CREATE TABLE IF NOT EXISTS job_runs (
	id            UUID PRIMARY KEY,
	job_type      TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	batches       BIGINT NOT NULL DEFAULT 0,
	succeeded     BIGINT NOT NULL DEFAULT 0,
	skipped       BIGINT NOT NULL DEFAULT 0,
	failed        BIGINT NOT NULL DEFAULT 0,
	items         BIGINT NOT NULL DEFAULT 0,
	error_message TEXT
)`,
	`CREATE INDEX IF NOT EXISTS job_runs_job_type_started_idx ON job_runs (job_type, started_at DESC)`,
}

// EnsureSchema creates the tables and indexes used by the stores.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
