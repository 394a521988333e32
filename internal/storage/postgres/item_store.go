package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

const itemColumns = `code, COALESCE(external_id, 0), title, thumbnail, url, category, attributes, refreshed_at`

// ItemStore persists extracted items in the items table.
type ItemStore struct {
	db DB
}

// NewItemStore constructs an ItemStore over db.
func NewItemStore(db DB) *ItemStore {
	return &ItemStore{db: db}
}

// SaveItem upserts item by code.
func (s *ItemStore) SaveItem(ctx context.Context, item crawler.ExtractedItem) error {
	if item.Code == "" {
		return crawler.Terminal(errors.New("item code is required"))
	}
	attrs, err := marshalAttributes(item.Attributes)
	if err != nil {
		return crawler.Terminal(err)
	}
	const query = `
INSERT INTO items (code, external_id, title, thumbnail, url, category, attributes, refreshed_at, updated_at)
VALUES ($1, NULLIF($2::bigint, 0), $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (code) DO UPDATE SET
	external_id = COALESCE(EXCLUDED.external_id, items.external_id),
	title = EXCLUDED.title,
	thumbnail = EXCLUDED.thumbnail,
	url = EXCLUDED.url,
	category = EXCLUDED.category,
	attributes = EXCLUDED.attributes,
	refreshed_at = EXCLUDED.refreshed_at,
	updated_at = now()`
	_, err = s.db.Exec(ctx, query,
		item.Code,
		item.ExternalID,
		item.Title,
		item.Thumbnail,
		item.URL,
		item.Category,
		attrs,
		item.RefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.Code, err)
	}
	return nil
}

// GetItem loads one item by code.
func (s *ItemStore) GetItem(ctx context.Context, code string) (crawler.ExtractedItem, error) {
	row := s.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE code = $1`, code)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ExtractedItem{}, crawler.ErrNotFound
		}
		return crawler.ExtractedItem{}, fmt.Errorf("get item %s: %w", code, err)
	}
	return item, nil
}

// ForEachKey streams every code or external id into fn.
func (s *ItemStore) ForEachKey(ctx context.Context, kind crawler.KeyKind, fn func(string)) error {
	query := `SELECT code FROM items`
	if kind == crawler.KeyExternalID {
		query = `SELECT external_id::text FROM items WHERE external_id IS NOT NULL`
	}
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("list item keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan item key: %w", err)
		}
		fn(key)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate item keys: %w", err)
	}
	return nil
}

// ListStale returns up to limit items refreshed before cutoff, oldest first.
func (s *ItemStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]crawler.ExtractedItem, error) {
	rows, err := s.db.Query(ctx, `SELECT `+itemColumns+` FROM items
WHERE refreshed_at < $1
ORDER BY refreshed_at ASC, code ASC
LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale items: %w", err)
	}
	defer rows.Close()

	items := make([]crawler.ExtractedItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale items: %w", err)
	}
	return items, nil
}

func scanItem(row pgx.Row) (crawler.ExtractedItem, error) {
	var (
		item  crawler.ExtractedItem
		attrs []byte
	)
	if err := row.Scan(
		&item.Code,
		&item.ExternalID,
		&item.Title,
		&item.Thumbnail,
		&item.URL,
		&item.Category,
		&attrs,
		&item.RefreshedAt,
	); err != nil {
		return crawler.ExtractedItem{}, err //nolint:wrapcheck // callers wrap with the operation
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &item.Attributes); err != nil {
			return crawler.ExtractedItem{}, fmt.Errorf("decode attributes: %w", err)
		}
		if len(item.Attributes) == 0 {
			item.Attributes = nil
		}
	}
	return item, nil
}

func marshalAttributes(attrs map[string]string) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return data, nil
}
