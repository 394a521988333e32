package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

var itemColumnNames = []string{"code", "external_id", "title", "thumbnail", "url", "category", "attributes", "refreshed_at"}

func TestItemStoreSaveItemUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	item := crawler.ExtractedItem{
		Code:        "ABC-001",
		ExternalID:  101,
		Title:       "Sample",
		URL:         "https://example.com/items/101",
		Category:    "books",
		Attributes:  map[string]string{"lang": "en"},
		RefreshedAt: now,
	}

	mock.ExpectExec("INSERT INTO items").
		WithArgs("ABC-001", int64(101), "Sample", "", "https://example.com/items/101", "books", []byte(`{"lang":"en"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewItemStore(mock).SaveItem(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStoreSaveItemRequiresCode(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	err = NewItemStore(mock).SaveItem(context.Background(), crawler.ExtractedItem{Title: "no code"})
	require.True(t, crawler.IsTerminal(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStoreGetItem(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT code").
		WithArgs("ABC-001").
		WillReturnRows(pgxmock.NewRows(itemColumnNames).
			AddRow("ABC-001", int64(101), "Sample", "", "", "books", []byte(`{"lang":"en"}`), now))
	mock.ExpectQuery("SELECT code").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	items := NewItemStore(mock)
	got, err := items.GetItem(context.Background(), "ABC-001")
	require.NoError(t, err)
	require.Equal(t, int64(101), got.ExternalID)
	require.Equal(t, map[string]string{"lang": "en"}, got.Attributes)

	_, err = items.GetItem(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStoreForEachKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT external_id::text FROM items").
		WillReturnRows(pgxmock.NewRows([]string{"external_id"}).AddRow("101").AddRow("105"))
	mock.ExpectQuery("SELECT code FROM items").
		WillReturnError(errors.New("connection reset"))

	items := NewItemStore(mock)
	var keys []string
	require.NoError(t, items.ForEachKey(context.Background(), crawler.KeyExternalID, func(k string) {
		keys = append(keys, k)
	}))
	require.Equal(t, []string{"101", "105"}, keys)

	err = items.ForEachKey(context.Background(), crawler.KeyCode, func(string) {})
	require.ErrorContains(t, err, "list item keys")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStoreListStale(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoff := time.Unix(1700000000, 0).UTC()
	old := cutoff.Add(-48 * time.Hour)
	mock.ExpectQuery("WHERE refreshed_at < \\$1").
		WithArgs(cutoff, 2).
		WillReturnRows(pgxmock.NewRows(itemColumnNames).
			AddRow("A", int64(0), "a", "", "", "", []byte(`{}`), old).
			AddRow("B", int64(7), "b", "", "", "", []byte(`{}`), old))

	stale, err := NewItemStore(mock).ListStale(context.Background(), cutoff, 2)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	require.Equal(t, "A", stale[0].Code)
	require.Nil(t, stale[0].Attributes)
	require.NoError(t, mock.ExpectationsWereMet())
}
