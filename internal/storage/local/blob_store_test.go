package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

func TestNewPreparesBaseDir(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "archive", "pages")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("RejectsEmptyDir", func(t *testing.T) {
		_, err := local.New(local.Config{BaseDir: "  "})
		require.ErrorContains(t, err, "base directory is required")
	})

	t.Run("RejectsFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "ledger.jsonl")
		require.NoError(t, os.WriteFile(file, []byte("{}\n"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.ErrorContains(t, err, "not a directory")
	})
}

func TestPutObjectArchivesPage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	path := "category/shoes/list/page-00003.html"
	body := []byte("<html><li class=item></li></html>")
	uri, err := store.PutObject(ctx, path, "text/html", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, path), uri)

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(filepath.Join(dir, path))
	require.NoError(t, err)
	require.Equal(t, body, got)

	// Re-archiving a page overwrites it.
	_, err = store.PutObject(ctx, path, "text/html", strings.NewReader("v2"))
	require.NoError(t, err)
	// #nosec G304 -- test reads from the controlled temp directory.
	got, err = os.ReadFile(filepath.Join(dir, path))
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, path := range []string{"", "../escape.html", "category/../../escape.html"} {
		_, err := store.PutObject(ctx, path, "text/html", strings.NewReader("x"))
		require.Error(t, err, "path %q", path)
	}
}
