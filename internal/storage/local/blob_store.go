// Package local implements filesystem-backed archive and failure ledger stores.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem stores.
type Config struct {
	// BaseDir is the root directory for archived pages and the failure ledger.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes raw page archives under BaseDir.
type BlobStore struct {
	baseDir string
}

// New creates a filesystem blob store, creating BaseDir when it does not exist.
func New(cfg Config) (*BlobStore, error) {
	dir, err := prepareDir(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	return &BlobStore{baseDir: dir}, nil
}

// PutObject writes the reader to path below BaseDir and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes base directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read blob body: %w", err)
	}
	if err := os.WriteFile(fullPath, body, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return "file://" + fullPath, nil
}

func prepareDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("base directory is required")
	}
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return "", fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return "", fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("base directory %s is not a directory", dir)
	}

	marker := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		return "", fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(marker); err != nil {
		return "", fmt.Errorf("remove write marker: %w", err)
	}
	return dir, nil
}
