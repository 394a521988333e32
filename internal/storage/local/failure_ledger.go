package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

const ledgerFileName = "failures.jsonl"

// FailureLedger appends failure records as JSON lines to a single file.
type FailureLedger struct {
	mu   sync.Mutex
	path string
}

// NewFailureLedger opens (or creates) the ledger file below cfg.BaseDir.
func NewFailureLedger(cfg Config) (*FailureLedger, error) {
	dir, err := prepareDir(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	return &FailureLedger{path: filepath.Join(dir, ledgerFileName)}, nil
}

// Append writes rec as one line. The file is opened in append mode per call so
// concurrent processes never rewrite earlier lines.
func (l *FailureLedger) Append(_ context.Context, rec crawler.FailureRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open failure ledger: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append failure record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close failure ledger: %w", err)
	}
	return nil
}

// ListAll reads every record in append order. A missing file is an empty ledger.
func (l *FailureLedger) ListAll(ctx context.Context) ([]crawler.FailureRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []crawler.FailureRecord{}, nil
		}
		return nil, fmt.Errorf("open failure ledger: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	records := make([]crawler.FailureRecord, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec crawler.FailureRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode failure record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read failure ledger: %w", err)
	}
	return records, nil
}
