package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// FailureLedger is an append-only in-memory failure log.
type FailureLedger struct {
	mu      sync.Mutex
	records []crawler.FailureRecord
}

// NewFailureLedger constructs an empty ledger.
func NewFailureLedger() *FailureLedger {
	return &FailureLedger{}
}

// Append adds rec to the end of the ledger.
func (l *FailureLedger) Append(_ context.Context, rec crawler.FailureRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// ListAll returns a copy of every record in append order.
func (l *FailureLedger) ListAll(context.Context) ([]crawler.FailureRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]crawler.FailureRecord(nil), l.records...), nil
}
