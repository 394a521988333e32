package crawler

import (
	"context"
	"io"
	"time"
)

// Source fetches and parses remote catalog data. Implementations are swappable
// per site.
type Source interface {
	// FetchItem loads the detail record addressed by key (a numeric id or a code).
	// It returns ErrNoItem when the remote has nothing at key.
	FetchItem(ctx context.Context, key string) (ExtractedItem, error)
	// FetchPage loads one listing page for target.
	FetchPage(ctx context.Context, target Target, page int) (Page, error)
	// PerformAction toggles a remote flag such as a favorite for id.
	PerformAction(ctx context.Context, kind ActionKind, id string) (bool, error)
}

// ItemSink is the persistence path invoked synchronously inside a task.
type ItemSink interface {
	Save(ctx context.Context, jobType string, item ExtractedItem) error
}

// ItemStore persists extracted items. SaveItem must be idempotent on Code.
type ItemStore interface {
	SaveItem(ctx context.Context, item ExtractedItem) error
	GetItem(ctx context.Context, code string) (ExtractedItem, error)
	// ForEachKey streams every known identifier of kind into fn.
	ForEachKey(ctx context.Context, kind KeyKind, fn func(key string)) error
	// ListStale returns up to limit items refreshed before cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]ExtractedItem, error)
}

// KeyKind selects which identifier space a dedup index is loaded from.
type KeyKind string

// Identifier spaces.
const (
	KeyCode       KeyKind = "code"
	KeyExternalID KeyKind = "external_id"
)

// CheckpointStore persists Checkpoint rows keyed by their natural key.
type CheckpointStore interface {
	// GetCheckpoint returns ErrNotFound when no row exists for the key.
	GetCheckpoint(ctx context.Context, jobType, targetID, pageType string) (Checkpoint, error)
	// UpsertCheckpoint inserts or updates by natural key. PageNumber never moves backwards.
	UpsertCheckpoint(ctx context.Context, cp Checkpoint) error
	ListCheckpoints(ctx context.Context, jobType string) ([]Checkpoint, error)
}

// FailureLedger is the append-only log of permanently failed units of work.
type FailureLedger interface {
	Append(ctx context.Context, rec FailureRecord) error
	ListAll(ctx context.Context) ([]FailureRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes item notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
