// Package crawler defines core types shared across subsystems.
package crawler

import (
	"strconv"
	"time"
)

// JobState represents the lifecycle state of a job type inside the controller.
type JobState string

// Job states tracked per job type.
const (
	JobStateIdle     JobState = "idle"
	JobStateRunning  JobState = "running"
	JobStateStopping JobState = "stopping"
)

// JobKind selects which pipeline drives a configured job type.
type JobKind string

// Supported job kinds.
const (
	JobKindRange      JobKind = "range"
	JobKindCategory   JobKind = "category"
	JobKindCollection JobKind = "collection"
	JobKindRefresh    JobKind = "refresh"
)

// Valid reports whether k names a known pipeline.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindRange, JobKindCategory, JobKindCollection, JobKindRefresh:
		return true
	default:
		return false
	}
}

// CrawlJob is the in-memory record for one job type.
type CrawlJob struct {
	JobType   string    `json:"job_type"`
	State     JobState  `json:"state"`
	StartedAt time.Time `json:"started_at"`
	RunID     string    `json:"run_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// ActionKind names a remote toggle performed on a single item.
type ActionKind string

// Supported remote actions.
const (
	ActionFavorite   ActionKind = "favorite"
	ActionUnfavorite ActionKind = "unfavorite"
)

// MaxConcurrency bounds the worker pool of a single run.
const MaxConcurrency = 64

// WorkSpec describes one invocation. It is built once per Start and never mutated.
type WorkSpec struct {
	RangeStart  int64 `json:"range_start,omitempty"`
	RangeEnd    int64 `json:"range_end,omitempty"`
	BatchSize   int   `json:"batch_size,omitempty"`
	Concurrency int   `json:"concurrency,omitempty"`

	TargetID      string `json:"target_id,omitempty"`
	TargetCode    string `json:"target_code,omitempty"`
	PageStart     int    `json:"page_start,omitempty"`
	PageEnd       int    `json:"page_end,omitempty"`
	PagesPerBatch int    `json:"pages_per_batch,omitempty"`
	Restart       bool   `json:"restart,omitempty"`

	Action ActionKind `json:"action,omitempty"`
	Replay bool       `json:"replay,omitempty"`
}

// CheckpointStatus mirrors the status column of the checkpoint table.
type CheckpointStatus string

// Checkpoint statuses.
const (
	CheckpointPending    CheckpointStatus = "pending"
	CheckpointProcessing CheckpointStatus = "processing"
	CheckpointCompleted  CheckpointStatus = "completed"
	CheckpointFailed     CheckpointStatus = "failed"
)

// Checkpoint records how far a paginated crawl advanced for one target.
// Keyed by (JobType, TargetID, PageType).
type Checkpoint struct {
	JobType    string           `json:"job_type"`
	TargetID   string           `json:"target_id"`
	PageType   string           `json:"page_type"`
	PageNumber int              `json:"page_number"`
	TotalPages int              `json:"total_pages"`
	Status     CheckpointStatus `json:"status"`
	TotalItems int              `json:"total_items"`
	LastUpdate time.Time        `json:"last_update"`
}

// ResumePage returns the first page a fresh run should process. A page left in
// processing or failed state is reprocessed because it may be partially committed.
func (c Checkpoint) ResumePage() int {
	switch c.Status {
	case CheckpointProcessing, CheckpointFailed:
		if c.PageNumber < 1 {
			return 1
		}
		return c.PageNumber
	default:
		return c.PageNumber + 1
	}
}

// Finished reports whether the checkpoint covers every known page.
func (c Checkpoint) Finished() bool {
	return c.Status == CheckpointCompleted && c.TotalPages > 0 && c.PageNumber >= c.TotalPages
}

// FailureRecord is one append-only entry in the failure ledger.
type FailureRecord struct {
	JobType      string    `json:"job_type"`
	Target       string    `json:"target"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// ExtractedItem is the record produced by a Source for one remote entity. The
// engine only reads Code and ExternalID.
type ExtractedItem struct {
	Code        string            `json:"code"`
	Title       string            `json:"title"`
	Thumbnail   string            `json:"thumbnail,omitempty"`
	URL         string            `json:"url,omitempty"`
	ExternalID  int64             `json:"external_id,omitempty"`
	Category    string            `json:"category,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}

// ExternalKey returns the dedup key used by ID-range crawls, or "" when the item
// carries no numeric id.
func (i ExtractedItem) ExternalKey() string {
	if i.ExternalID <= 0 {
		return ""
	}
	return strconv.FormatInt(i.ExternalID, 10)
}

// Target identifies what a paginated fetch walks over.
type Target struct {
	ID       string `json:"id" mapstructure:"id"`
	Code     string `json:"code" mapstructure:"code"`
	PageType string `json:"page_type" mapstructure:"page_type"`
}

// Page is one page of listing data.
type Page struct {
	Items      []ExtractedItem
	HasMore    bool
	TotalPages int
	Raw        []byte
	URL        string
}

// ResultStatus classifies the outcome of one unit of work.
type ResultStatus string

// Task outcomes aggregated by the executor.
const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultSkipped   ResultStatus = "skipped"
	ResultFailed    ResultStatus = "failed"
	ResultEmpty     ResultStatus = "empty"
	ResultAbandoned ResultStatus = "abandoned"
)

// ItemFailure is a failure of one item inside a multi-item unit of work.
type ItemFailure struct {
	Key string
	Err error
}

// Result is returned by every task run on the worker pool. Items counts records
// persisted by the unit; Skipped and Failures describe items inside a page unit.
type Result struct {
	Key        string
	Status     ResultStatus
	Items      int
	Skipped    int
	Failures   []ItemFailure
	More       bool
	TotalPages int
	Err        error
}

// Seen returns how many items the unit pulled from the source.
func (r Result) Seen() int {
	return r.Items + r.Skipped + len(r.Failures)
}

// BatchSummary aggregates the results of one batch. Succeeded through Abandoned
// count units; Items, ItemsSkipped and ItemsFailed count records.
type BatchSummary struct {
	Index        int
	Submitted    int
	Succeeded    int
	Skipped      int
	Failed       int
	Empty        int
	Abandoned    int
	Items        int
	ItemsSkipped int
	ItemsFailed  int
	Duration     time.Duration
}

// Add folds one task result into the summary.
func (s *BatchSummary) Add(r Result) {
	s.Items += r.Items
	s.ItemsSkipped += r.Skipped
	s.ItemsFailed += len(r.Failures)
	switch r.Status {
	case ResultSucceeded:
		s.Succeeded++
	case ResultSkipped:
		s.Skipped++
	case ResultFailed:
		s.Failed++
	case ResultEmpty:
		s.Empty++
	case ResultAbandoned:
		s.Abandoned++
	}
}

// AllEmpty reports whether every submitted unit found nothing at the source.
// A batch made only of dedup skips is not empty.
func (s BatchSummary) AllEmpty() bool {
	return s.Submitted > 0 && s.Empty == s.Submitted
}

// RunSummary accumulates batch summaries over a whole run.
type RunSummary struct {
	Batches   int  `json:"batches"`
	Succeeded int  `json:"succeeded"`
	Skipped   int  `json:"skipped"`
	Failed    int  `json:"failed"`
	Items     int  `json:"items"`
	Stopped   bool `json:"stopped,omitempty"`
}

// Merge adds a batch summary into the run totals.
func (s *RunSummary) Merge(b BatchSummary) {
	s.Batches++
	s.Succeeded += b.Succeeded
	s.Skipped += b.Skipped + b.ItemsSkipped
	s.Failed += b.Failed + b.ItemsFailed
	s.Items += b.Items
}
