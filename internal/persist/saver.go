// Package persist is the synchronous save path run inside crawl tasks. It writes
// items to the item store and optionally archives raw pages and notifies
// downstream consumers.
package persist

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// Notification is the payload published for every saved item.
type Notification struct {
	JobType     string    `json:"job_type"`
	Code        string    `json:"code"`
	ExternalID  int64     `json:"external_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	URL         string    `json:"url,omitempty"`
	Category    string    `json:"category,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Saver implements crawler.ItemSink.
type Saver struct {
	items     crawler.ItemStore
	clock     crawler.Clock
	logger    *zap.Logger
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	topic     string
}

// Option customizes a Saver.
type Option func(*Saver)

// WithArchive stores raw listing pages in blobs.
func WithArchive(blobs crawler.BlobStore) Option {
	return func(s *Saver) {
		s.blobs = blobs
	}
}

// WithPublisher announces every saved item on topic.
func WithPublisher(p crawler.Publisher, topic string) Option {
	return func(s *Saver) {
		s.publisher = p
		s.topic = topic
	}
}

// New builds a Saver.
func New(items crawler.ItemStore, clock crawler.Clock, logger *zap.Logger, opts ...Option) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Saver{items: items, clock: clock, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save upserts item and stamps its refresh time.
func (s *Saver) Save(ctx context.Context, jobType string, item crawler.ExtractedItem) error {
	item.RefreshedAt = s.clock.Now()
	if err := s.items.SaveItem(ctx, item); err != nil {
		return fmt.Errorf("save item %q: %w", item.Code, err)
	}
	if s.publisher == nil {
		return nil
	}
	// The item is durable at this point; a failed notification is logged only.
	_, err := s.publisher.Publish(ctx, s.topic, Notification{
		JobType:     jobType,
		Code:        item.Code,
		ExternalID:  item.ExternalID,
		Title:       item.Title,
		URL:         item.URL,
		Category:    item.Category,
		RefreshedAt: item.RefreshedAt,
	})
	metrics.ObserveRemoteCall("publish", err)
	if err != nil {
		s.logger.Warn("item notification failed",
			zap.String("job_type", jobType),
			zap.String("code", item.Code),
			zap.Error(err),
		)
	}
	return nil
}

// ArchivePage stores the raw body of a listing page and returns its URI. It
// returns "" when archiving is disabled or the page carries no body.
func (s *Saver) ArchivePage(ctx context.Context, jobType string, target crawler.Target, pageNum int, page crawler.Page) (string, error) {
	if s.blobs == nil || len(page.Raw) == 0 {
		return "", nil
	}
	key := PagePath(jobType, target, pageNum)
	uri, err := s.blobs.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader(page.Raw))
	if err != nil {
		return "", fmt.Errorf("archive page %s: %w", key, err)
	}
	return uri, nil
}

// PagePath is the blob path of one archived listing page.
func PagePath(jobType string, target crawler.Target, pageNum int) string {
	pageType := target.PageType
	if pageType == "" {
		pageType = "default"
	}
	return path.Join(jobType, target.ID, pageType, fmt.Sprintf("page-%05d.html", pageNum))
}
