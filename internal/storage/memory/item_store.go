package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
)

// ItemStore keeps extracted items in memory keyed by code.
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]crawler.ExtractedItem
}

// NewItemStore constructs an empty ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{items: make(map[string]crawler.ExtractedItem)}
}

// SaveItem upserts item by code.
func (s *ItemStore) SaveItem(_ context.Context, item crawler.ExtractedItem) error {
	if item.Code == "" {
		return crawler.Terminal(errMissingCode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.Code] = cloneItem(item)
	return nil
}

// GetItem returns the item stored under code.
func (s *ItemStore) GetItem(_ context.Context, code string) (crawler.ExtractedItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[code]
	if !ok {
		return crawler.ExtractedItem{}, crawler.ErrNotFound
	}
	return cloneItem(item), nil
}

// ForEachKey streams every identifier of kind. Items without an external id are
// skipped for KeyExternalID.
func (s *ItemStore) ForEachKey(ctx context.Context, kind crawler.KeyKind, fn func(string)) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for code, item := range s.items {
		switch kind {
		case crawler.KeyExternalID:
			if key := item.ExternalKey(); key != "" {
				keys = append(keys, key)
			}
		default:
			keys = append(keys, code)
		}
	}
	s.mu.RUnlock()

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(key)
	}
	return nil
}

// ListStale returns up to limit items refreshed before cutoff, oldest first.
func (s *ItemStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]crawler.ExtractedItem, error) {
	s.mu.RLock()
	stale := make([]crawler.ExtractedItem, 0)
	for _, item := range s.items {
		if item.RefreshedAt.Before(cutoff) {
			stale = append(stale, cloneItem(item))
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		if stale[i].RefreshedAt.Equal(stale[j].RefreshedAt) {
			return stale[i].Code < stale[j].Code
		}
		return stale[i].RefreshedAt.Before(stale[j].RefreshedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Len returns the number of stored items.
func (s *ItemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func cloneItem(item crawler.ExtractedItem) crawler.ExtractedItem {
	if item.Attributes != nil {
		attrs := make(map[string]string, len(item.Attributes))
		for k, v := range item.Attributes {
			attrs[k] = v
		}
		item.Attributes = attrs
	}
	return item
}
