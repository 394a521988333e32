// Package dedup implements the in-memory deduplication index consulted before
// every unit of work. The durable store is the system of record; the index is a
// cache that can be rebuilt from it at any time.
package dedup

import (
	"context"
	"fmt"
	"sync"
)

// Loader streams known identifiers from the durable store.
type Loader interface {
	ForEachKey(ctx context.Context, fn func(key string)) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, fn func(key string)) error

// ForEachKey calls f.
func (f LoaderFunc) ForEachKey(ctx context.Context, fn func(key string)) error {
	return f(ctx, fn)
}

// Index is a concurrency-safe set of processed identifiers plus the set of
// identifiers currently claimed by an in-flight task.
type Index struct {
	mu       sync.RWMutex
	known    map[string]struct{}
	inflight map[string]struct{}
}

// New builds an empty Index.
func New() *Index {
	return &Index{
		known:    make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Contains reports whether key is already processed.
func (i *Index) Contains(key string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.known[key]
	return ok
}

// Add marks key processed. It returns false when key was already present.
func (i *Index) Add(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inflight, key)
	if _, ok := i.known[key]; ok {
		return false
	}
	i.known[key] = struct{}{}
	return true
}

// Claim atomically checks key and reserves it for the caller. Only one caller
// can hold a claim on a key that is not yet processed; every other caller gets
// false until the claim is released.
func (i *Index) Claim(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.known[key]; ok {
		return false
	}
	if _, ok := i.inflight[key]; ok {
		return false
	}
	i.inflight[key] = struct{}{}
	return true
}

// Release ends a claim. When committed is true the key becomes processed,
// otherwise it becomes claimable again.
func (i *Index) Release(key string, committed bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inflight, key)
	if committed {
		i.known[key] = struct{}{}
	}
}

// BulkLoad merges every identifier from src into the index and returns how many
// were new. It is safe to run while workers call Claim and Add.
func (i *Index) BulkLoad(ctx context.Context, src Loader) (int, error) {
	if src == nil {
		return 0, nil
	}
	const chunk = 1024
	added := 0
	buf := make([]string, 0, chunk)
	flush := func() {
		i.mu.Lock()
		for _, key := range buf {
			if _, ok := i.known[key]; !ok {
				i.known[key] = struct{}{}
				added++
			}
		}
		i.mu.Unlock()
		buf = buf[:0]
	}
	err := src.ForEachKey(ctx, func(key string) {
		if key == "" {
			return
		}
		buf = append(buf, key)
		if len(buf) == chunk {
			flush()
		}
	})
	flush()
	if err != nil {
		return added, fmt.Errorf("bulk load keys: %w", err)
	}
	return added, nil
}

// Len returns the number of processed identifiers.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.known)
}

// Reset drops all entries so the index can be rebuilt from the store.
func (i *Index) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.known = make(map[string]struct{})
	i.inflight = make(map[string]struct{})
}

// Registry hands out one shared Index per identifier space so concurrent jobs
// over the same space see each other's inserts.
type Registry struct {
	mu      sync.Mutex
	indexes map[string]*Index
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{indexes: make(map[string]*Index)}
}

// Get returns the Index for space, creating it on first use.
func (r *Registry) Get(space string) *Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indexes[space]
	if !ok {
		idx = New()
		r.indexes[space] = idx
	}
	return idx
}
