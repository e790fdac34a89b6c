// Package dedup keeps a bounded, per-source history of seen item IDs.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/samber/lo"

	"digestd/internal/model"
)

// Store persists the seen history.
type Store interface {
	ListSeen(ctx context.Context, sourceID int64, limit int) ([]string, error)
	AddSeen(ctx context.Context, sourceID int64, itemIDs []string, capacity int) error
}

type history struct {
	mu   sync.Mutex
	seen *simplelru.LRU[string, struct{}]
}

// History is a fixed-capacity set of item IDs per source. Entries are only
// ever appended, never refreshed, so the oldest ID is evicted first.
type History struct {
	store    Store
	capacity int

	mu      sync.Mutex
	sources map[int64]*history
}

// New creates a History holding at most capacity IDs per source.
func New(store Store, capacity int) *History {
	return &History{
		store:    store,
		capacity: capacity,
		sources:  make(map[int64]*history),
	}
}

func (h *History) entry(sourceID int64) *history {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.sources[sourceID]
	if !ok {
		e = &history{}
		h.sources[sourceID] = e
	}
	return e
}

// load returns the in-memory history of a source, reading it from the store
// on first use. The caller holds e.mu.
func (h *History) load(ctx context.Context, sourceID int64, e *history) error {
	if e.seen != nil {
		return nil
	}
	cache, err := simplelru.NewLRU[string, struct{}](h.capacity, nil)
	if err != nil {
		return fmt.Errorf("create history: %w", err)
	}
	ids, err := h.store.ListSeen(ctx, sourceID, h.capacity)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, id := range ids {
		cache.Add(id, struct{}{})
	}
	e.seen = cache
	return nil
}

// Fresh returns the items of one source not seen before, in order. Duplicates
// within items are dropped as well. Nothing is recorded; see Commit.
func (h *History) Fresh(ctx context.Context, sourceID int64, items []model.Item) ([]model.Item, error) {
	e := h.entry(sourceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := h.load(ctx, sourceID, e); err != nil {
		return nil, err
	}
	fresh := make([]model.Item, 0, len(items))
	batch := make(map[string]struct{}, len(items))
	for _, it := range items {
		if e.seen.Contains(it.ID) {
			continue
		}
		if _, dup := batch[it.ID]; dup {
			continue
		}
		batch[it.ID] = struct{}{}
		fresh = append(fresh, it)
	}
	return fresh, nil
}

// Commit records item IDs of a source as seen. IDs already held are skipped.
func (h *History) Commit(ctx context.Context, sourceID int64, itemIDs []string) error {
	e := h.entry(sourceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := h.load(ctx, sourceID, e); err != nil {
		return err
	}
	ids := make([]string, 0, len(itemIDs))
	for _, id := range lo.Uniq(itemIDs) {
		if !e.seen.Contains(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := h.store.AddSeen(ctx, sourceID, ids, h.capacity); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	for _, id := range ids {
		e.seen.Add(id, struct{}{})
	}
	return nil
}

// Len returns the number of IDs held for a source.
func (h *History) Len(sourceID int64) int {
	e := h.entry(sourceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen == nil {
		return 0
	}
	return e.seen.Len()
}

// Forget drops the in-memory history of a source; it is reloaded from the
// store on next use.
func (h *History) Forget(sourceID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sources, sourceID)
}
