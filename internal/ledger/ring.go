package ledger

import (
	"context"
	"sort"
	"sync"
)

// Ring keeps the most recent entries in memory for the activity feed.
type Ring struct {
	mu    sync.Mutex
	size  int
	items []Entry
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 100
	}
	return &Ring{size: size}
}

// Publish records committed entries, dropping the oldest beyond capacity.
func (r *Ring) Publish(_ context.Context, entries []Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, entries...)
	sort.SliceStable(r.items, func(i, j int) bool { return r.items[i].Seq < r.items[j].Seq })
	if over := len(r.items) - r.size; over > 0 {
		r.items = append([]Entry(nil), r.items[over:]...)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (r *Ring) Recent(_ context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.items) {
		limit = len(r.items)
	}
	out := make([]Entry, 0, limit)
	for i := len(r.items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.items[i])
	}
	return out, nil
}
