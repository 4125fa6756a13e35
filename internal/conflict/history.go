package conflict

import (
	"sync"

	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// DefaultHistory is how many manifests are kept per function.
const DefaultHistory = 16

// History remembers recent manifests per function so a stale expected hash
// can be expanded back into node and edge hashes for a diff.
//
// Thread Safety: All methods are safe for concurrent use.
type History struct {
	mu    sync.Mutex
	limit int
	byFn  map[ids.FunctionID][]merkle.Manifest // oldest first
}

// NewHistory keeps up to limit manifests per function. Non-positive limits
// use DefaultHistory.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &History{limit: limit, byFn: make(map[ids.FunctionID][]merkle.Manifest)}
}

// Record stores m as the newest manifest of its function. A manifest with
// a root already on file moves to the newest position.
func (h *History) Record(m merkle.Manifest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byFn[m.Function]
	for i, old := range list {
		if old.Root == m.Root {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append(list, m.Clone())
	if over := len(list) - h.limit; over > 0 {
		list = append([]merkle.Manifest(nil), list[over:]...)
	}
	h.byFn[m.Function] = list
}

// Lookup finds the manifest of fn with the given root.
func (h *History) Lookup(fn ids.FunctionID, root merkle.Hash) (merkle.Manifest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.byFn[fn] {
		if m.Root == root {
			return m.Clone(), true
		}
	}
	return merkle.Manifest{}, false
}

// Latest returns the newest manifest recorded for fn.
func (h *History) Latest(fn ids.FunctionID) (merkle.Manifest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byFn[fn]
	if len(list) == 0 {
		return merkle.Manifest{}, false
	}
	return list[len(list)-1].Clone(), true
}

// Len returns how many manifests are kept for fn.
func (h *History) Len(fn ids.FunctionID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byFn[fn])
}

// Forget drops fn's history, used when the function is removed.
func (h *History) Forget(fn ids.FunctionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byFn, fn)
}
