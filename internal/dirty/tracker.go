package dirty

import (
	"sync"
	"time"

	"github.com/roach88/keel/internal/ids"
)

// Sources of a dirty mark.
const (
	SourceEdit       = "edit"
	SourceStructural = "structural"
	SourceManual     = "manual"
)

// Entry records why a function was marked dirty.
type Entry struct {
	Function ids.FunctionID `json:"function"`
	Agent    ids.AgentID    `json:"agent,omitempty"`
	Revision int64          `json:"revision"`
	Source   string         `json:"source"`
	MarkedAt time.Time      `json:"marked_at"`
}

// Tracker collects functions edited since the last snapshot. A later mark
// for the same function replaces the earlier one.
//
// Thread Safety: All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	entries map[ids.FunctionID]Entry
	now     func() time.Time
}

// NewTracker creates an empty tracker. A nil now uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{entries: make(map[ids.FunctionID]Entry), now: now}
}

// Mark records e. MarkedAt is stamped from the tracker's clock.
func (t *Tracker) Mark(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.Source == "" {
		e.Source = SourceManual
	}
	e.MarkedAt = t.now()
	t.entries[e.Function] = e
}

// IsDirty reports whether fn has been marked since the last Drain.
func (t *Tracker) IsDirty(fn ids.FunctionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[fn]
	return ok
}

// Entries returns the current marks sorted by function.
func (t *Tracker) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sorted()
}

// Drain returns the current marks and clears the tracker.
func (t *Tracker) Drain() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.sorted()
	t.entries = make(map[ids.FunctionID]Entry)
	return out
}

// Len returns the number of marked functions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tracker) sorted() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, fn := range ids.SortedKeys(t.entries) {
		out = append(out, t.entries[fn])
	}
	return out
}
