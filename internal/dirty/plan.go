package dirty

import (
	"slices"

	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// Plan is the rebuild scope computed from two hash snapshots. Every slice
// is sorted ascending and the three live sets are disjoint.
type Plan struct {
	// DirectlyDirty holds functions whose own hash changed, including
	// functions absent from the old snapshot.
	DirectlyDirty []ids.FunctionID `json:"directly_dirty"`
	// TransitivelyDirty holds functions that are unchanged but call a dirty
	// function at some depth.
	TransitivelyDirty []ids.FunctionID `json:"transitively_dirty"`
	// Cached holds functions whose artifacts can be reused.
	Cached []ids.FunctionID `json:"cached"`
	// Removed holds functions present only in the old snapshot.
	Removed []ids.FunctionID `json:"removed"`
}

// Compute compares two snapshots and propagates dirtiness to callers over
// the reverse call graph, breadth first.
func Compute(old, current map[ids.FunctionID]merkle.Hash, calls CallGraph) Plan {
	plan := Plan{
		DirectlyDirty:     []ids.FunctionID{},
		TransitivelyDirty: []ids.FunctionID{},
		Cached:            []ids.FunctionID{},
		Removed:           []ids.FunctionID{},
	}

	dirty := make(map[ids.FunctionID]bool)
	var queue []ids.FunctionID
	for _, fn := range ids.SortedKeys(current) {
		if prev, ok := old[fn]; !ok || prev != current[fn] {
			plan.DirectlyDirty = append(plan.DirectlyDirty, fn)
			dirty[fn] = true
			queue = append(queue, fn)
		}
	}
	for _, fn := range ids.SortedKeys(old) {
		if _, ok := current[fn]; !ok {
			plan.Removed = append(plan.Removed, fn)
			queue = append(queue, fn)
		}
	}

	callers := calls.Reverse()
	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]
		for _, caller := range callers[fn] {
			if dirty[caller] {
				continue
			}
			dirty[caller] = true
			queue = append(queue, caller)
			if _, live := current[caller]; live {
				plan.TransitivelyDirty = append(plan.TransitivelyDirty, caller)
			}
		}
	}
	slices.Sort(plan.TransitivelyDirty)

	for _, fn := range ids.SortedKeys(current) {
		if !dirty[fn] {
			plan.Cached = append(plan.Cached, fn)
		}
	}
	return plan
}

// Dirty returns the directly and transitively dirty functions together.
func (p Plan) Dirty() []ids.FunctionID {
	out := make([]ids.FunctionID, 0, len(p.DirectlyDirty)+len(p.TransitivelyDirty))
	out = append(out, p.DirectlyDirty...)
	out = append(out, p.TransitivelyDirty...)
	return ids.Sort(out)
}

// IsDirty reports whether fn must be rebuilt.
func (p Plan) IsDirty(fn ids.FunctionID) bool {
	_, direct := slices.BinarySearch(p.DirectlyDirty, fn)
	_, transitive := slices.BinarySearch(p.TransitivelyDirty, fn)
	return direct || transitive
}

// Recompile is the set an incremental compiler must rebuild.
func (p Plan) Recompile() []ids.FunctionID { return p.Dirty() }

// Reverify is the set an incremental verifier must recheck.
func (p Plan) Reverify() []ids.FunctionID { return p.Dirty() }

// Empty reports whether nothing needs rebuilding.
func (p Plan) Empty() bool {
	return len(p.DirectlyDirty) == 0 && len(p.TransitivelyDirty) == 0 && len(p.Removed) == 0
}
