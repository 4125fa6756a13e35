package dirty

import (
	"slices"

	"github.com/roach88/keel/internal/ids"
)

// CallGraph maps each function to the functions it calls.
type CallGraph map[ids.FunctionID][]ids.FunctionID

// CallSource is anything that can report its call graph. *graph.Graph
// derives one from its call and closure nodes.
type CallSource interface {
	CallGraph() map[ids.FunctionID][]ids.FunctionID
}

// FromGraph copies src's call graph with every callee list sorted and
// deduplicated.
func FromGraph(src CallSource) CallGraph {
	raw := src.CallGraph()
	out := make(CallGraph, len(raw))
	for fn, callees := range raw {
		out[fn] = ids.Dedupe(callees)
	}
	return out
}

// Reverse maps each function to its callers. Every function that appears
// anywhere in c is a key.
func (c CallGraph) Reverse() CallGraph {
	out := make(CallGraph, len(c))
	for fn, callees := range c {
		if _, ok := out[fn]; !ok {
			out[fn] = []ids.FunctionID{}
		}
		for _, callee := range callees {
			out[callee] = append(out[callee], fn)
		}
	}
	for fn := range out {
		out[fn] = ids.Dedupe(out[fn])
	}
	return out
}

// Functions returns every function mentioned by c, sorted.
func (c CallGraph) Functions() []ids.FunctionID {
	var out []ids.FunctionID
	for fn, callees := range c {
		out = append(out, fn)
		out = append(out, callees...)
	}
	return ids.Dedupe(out)
}

// Calls reports whether caller calls callee directly.
func (c CallGraph) Calls(caller, callee ids.FunctionID) bool {
	return slices.Contains(c[caller], callee)
}
