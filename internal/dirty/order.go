package dirty

import (
	"slices"

	"github.com/roach88/keel/internal/ids"
)

// RebuildOrder groups the plan's dirty functions into strongly connected
// components of the call graph restricted to the dirty set. Components come
// callee first, so each one can be rebuilt after everything it calls.
// Mutually recursive functions share a component. Members are sorted.
func RebuildOrder(plan Plan, calls CallGraph) [][]ids.FunctionID {
	dirty := plan.Dirty()
	in := make(map[ids.FunctionID]bool, len(dirty))
	for _, fn := range dirty {
		in[fn] = true
	}
	sub := make(CallGraph, len(dirty))
	for _, fn := range dirty {
		var callees []ids.FunctionID
		for _, callee := range ids.Dedupe(calls[fn]) {
			if in[callee] {
				callees = append(callees, callee)
			}
		}
		sub[fn] = callees
	}
	return tarjanSCC(sub, dirty)
}

// Cycles returns the components of calls with more than one member or a
// self call: the recursive groups of the program.
func Cycles(calls CallGraph) [][]ids.FunctionID {
	var out [][]ids.FunctionID
	for _, scc := range tarjanSCC(calls, calls.Functions()) {
		if len(scc) > 1 || calls.Calls(scc[0], scc[0]) {
			out = append(out, scc)
		}
	}
	return out
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Roots are visited in the given order and successors in ascending order,
// so the output is deterministic. A component is emitted only after every
// component reachable from it.
func tarjanSCC(graph CallGraph, roots []ids.FunctionID) [][]ids.FunctionID {
	var (
		index   = 0
		stack   []ids.FunctionID
		indices = make(map[ids.FunctionID]int)
		lowlink = make(map[ids.FunctionID]int)
		onStack = make(map[ids.FunctionID]bool)
		sccs    [][]ids.FunctionID
	)

	var strongConnect func(ids.FunctionID)
	strongConnect = func(v ids.FunctionID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []ids.FunctionID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for _, v := range roots {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	return sccs
}
