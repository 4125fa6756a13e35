package graph

import (
	"fmt"

	"github.com/roach88/keel/internal/ids"
)

// Verify checks every cross-layer invariant and returns an
// *InconsistentError listing each violation, or nil.
//
// Checked:
//   - each live function has exactly one semantic node, and every semantic
//     node names a live module, function, or type
//   - node owners exist and the ownership index matches node owners
//   - edge endpoints exist and each edge is indexed on both ends
//   - Calls multiplicities equal the call and closure node counts
//   - Contains and UsesType edges match the tables
//   - the data subgraph is acyclic
func (g *Graph) Verify() error {
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	want := newSemanticLayer()
	g.modules.each(func(id ids.ModuleID, m Module) {
		want.addNode(semModule(id))
		if m.Parent.IsValid() {
			if !g.modules.contains(m.Parent) {
				report("module %s has missing parent %s", id, m.Parent)
			}
			want.link(Contains, semModule(m.Parent), semModule(id))
		}
	})
	g.types.each(func(id ids.TypeID, t TypeDef) {
		want.addNode(semType(id))
		if t.Module.IsValid() {
			want.link(Contains, semModule(t.Module), semType(id))
		}
	})
	g.functions.each(func(id ids.FunctionID, f Function) {
		want.addNode(semFunction(id))
		if !g.modules.contains(f.Module) {
			report("function %s has missing module %s", id, f.Module)
		}
		want.link(Contains, semModule(f.Module), semFunction(id))
		for _, t := range f.typeRefs() {
			want.link(UsesType, semFunction(id), semType(t))
		}
		if _, ok := g.compute.owned[id]; !ok {
			report("function %s has no ownership index", id)
		}
		if f.Entry.IsValid() {
			if n, ok := g.compute.nodes.get(f.Entry); !ok || n.Owner != id {
				report("function %s entry %s is not an owned node", id, f.Entry)
			}
		}
	})

	owned := 0
	g.compute.nodes.each(func(id ids.NodeID, n Node) {
		if !g.functions.contains(n.Owner) {
			report("node %s has missing owner %s", id, n.Owner)
			return
		}
		if _, ok := g.compute.owned[n.Owner][id]; !ok {
			report("node %s missing from ownership index of %s", id, n.Owner)
		}
		if n.Op.Kind.References() {
			want.link(Calls, semFunction(n.Owner), semFunction(n.Op.Callee))
		}
	})
	for f, set := range g.compute.owned {
		if !g.functions.contains(f) {
			report("ownership index for missing function %s", f)
		}
		owned += len(set)
	}
	if owned != g.compute.nodes.len() {
		report("ownership index holds %d nodes, arena holds %d", owned, g.compute.nodes.len())
	}

	indexed := 0
	g.compute.edges.each(func(id ids.EdgeID, e Edge) {
		if !g.compute.nodes.contains(e.Source) || !g.compute.nodes.contains(e.Target) {
			report("edge %s has a missing endpoint", id)
			return
		}
		out, in := g.compute.dataOut, g.compute.dataIn
		if e.Kind == EdgeControl {
			out, in = g.compute.ctrlOut, g.compute.ctrlIn
		}
		if _, ok := out[e.Source][id]; !ok {
			report("edge %s missing from source index", id)
		}
		if _, ok := in[e.Target][id]; !ok {
			report("edge %s missing from target index", id)
		}
	})
	for _, adj := range []adjacency{g.compute.dataOut, g.compute.ctrlOut} {
		for _, set := range adj {
			indexed += len(set)
		}
	}
	if indexed != g.compute.edges.len() {
		report("adjacency holds %d edges, arena holds %d", indexed, g.compute.edges.len())
	}

	for n := range g.semantic.nodes {
		if _, ok := want.nodes[n]; !ok {
			report("stray semantic node %s", n)
		}
	}
	for n := range want.nodes {
		if _, ok := g.semantic.nodes[n]; !ok {
			report("missing semantic node %s", n)
		}
	}
	for k, c := range want.edges {
		if got := g.semantic.edges[k]; got != c {
			report("semantic %s edge %s -> %s has count %d, want %d", k.kind, k.from, k.to, got, c)
		}
	}
	for k, c := range g.semantic.edges {
		if _, ok := want.edges[k]; !ok {
			report("stray semantic %s edge %s -> %s (count %d)", k.kind, k.from, k.to, c)
		}
	}

	if n, ok := g.findDataCycle(); ok {
		report("data cycle through %s", n)
	}

	if len(problems) > 0 {
		return &InconsistentError{Problems: problems}
	}
	return nil
}

// findDataCycle runs an iterative three-color DFS over data edges.
func (g *Graph) findDataCycle() (ids.NodeID, bool) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[ids.NodeID]int)
	type frame struct {
		node  ids.NodeID
		edges []ids.EdgeID
	}
	for _, start := range g.compute.nodes.keys() {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start, edges: g.compute.dataOut.sorted(start)}}
		color[start] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if len(top.edges) == 0 {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			e, _ := g.compute.edges.get(top.edges[0])
			top.edges = top.edges[1:]
			switch color[e.Target] {
			case grey:
				return e.Target, true
			case white:
				color[e.Target] = grey
				stack = append(stack, frame{node: e.Target, edges: g.compute.dataOut.sorted(e.Target)})
			}
		}
	}
	return 0, false
}
