package graph

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/keel/internal/ids"
)

// Rows is the flat, storage-ready form of a graph. Recompose(g.Decompose())
// reproduces every id, including the gaps left by retired ids.
type Rows struct {
	Modules   []ModuleRow `json:"modules"`
	Types     []TypeDef   `json:"types"`
	Functions []Function  `json:"functions"`
	Nodes     []Node      `json:"nodes"`
	Edges     []Edge      `json:"edges"`
	Counters  Counters    `json:"counters"`
}

// ModuleRow is a module without its derived membership lists.
type ModuleRow struct {
	ID         ids.ModuleID `json:"id"`
	Name       string       `json:"name"`
	Parent     ids.ModuleID `json:"parent,omitempty"`
	Visibility Visibility   `json:"visibility"`
}

// Counters records the next id of each kind. Every id below a counter that
// has no row is retired.
type Counters struct {
	NextModule   ids.ModuleID   `json:"next_module"`
	NextType     ids.TypeID     `json:"next_type"`
	NextFunction ids.FunctionID `json:"next_function"`
	NextNode     ids.NodeID     `json:"next_node"`
	NextEdge     ids.EdgeID     `json:"next_edge"`
}

// Decompose flattens the graph into rows sorted by id.
func (g *Graph) Decompose() Rows {
	rows := Rows{
		Modules:   []ModuleRow{},
		Types:     []TypeDef{},
		Functions: []Function{},
		Nodes:     []Node{},
		Edges:     []Edge{},
		Counters: Counters{
			NextModule:   g.modules.next(),
			NextType:     g.types.next(),
			NextFunction: g.functions.next(),
			NextNode:     g.compute.nodes.next(),
			NextEdge:     g.compute.edges.next(),
		},
	}
	g.modules.each(func(id ids.ModuleID, m Module) {
		rows.Modules = append(rows.Modules, ModuleRow{ID: id, Name: m.Name, Parent: m.Parent, Visibility: m.Visibility})
	})
	g.types.each(func(_ ids.TypeID, t TypeDef) {
		rows.Types = append(rows.Types, t)
	})
	g.functions.each(func(_ ids.FunctionID, f Function) {
		rows.Functions = append(rows.Functions, f.clone())
	})
	g.compute.nodes.each(func(_ ids.NodeID, n Node) {
		rows.Nodes = append(rows.Nodes, n.clone())
	})
	g.compute.edges.each(func(_ ids.EdgeID, e Edge) {
		rows.Edges = append(rows.Edges, e)
	})
	return rows
}

// Recompose rebuilds a graph from rows given in any order. Both layers and
// every index are derived again from the rows; the result is verified.
func Recompose(rows Rows, opts ...Option) (*Graph, error) {
	g := New(opts...)
	verify := g.verify
	g.verify = false

	if err := g.reserveCounters(rows.Counters); err != nil {
		return nil, fmt.Errorf("recompose: %w", err)
	}

	modules := slices.Clone(rows.Modules)
	slices.SortFunc(modules, func(a, b ModuleRow) int { return cmp.Compare(a.ID, b.ID) })
	for _, m := range modules {
		if !m.ID.IsValid() || m.ID >= rows.Counters.NextModule {
			return nil, fmt.Errorf("recompose: module id %d outside counter %d", m.ID, rows.Counters.NextModule)
		}
		if err := g.modules.restore(m.ID, Module{ID: m.ID, Name: m.Name, Parent: m.Parent, Visibility: m.Visibility}); err != nil {
			return nil, fmt.Errorf("recompose module %s: %w", m.ID, err)
		}
		g.semantic.addNode(semModule(m.ID))
	}
	for _, m := range modules {
		if !m.Parent.IsValid() {
			continue
		}
		p := g.modules.ptr(m.Parent)
		if p == nil {
			return nil, fmt.Errorf("recompose module %s: %w", m.ID, notFound(KindModule, uint64(m.Parent), false))
		}
		p.Children = insertSorted(p.Children, m.ID)
		g.semantic.link(Contains, semModule(m.Parent), semModule(m.ID))
	}

	for _, t := range rows.Types {
		if !t.ID.IsValid() || t.ID >= rows.Counters.NextType {
			return nil, fmt.Errorf("recompose: type id %d outside counter %d", t.ID, rows.Counters.NextType)
		}
		if err := g.types.restore(t.ID, t); err != nil {
			return nil, fmt.Errorf("recompose type %s: %w", t.ID, err)
		}
		g.semantic.addNode(semType(t.ID))
		if t.Module.IsValid() {
			m := g.modules.ptr(t.Module)
			if m == nil {
				return nil, fmt.Errorf("recompose type %s: %w", t.ID, notFound(KindModule, uint64(t.Module), false))
			}
			m.Types = insertSorted(m.Types, t.ID)
			g.semantic.link(Contains, semModule(t.Module), semType(t.ID))
		}
	}

	for _, f := range rows.Functions {
		if !f.ID.IsValid() || f.ID >= rows.Counters.NextFunction {
			return nil, fmt.Errorf("recompose: function id %d outside counter %d", f.ID, rows.Counters.NextFunction)
		}
		m := g.modules.ptr(f.Module)
		if m == nil {
			return nil, fmt.Errorf("recompose function %s: %w", f.ID, notFound(KindModule, uint64(f.Module), false))
		}
		for _, t := range f.typeRefs() {
			if !g.types.contains(t) {
				return nil, fmt.Errorf("recompose function %s: %w: %s", f.ID, ErrUnknownType, t)
			}
		}
		if err := g.functions.restore(f.ID, f.clone()); err != nil {
			return nil, fmt.Errorf("recompose function %s: %w", f.ID, err)
		}
		g.compute.owned[f.ID] = make(map[ids.NodeID]struct{})
		m.Functions = insertSorted(m.Functions, f.ID)
		g.semantic.addNode(semFunction(f.ID))
		g.semantic.link(Contains, semModule(f.Module), semFunction(f.ID))
		for _, t := range f.typeRefs() {
			g.semantic.link(UsesType, semFunction(f.ID), semType(t))
		}
	}

	for _, n := range rows.Nodes {
		if !n.ID.IsValid() || n.ID >= rows.Counters.NextNode {
			return nil, fmt.Errorf("recompose: node id %d outside counter %d", n.ID, rows.Counters.NextNode)
		}
		if !g.functions.contains(n.Owner) {
			return nil, fmt.Errorf("recompose node %s: %w", n.ID, notFound(KindFunction, uint64(n.Owner), false))
		}
		if err := g.validateOp(n.Op); err != nil {
			return nil, fmt.Errorf("recompose node %s: %w", n.ID, err)
		}
		if err := g.compute.nodes.restore(n.ID, n.clone()); err != nil {
			return nil, fmt.Errorf("recompose node %s: %w", n.ID, err)
		}
		g.compute.owned[n.Owner][n.ID] = struct{}{}
		if n.Op.Kind.References() {
			g.semantic.link(Calls, semFunction(n.Owner), semFunction(n.Op.Callee))
		}
	}

	for _, e := range rows.Edges {
		if !e.ID.IsValid() || e.ID >= rows.Counters.NextEdge {
			return nil, fmt.Errorf("recompose: edge id %d outside counter %d", e.ID, rows.Counters.NextEdge)
		}
		if err := g.checkEndpoints(e.Source, e.Target); err != nil {
			return nil, fmt.Errorf("recompose edge %s: %w", e.ID, err)
		}
		switch e.Kind {
		case EdgeData:
			if !g.types.contains(e.ValueType) {
				return nil, fmt.Errorf("recompose edge %s: %w: %s", e.ID, ErrUnknownType, e.ValueType)
			}
			g.compute.dataOut.add(e.Source, e.ID)
			g.compute.dataIn.add(e.Target, e.ID)
		case EdgeControl:
			g.compute.ctrlOut.add(e.Source, e.ID)
			g.compute.ctrlIn.add(e.Target, e.ID)
		default:
			return nil, fmt.Errorf("recompose edge %s: %w", e.ID, invalid("edge kind %d", e.Kind))
		}
		if err := g.compute.edges.restore(e.ID, e); err != nil {
			return nil, fmt.Errorf("recompose edge %s: %w", e.ID, err)
		}
	}

	if err := g.Verify(); err != nil {
		return nil, fmt.Errorf("recompose: %w", err)
	}
	g.verify = verify
	return g, nil
}

func (g *Graph) reserveCounters(c Counters) error {
	if err := g.modules.reserve(c.NextModule); err != nil {
		return fmt.Errorf("modules: %w", err)
	}
	if err := g.types.reserve(c.NextType); err != nil {
		return fmt.Errorf("types: %w", err)
	}
	if err := g.functions.reserve(c.NextFunction); err != nil {
		return fmt.Errorf("functions: %w", err)
	}
	if err := g.compute.nodes.reserve(c.NextNode); err != nil {
		return fmt.Errorf("nodes: %w", err)
	}
	if err := g.compute.edges.reserve(c.NextEdge); err != nil {
		return fmt.Errorf("edges: %w", err)
	}
	return nil
}
