package graph

import (
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/roach88/keel/internal/ids"
)

// Graph is the program graph: the function, module, and type tables, the
// computational layer (nodes and edges), and the semantic skeleton.
type Graph struct {
	modules   arena[ids.ModuleID, Module]
	types     arena[ids.TypeID, TypeDef]
	functions arena[ids.FunctionID, Function]
	compute   computeLayer
	semantic  semanticLayer

	verify bool
	logger *slog.Logger
}

// computeLayer holds operations and their wiring. Data and control edges are
// indexed separately so algorithms can choose per kind whether they need
// cycle safety.
type computeLayer struct {
	nodes arena[ids.NodeID, Node]
	edges arena[ids.EdgeID, Edge]

	owned   map[ids.FunctionID]map[ids.NodeID]struct{}
	dataOut adjacency
	dataIn  adjacency
	ctrlOut adjacency
	ctrlIn  adjacency
}

type adjacency map[ids.NodeID]map[ids.EdgeID]struct{}

func (a adjacency) add(n ids.NodeID, e ids.EdgeID) {
	set, ok := a[n]
	if !ok {
		set = make(map[ids.EdgeID]struct{})
		a[n] = set
	}
	set[e] = struct{}{}
}

func (a adjacency) remove(n ids.NodeID, e ids.EdgeID) {
	set := a[n]
	delete(set, e)
	if len(set) == 0 {
		delete(a, n)
	}
}

func (a adjacency) sorted(n ids.NodeID) []ids.EdgeID {
	return ids.SortedKeys(a[n])
}

func (a adjacency) clone() adjacency {
	out := make(adjacency, len(a))
	for n, set := range a {
		out[n] = maps.Clone(set)
	}
	return out
}

// Option configures a Graph.
type Option func(*Graph)

// WithVerify enables the cross-layer consistency check after every
// mutation. On by default.
func WithVerify(on bool) Option {
	return func(g *Graph) { g.verify = on }
}

// WithLogger sets the logger used to report consistency failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		compute: computeLayer{
			owned:   make(map[ids.FunctionID]map[ids.NodeID]struct{}),
			dataOut: make(adjacency),
			dataIn:  make(adjacency),
			ctrlOut: make(adjacency),
			ctrlIn:  make(adjacency),
		},
		semantic: newSemanticLayer(),
		verify:   true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Clone returns a deep copy. Mutating the copy never affects g.
func (g *Graph) Clone() *Graph {
	owned := make(map[ids.FunctionID]map[ids.NodeID]struct{}, len(g.compute.owned))
	for f, set := range g.compute.owned {
		owned[f] = maps.Clone(set)
	}
	return &Graph{
		modules:   g.modules.clone(Module.clone),
		types:     g.types.clone(identity[TypeDef]),
		functions: g.functions.clone(Function.clone),
		compute: computeLayer{
			nodes:   g.compute.nodes.clone(Node.clone),
			edges:   g.compute.edges.clone(identity[Edge]),
			owned:   owned,
			dataOut: g.compute.dataOut.clone(),
			dataIn:  g.compute.dataIn.clone(),
			ctrlOut: g.compute.ctrlOut.clone(),
			ctrlIn:  g.compute.ctrlIn.clone(),
		},
		semantic: g.semantic.clone(),
		verify:   g.verify,
		logger:   g.logger,
	}
}

// Batch applies fn to a private working copy and swaps it in only if fn
// succeeds and the copy passes Verify. A half-applied batch is never
// observable through g.
func (g *Graph) Batch(fn func(tx *Graph) error) error {
	work := g.Clone()
	// Per-mutation checks are redundant inside a batch; verify once at the end.
	work.verify = false
	if err := fn(work); err != nil {
		return err
	}
	if err := work.Verify(); err != nil {
		g.logger.Error("batch left graph inconsistent", "error", err)
		return err
	}
	work.verify = g.verify
	*g = *work
	return nil
}

// SetLogger replaces the logger. Used by owners that configure logging
// after recomposing a graph.
func (g *Graph) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g.logger = l
}

// Node returns the node with the given id.
func (g *Graph) Node(id ids.NodeID) (Node, error) {
	n, ok := g.compute.nodes.get(id)
	if !ok {
		return Node{}, notFound(KindNode, uint64(id), g.compute.nodes.retired(id))
	}
	return n.clone(), nil
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(id ids.EdgeID) (Edge, error) {
	e, ok := g.compute.edges.get(id)
	if !ok {
		return Edge{}, notFound(KindEdge, uint64(id), g.compute.edges.retired(id))
	}
	return e, nil
}

// Function returns the function table entry.
func (g *Graph) Function(id ids.FunctionID) (Function, error) {
	f, ok := g.functions.get(id)
	if !ok {
		return Function{}, notFound(KindFunction, uint64(id), g.functions.retired(id))
	}
	return f.clone(), nil
}

// Module returns the module.
func (g *Graph) Module(id ids.ModuleID) (Module, error) {
	m, ok := g.modules.get(id)
	if !ok {
		return Module{}, notFound(KindModule, uint64(id), g.modules.retired(id))
	}
	return m.clone(), nil
}

// Type returns the type registry entry.
func (g *Graph) Type(id ids.TypeID) (TypeDef, error) {
	t, ok := g.types.get(id)
	if !ok {
		return TypeDef{}, notFound(KindType, uint64(id), g.types.retired(id))
	}
	return t, nil
}

// NodesOwnedBy returns the function's node ids in ascending order.
func (g *Graph) NodesOwnedBy(fn ids.FunctionID) ([]ids.NodeID, error) {
	if !g.functions.contains(fn) {
		return nil, notFound(KindFunction, uint64(fn), g.functions.retired(fn))
	}
	return ids.SortedKeys(g.compute.owned[fn]), nil
}

// EdgesFrom returns every outgoing edge of a node, data edges first, each
// group in ascending id order.
func (g *Graph) EdgesFrom(n ids.NodeID) ([]Edge, error) {
	if !g.compute.nodes.contains(n) {
		return nil, notFound(KindNode, uint64(n), g.compute.nodes.retired(n))
	}
	return g.collect(g.compute.dataOut.sorted(n), g.compute.ctrlOut.sorted(n)), nil
}

// EdgesTo returns every incoming edge of a node.
func (g *Graph) EdgesTo(n ids.NodeID) ([]Edge, error) {
	if !g.compute.nodes.contains(n) {
		return nil, notFound(KindNode, uint64(n), g.compute.nodes.retired(n))
	}
	return g.collect(g.compute.dataIn.sorted(n), g.compute.ctrlIn.sorted(n)), nil
}

// DataEdgesFrom returns only the outgoing data edges of a node.
func (g *Graph) DataEdgesFrom(n ids.NodeID) ([]Edge, error) {
	if !g.compute.nodes.contains(n) {
		return nil, notFound(KindNode, uint64(n), g.compute.nodes.retired(n))
	}
	return g.collect(g.compute.dataOut.sorted(n)), nil
}

// ControlEdgesFrom returns only the outgoing control edges of a node.
func (g *Graph) ControlEdgesFrom(n ids.NodeID) ([]Edge, error) {
	if !g.compute.nodes.contains(n) {
		return nil, notFound(KindNode, uint64(n), g.compute.nodes.retired(n))
	}
	return g.collect(g.compute.ctrlOut.sorted(n)), nil
}

func (g *Graph) collect(groups ...[]ids.EdgeID) []Edge {
	var out []Edge
	for _, group := range groups {
		for _, id := range group {
			e, _ := g.compute.edges.get(id)
			out = append(out, e)
		}
	}
	return out
}

// FunctionIDs returns every live function id in ascending order.
func (g *Graph) FunctionIDs() []ids.FunctionID {
	return g.functions.keys()
}

// ModuleIDs returns every live module id in ascending order.
func (g *Graph) ModuleIDs() []ids.ModuleID {
	return g.modules.keys()
}

// TypeIDs returns every registered type id in ascending order.
func (g *Graph) TypeIDs() []ids.TypeID {
	return g.types.keys()
}

// Callees returns the functions fn calls or closes over, from the semantic
// skeleton.
func (g *Graph) Callees(fn ids.FunctionID) ([]ids.FunctionID, error) {
	if !g.functions.contains(fn) {
		return nil, notFound(KindFunction, uint64(fn), g.functions.retired(fn))
	}
	return convertIDs[ids.FunctionID](g.semantic.targets(Calls, semFunction(fn))), nil
}

// Callers returns the functions that call or close over fn.
func (g *Graph) Callers(fn ids.FunctionID) ([]ids.FunctionID, error) {
	if !g.functions.contains(fn) {
		return nil, notFound(KindFunction, uint64(fn), g.functions.retired(fn))
	}
	return convertIDs[ids.FunctionID](g.semantic.sources(Calls, semFunction(fn))), nil
}

// UsedTypes returns the types fn's signature mentions.
func (g *Graph) UsedTypes(fn ids.FunctionID) ([]ids.TypeID, error) {
	if !g.functions.contains(fn) {
		return nil, notFound(KindFunction, uint64(fn), g.functions.retired(fn))
	}
	return convertIDs[ids.TypeID](g.semantic.targets(UsesType, semFunction(fn))), nil
}

// CallGraph maps every function to the sorted set of functions it calls.
// Functions without callees map to an empty slice.
func (g *Graph) CallGraph() map[ids.FunctionID][]ids.FunctionID {
	out := make(map[ids.FunctionID][]ids.FunctionID, g.functions.len())
	g.functions.each(func(id ids.FunctionID, _ Function) {
		out[id] = []ids.FunctionID{}
	})
	for k := range g.semantic.edges {
		if k.kind != Calls {
			continue
		}
		from := ids.FunctionID(k.from.ID)
		out[from] = append(out[from], ids.FunctionID(k.to.ID))
	}
	for f := range out {
		slices.Sort(out[f])
	}
	return out
}

// SemanticEdges returns the skeleton's edges in a deterministic order.
func (g *Graph) SemanticEdges() []SemanticEdge {
	return g.semantic.sorted()
}

// IsRetired reports whether id was issued for kind and later removed.
func (g *Graph) IsRetired(kind EntityKind, id uint64) bool {
	switch kind {
	case KindNode:
		return g.compute.nodes.retired(ids.NodeID(id))
	case KindEdge:
		return g.compute.edges.retired(ids.EdgeID(id))
	case KindFunction:
		return g.functions.retired(ids.FunctionID(id))
	case KindModule:
		return g.modules.retired(ids.ModuleID(id))
	case KindType:
		return g.types.retired(ids.TypeID(id))
	}
	return false
}

// Stats summarizes the graph's size.
type Stats struct {
	Modules       int `json:"modules"`
	Types         int `json:"types"`
	Functions     int `json:"functions"`
	Nodes         int `json:"nodes"`
	Edges         int `json:"edges"`
	SemanticNodes int `json:"semantic_nodes"`
	SemanticEdges int `json:"semantic_edges"`
}

// Stats returns live entity counts.
func (g *Graph) Stats() Stats {
	return Stats{
		Modules:       g.modules.len(),
		Types:         g.types.len(),
		Functions:     g.functions.len(),
		Nodes:         g.compute.nodes.len(),
		Edges:         g.compute.edges.len(),
		SemanticNodes: len(g.semantic.nodes),
		SemanticEdges: len(g.semantic.edges),
	}
}
