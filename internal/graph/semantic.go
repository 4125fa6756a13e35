package graph

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/keel/internal/ids"
)

// SemanticKind is the kind of a semantic skeleton node.
type SemanticKind uint8

const (
	SemModule SemanticKind = iota + 1
	SemFunction
	SemType
)

func (k SemanticKind) String() string {
	switch k {
	case SemModule:
		return "module"
	case SemFunction:
		return "function"
	case SemType:
		return "type"
	default:
		return "unknown"
	}
}

// SemanticNode names a module, function, or type in the skeleton.
type SemanticNode struct {
	Kind SemanticKind
	ID   uint64
}

func (n SemanticNode) String() string {
	return fmt.Sprintf("%s:%d", n.Kind, n.ID)
}

func semFunction(id ids.FunctionID) SemanticNode { return SemanticNode{Kind: SemFunction, ID: uint64(id)} }
func semModule(id ids.ModuleID) SemanticNode     { return SemanticNode{Kind: SemModule, ID: uint64(id)} }
func semType(id ids.TypeID) SemanticNode         { return SemanticNode{Kind: SemType, ID: uint64(id)} }

// SemanticEdgeKind is the relationship a skeleton edge records.
type SemanticEdgeKind uint8

const (
	Contains SemanticEdgeKind = iota + 1
	Calls
	UsesType
)

func (k SemanticEdgeKind) String() string {
	switch k {
	case Contains:
		return "contains"
	case Calls:
		return "calls"
	case UsesType:
		return "uses_type"
	default:
		return "unknown"
	}
}

// SemanticEdge is a skeleton edge with its multiplicity. Calls edges count
// call and closure nodes; UsesType edges count signature mentions.
type SemanticEdge struct {
	Kind  SemanticEdgeKind
	From  SemanticNode
	To    SemanticNode
	Count int
}

type semKey struct {
	kind SemanticEdgeKind
	from SemanticNode
	to   SemanticNode
}

// semanticLayer is the module/function/type skeleton. It carries no
// operation detail.
type semanticLayer struct {
	nodes map[SemanticNode]struct{}
	edges map[semKey]int
}

func newSemanticLayer() semanticLayer {
	return semanticLayer{
		nodes: make(map[SemanticNode]struct{}),
		edges: make(map[semKey]int),
	}
}

func (s *semanticLayer) addNode(n SemanticNode) {
	s.nodes[n] = struct{}{}
}

// removeNode drops n and every edge touching it.
func (s *semanticLayer) removeNode(n SemanticNode) {
	delete(s.nodes, n)
	for k := range s.edges {
		if k.from == n || k.to == n {
			delete(s.edges, k)
		}
	}
}

func (s *semanticLayer) link(kind SemanticEdgeKind, from, to SemanticNode) {
	s.edges[semKey{kind: kind, from: from, to: to}]++
}

func (s *semanticLayer) unlink(kind SemanticEdgeKind, from, to SemanticNode) {
	k := semKey{kind: kind, from: from, to: to}
	if s.edges[k] <= 1 {
		delete(s.edges, k)
		return
	}
	s.edges[k]--
}

func (s *semanticLayer) clone() semanticLayer {
	return semanticLayer{
		nodes: maps.Clone(s.nodes),
		edges: maps.Clone(s.edges),
	}
}

func (s *semanticLayer) targets(kind SemanticEdgeKind, from SemanticNode) []uint64 {
	var out []uint64
	for k := range s.edges {
		if k.kind == kind && k.from == from {
			out = append(out, k.to.ID)
		}
	}
	slices.Sort(out)
	return out
}

func (s *semanticLayer) sources(kind SemanticEdgeKind, to SemanticNode) []uint64 {
	var out []uint64
	for k := range s.edges {
		if k.kind == kind && k.to == to {
			out = append(out, k.from.ID)
		}
	}
	slices.Sort(out)
	return out
}

// sorted returns every edge in a deterministic order.
func (s *semanticLayer) sorted() []SemanticEdge {
	out := make([]SemanticEdge, 0, len(s.edges))
	for k, n := range s.edges {
		out = append(out, SemanticEdge{Kind: k.kind, From: k.from, To: k.to, Count: n})
	}
	slices.SortFunc(out, func(a, b SemanticEdge) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.From.Kind, b.From.Kind),
			cmp.Compare(a.From.ID, b.From.ID),
			cmp.Compare(a.To.Kind, b.To.Kind),
			cmp.Compare(a.To.ID, b.To.ID),
		)
	})
	return out
}

func convertIDs[T ids.ID](in []uint64) []T {
	out := make([]T, len(in))
	for i, v := range in {
		out[i] = T(v)
	}
	return out
}
