package engine

import (
	"fmt"

	"github.com/roach88/keel/internal/graph"
	"github.com/roach88/keel/internal/ids"
)

// FunctionTx is the mutation surface of an Edit. Every change is confined
// to one function: nodes are added to it, and existing nodes and edges
// may be changed only if the function owns them (an edge is owned by its
// source node's function). Edges may point into other functions.
type FunctionTx struct {
	g  *graph.Graph
	fn ids.FunctionID

	// touched collects other functions whose hash the edit changes because
	// they hold edges into an edited or removed node.
	touched map[ids.FunctionID]struct{}
}

func newFunctionTx(g *graph.Graph, fn ids.FunctionID) *FunctionTx {
	return &FunctionTx{g: g, fn: fn, touched: make(map[ids.FunctionID]struct{})}
}

// Function returns the function being edited.
func (tx *FunctionTx) Function() ids.FunctionID {
	return tx.fn
}

// Node reads any node, including nodes of other functions.
func (tx *FunctionTx) Node(id ids.NodeID) (graph.Node, error) {
	return tx.g.Node(id)
}

// Nodes returns the function's node ids in ascending order.
func (tx *FunctionTx) Nodes() ([]ids.NodeID, error) {
	return tx.g.NodesOwnedBy(tx.fn)
}

// EdgesFrom returns a node's outgoing edges.
func (tx *FunctionTx) EdgesFrom(id ids.NodeID) ([]graph.Edge, error) {
	return tx.g.EdgesFrom(id)
}

// AddNode adds a node to the function.
func (tx *FunctionTx) AddNode(op graph.Op) (ids.NodeID, error) {
	return tx.g.AddNode(tx.fn, op)
}

// SetOp replaces the payload of one of the function's nodes.
func (tx *FunctionTx) SetOp(id ids.NodeID, op graph.Op) error {
	if err := tx.own(id); err != nil {
		return err
	}
	if err := tx.noteIncoming(id); err != nil {
		return err
	}
	return tx.g.SetOp(id, op)
}

// RemoveNode removes one of the function's nodes and its edges.
func (tx *FunctionTx) RemoveNode(id ids.NodeID) error {
	if err := tx.own(id); err != nil {
		return err
	}
	if err := tx.noteIncoming(id); err != nil {
		return err
	}
	return tx.g.RemoveNode(id)
}

// AddDataEdge adds a data edge from one of the function's nodes.
func (tx *FunctionTx) AddDataEdge(source, target ids.NodeID, sourcePort, targetPort uint32, valueType ids.TypeID) (ids.EdgeID, error) {
	if err := tx.own(source); err != nil {
		return 0, err
	}
	return tx.g.AddDataEdge(source, target, sourcePort, targetPort, valueType)
}

// AddControlEdge adds a control edge from one of the function's nodes.
func (tx *FunctionTx) AddControlEdge(source, target ids.NodeID, branch *uint32) (ids.EdgeID, error) {
	if err := tx.own(source); err != nil {
		return 0, err
	}
	return tx.g.AddControlEdge(source, target, branch)
}

// RemoveEdge removes an edge whose source the function owns.
func (tx *FunctionTx) RemoveEdge(id ids.EdgeID) error {
	e, err := tx.g.Edge(id)
	if err != nil {
		return err
	}
	if err := tx.own(e.Source); err != nil {
		return fmt.Errorf("edge %s: %w", id, err)
	}
	return tx.g.RemoveEdge(id)
}

// SetEntry marks one of the function's nodes as its entry.
func (tx *FunctionTx) SetEntry(id ids.NodeID) error {
	return tx.g.SetEntry(tx.fn, id)
}

func (tx *FunctionTx) own(id ids.NodeID) error {
	n, err := tx.g.Node(id)
	if err != nil {
		return err
	}
	if n.Owner != tx.fn {
		return fmt.Errorf("%w: %s belongs to %s, not %s", ErrOutsideFunction, id, n.Owner, tx.fn)
	}
	return nil
}

func (tx *FunctionTx) noteIncoming(id ids.NodeID) error {
	in, err := tx.g.EdgesTo(id)
	if err != nil {
		return err
	}
	for _, e := range in {
		src, err := tx.g.Node(e.Source)
		if err != nil {
			return err
		}
		if src.Owner != tx.fn {
			tx.touched[src.Owner] = struct{}{}
		}
	}
	return nil
}
