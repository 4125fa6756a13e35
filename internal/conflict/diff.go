package conflict

import (
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/ids"
	"github.com/roach88/keel/internal/merkle"
)

// Diff describes how a function changed between the state a caller
// expected and the current state. Node ids are stable, so the owned node
// sets of both states line up by id. Every slice is sorted.
type Diff struct {
	Function ids.FunctionID `json:"function"`
	Expected merkle.Hash    `json:"expected"`
	Current  merkle.Hash    `json:"current"`

	// BaselineKnown is false when the expected hash is not in the history.
	// The added/removed/modified sets are then empty and CurrentNodes and
	// CurrentEdges list the current state instead.
	BaselineKnown bool `json:"baseline_known"`

	SignatureChanged bool `json:"signature_changed,omitempty"`

	AddedNodes    []ids.NodeID `json:"added_nodes"`
	RemovedNodes  []ids.NodeID `json:"removed_nodes"`
	ModifiedNodes []ids.NodeID `json:"modified_nodes"`

	AddedEdges    []ids.EdgeID `json:"added_edges"`
	RemovedEdges  []ids.EdgeID `json:"removed_edges"`
	ModifiedEdges []ids.EdgeID `json:"modified_edges"`

	CurrentNodes []ids.NodeID `json:"current_nodes,omitempty"`
	CurrentEdges []ids.EdgeID `json:"current_edges,omitempty"`
}

// Compare diffs two manifests of the same function.
func Compare(expected, current merkle.Manifest) Diff {
	d := Diff{
		Function:         current.Function,
		Expected:         expected.Root,
		Current:          current.Root,
		BaselineKnown:    true,
		SignatureChanged: expected.Signature != current.Signature,
	}
	d.AddedNodes, d.RemovedNodes, d.ModifiedNodes = compareSets(expected.Nodes, current.Nodes)
	d.AddedEdges, d.RemovedEdges, d.ModifiedEdges = compareSets(expected.Edges, current.Edges)
	return d
}

// unknownBaseline describes current when the expected state cannot be
// reconstructed.
func unknownBaseline(expected merkle.Hash, current merkle.Manifest) Diff {
	return Diff{
		Function:      current.Function,
		Expected:      expected,
		Current:       current.Root,
		AddedNodes:    []ids.NodeID{},
		RemovedNodes:  []ids.NodeID{},
		ModifiedNodes: []ids.NodeID{},
		AddedEdges:    []ids.EdgeID{},
		RemovedEdges:  []ids.EdgeID{},
		ModifiedEdges: []ids.EdgeID{},
		CurrentNodes:  current.NodeIDs(),
		CurrentEdges:  current.EdgeIDs(),
	}
}

func compareSets[K ids.ID](before, after map[K]merkle.Hash) (added, removed, modified []K) {
	added, removed, modified = []K{}, []K{}, []K{}
	for _, id := range ids.SortedKeys(after) {
		old, ok := before[id]
		switch {
		case !ok:
			added = append(added, id)
		case old != after[id]:
			modified = append(modified, id)
		}
	}
	for _, id := range ids.SortedKeys(before) {
		if _, ok := after[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed, modified
}

// Empty reports whether the diff lists no node, edge, or signature change.
func (d Diff) Empty() bool {
	return !d.SignatureChanged &&
		len(d.AddedNodes)+len(d.RemovedNodes)+len(d.ModifiedNodes) == 0 &&
		len(d.AddedEdges)+len(d.RemovedEdges)+len(d.ModifiedEdges) == 0
}

// TouchesNode reports whether n was added, removed, or modified.
func (d Diff) TouchesNode(n ids.NodeID) bool {
	for _, set := range [][]ids.NodeID{d.AddedNodes, d.RemovedNodes, d.ModifiedNodes} {
		for _, id := range set {
			if id == n {
				return true
			}
		}
	}
	return false
}

// Summary renders counts, e.g. "nodes +1 -0 ~2, edges +1 -1 ~0".
func (d Diff) Summary() string {
	if !d.BaselineKnown {
		return fmt.Sprintf("baseline unknown; %d nodes, %d edges now", len(d.CurrentNodes), len(d.CurrentEdges))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "nodes +%d -%d ~%d, edges +%d -%d ~%d",
		len(d.AddedNodes), len(d.RemovedNodes), len(d.ModifiedNodes),
		len(d.AddedEdges), len(d.RemovedEdges), len(d.ModifiedEdges))
	if d.SignatureChanged {
		b.WriteString(", signature changed")
	}
	return b.String()
}
