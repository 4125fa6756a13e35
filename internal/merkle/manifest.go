package merkle

import (
	"maps"

	"github.com/roach88/keel/internal/ids"
)

// Manifest is a function hash together with the hashes it was built from.
// Node entries are content hashes. Edge entries cover each outgoing edge's
// payload together with its target's content.
type Manifest struct {
	Function  ids.FunctionID      `json:"function"`
	Root      Hash                `json:"root"`
	Signature Hash                `json:"signature"`
	Nodes     map[ids.NodeID]Hash `json:"nodes"`
	Edges     map[ids.EdgeID]Hash `json:"edges"`
}

// NodeIDs returns the hashed node ids in ascending order.
func (m Manifest) NodeIDs() []ids.NodeID {
	return ids.SortedKeys(m.Nodes)
}

// EdgeIDs returns the hashed edge ids in ascending order.
func (m Manifest) EdgeIDs() []ids.EdgeID {
	return ids.SortedKeys(m.Edges)
}

// Clone returns a copy that shares no maps with m.
func (m Manifest) Clone() Manifest {
	m.Nodes = maps.Clone(m.Nodes)
	m.Edges = maps.Clone(m.Edges)
	return m
}
