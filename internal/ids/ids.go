// Package ids defines the stable identifiers shared by every layer of the
// program graph.
//
// Each entity kind has its own named type so that a NodeID can never be
// passed where a FunctionID is expected, even though both are integers.
// Zero is the invalid sentinel for every kind; the first id issued is 1.
// Identifiers are never reused: a removed entity retires its id forever.
package ids

import (
	"cmp"
	"fmt"
	"slices"
)

// NodeID identifies a compute node.
type NodeID uint64

// EdgeID identifies a data or control edge.
type EdgeID uint64

// FunctionID identifies a function.
type FunctionID uint64

// ModuleID identifies a module.
type ModuleID uint64

// TypeID identifies a registered type.
type TypeID uint64

// AgentID is an opaque agent identity. How it is authenticated is up to the
// caller.
type AgentID string

// Invalid id constants (zero is sentinel).
const (
	NoNode     NodeID     = 0
	NoEdge     EdgeID     = 0
	NoFunction FunctionID = 0
	NoModule   ModuleID   = 0
	NoType     TypeID     = 0
)

// IsValid returns true if the id is non-zero.
func (id NodeID) IsValid() bool     { return id != NoNode }
func (id EdgeID) IsValid() bool     { return id != NoEdge }
func (id FunctionID) IsValid() bool { return id != NoFunction }
func (id ModuleID) IsValid() bool   { return id != NoModule }
func (id TypeID) IsValid() bool     { return id != NoType }

func (id NodeID) String() string     { return fmt.Sprintf("n%d", uint64(id)) }
func (id EdgeID) String() string     { return fmt.Sprintf("e%d", uint64(id)) }
func (id FunctionID) String() string { return fmt.Sprintf("f%d", uint64(id)) }
func (id ModuleID) String() string   { return fmt.Sprintf("m%d", uint64(id)) }
func (id TypeID) String() string     { return fmt.Sprintf("t%d", uint64(id)) }

// ID is the constraint satisfied by every integer-backed identifier.
type ID interface {
	~uint64
}

// Sort sorts ids in ascending numeric order and returns the slice.
func Sort[T ID](s []T) []T {
	slices.Sort(s)
	return s
}

// SortedKeys returns the keys of m in ascending numeric order.
func SortedKeys[K ID, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp.Compare[K])
	return keys
}

// Dedupe sorts s and removes duplicate ids.
func Dedupe[T ID](s []T) []T {
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}
