// Package graph stores a program as a flat graph of typed operation nodes
// joined by data and control edges, plus a lightweight semantic skeleton of
// modules, functions, and types.
//
// The two layers share one identifier space and are mutated only through the
// methods on Graph, which keep them consistent:
//   - every function in the function table has exactly one semantic node
//   - semantic Calls edges mirror the call and closure nodes of the compute layer
//   - identifiers are never reused; removal retires an id permanently
//
// A node belongs to exactly one function (its owner). Cross-function
// references are expressed by edges or by a call node's callee, never by
// nesting. Data edges form a DAG with one producer per target port; control
// edges may form cycles.
//
// Graph is not safe for concurrent use. Callers that share a graph wrap it
// (see internal/engine) and funnel mutation through a single gate.
package graph
