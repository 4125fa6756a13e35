// Package merkle computes content-addressed function hashes over the
// program graph.
//
// Hashing runs in two passes per function. The content pass hashes each
// owned node's canonical payload and owner. The composite pass seeds a hash
// with a node's content hash and feeds its outgoing edges in a fixed order,
// each followed by the content hash of the edge target. The function root
// hash covers a signature record and every (node id, composite) pair in
// ascending id order. Only content hashes cross node boundaries, so control
// cycles never need a topological order.
//
// Domain separation follows the same rule as every other content hash in
// this repository: H(domain || 0x00 || data), with a version suffix on the
// domain so the algorithm can migrate.
package merkle
