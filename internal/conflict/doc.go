// Package conflict implements optimistic conflict detection for function
// edits.
//
// An agent remembers the hash it saw when it last read a function. Before
// applying an edit it asks the detector to compare that hash with the
// current one. Any mismatch is a conflict, whether or not the intervening
// change overlaps the agent's edit: edges tie nodes together, so disjoint
// node sets do not imply disjoint edits. The conflict carries a structured
// diff built from recorded manifests so the agent can decide how to retry.
// Nothing is ever merged automatically.
package conflict
