// Package engine is the shared container agents work against.
//
// It owns the program graph behind a reader/writer mutex together with the
// lock manager, the conflict detector, the dirty tracker, and a logical
// revision clock. Every agent-facing operation goes through it:
//
//	agent := e.Locks().RegisterAgent("planner")
//	v, _ := e.Read(agent, fn)                      // needs a read lock
//	h, err := e.Edit(agent, fn, v.Hash, func(tx *engine.FunctionTx) error {
//		_, err := tx.AddNode(graph.Const(canon.Int(1)))
//		return err
//	})                                              // needs the write lock
//
// Edits are optimistic: the expected hash is checked under the write lock,
// the edit is applied to a working copy, and the copy is swapped in only if
// the graph stays consistent. Structural changes that span functions
// (adding or removing functions, modules, or types) need the global lock.
//
// The revision clock is logical. Wall-clock time is only used for lock
// expiry and for stamping dirty marks.
package engine
