// Package lock arbitrates which agent may touch which function.
//
// Each function has one lock that is unlocked, held by any number of
// readers, or held by one writer. Requests that cannot be granted are
// denied immediately and the requester joins a FIFO queue; there is no
// blocking wait. Release and expiry promote the head of the queue. Holds
// carry a TTL and the periodic sweep force-releases expired holds, which is
// the only protection against agents that disappear without releasing.
//
// Batch write acquisition sorts the requested functions before trying any
// of them and is all-or-nothing, so two agents asking for overlapping sets
// always contend in the same order and cannot deadlock.
//
// Structural changes take the global lock, which excludes every other
// acquisition while it is held.
package lock
