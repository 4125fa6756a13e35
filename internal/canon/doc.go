// Package canon provides the constrained value model and the canonical JSON
// serialization used for every hashed payload in the graph.
//
// Canonical output follows RFC 8785:
//   - object keys sorted by UTF-16 code units
//   - strings NFC normalized, only quote, backslash, and control characters escaped
//   - no floats and no null
//
// MarshalCanonical is the ONLY serialization that may feed a content hash.
package canon
