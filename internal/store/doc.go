// Package store persists program graphs and hash snapshots in SQLite.
//
// A graph is stored as its decomposed rows, one table per entity kind,
// with the id counters in the meta table so retired ids stay retired
// after a reload. Op attributes are stored as canonical JSON text.
// Snapshots map function ids to compilation hashes and back the
// "what changed since" planning of the CLI.
//
// # Deterministic Reads
//
// Every query orders by id (or by snapshot seq), so LoadRows returns the
// same rows in the same order for the same database.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
