// Package store provides SQLite-backed durable storage for the proof chain.
//
// The proof_records table is append-only:
//   - UPDATE and DELETE are rejected by triggers
//   - INSERT must use the next contiguous seq
//   - Reads are ordered by seq ASC
//
// node_signals holds what is attached to a node between recorded
// transitions: an undecided review's decision and canary request counts.
// It is mutable and outside the chain, and the engine clears a row once
// the node leaves the stage the row belongs to.
//
// The schema is versioned with PRAGMA user_version; Open runs every
// migration above the stored version in one transaction.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: an acknowledged append is on disk
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Hashes are computed by internal/ir; the store persists them verbatim and
// never recomputes them, so verification always reflects what is on disk.
package store
