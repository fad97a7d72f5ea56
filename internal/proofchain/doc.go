// Package proofchain implements the tamper-evident ledger of admission
// transitions.
//
// Each record carries a payload (canonical JSON of the decision and the
// resulting node state), the hash of that payload, the hash of the previous
// record and its own hash over those fields. Record 0 links to GenesisHash.
// Storage is pluggable through Backend; the SQLite implementation lives in
// internal/store.
package proofchain
