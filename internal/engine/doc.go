// Package engine implements the admission orchestrator.
//
// The engine ties the pieces together: the identity anchor derives a node
// at registration, the gate evaluates each stage exit, and every accepted
// transition is appended to the proof chain before the node changes.
//
// ARCHITECTURE:
//
// Per-node serialization:
// Each node has its own mutex, held from evaluation through append. Nodes
// progress independently and in parallel; one node never has two
// transitions evaluated at once.
//
// Single ordering point:
// All transitions of all nodes are totally ordered by the chain's Append.
// If the chain fails verification it halts, and every transition fails
// with INTEGRITY_VIOLATION until ResumeLedger succeeds.
//
// Signals and timers:
// Review is a deadline on a ticket plus a decision delivered through
// SubmitReview. Canary traffic arrives through RecordCanary and
// AggregateCanary. With auto-verification enabled, the engine arms a
// Clock timer at each review deadline and canary window end and advances
// the node when it fires; without it, callers invoke Advance.
//
// Restart:
// New rebuilds the registry from the chain's payloads, so the ledger is
// the only durable state.
package engine
