// Package gate implements the five-stage admission state machine.
//
// Stages advance in the order REGISTERED, VALIDATED, REVIEWED, CANARY,
// ACTIVE, or jump to one of the terminals REJECTED and QUARANTINED:
//
//	REGISTERED  re-derive identity, run convergence check
//	VALIDATED   assign reviewer, open review ticket
//	REVIEWED    consume reviewer decision or expire at deadline
//	CANARY      error rate over the observation window
//	ACTIVE      shadow replay on parallel hosts, then final
//
// The gate is stateless with respect to nodes. Evaluate returns a Decision;
// the caller records it and calls Apply. Review waits are a deadline on the
// ticket plus a decision attached by AcceptReview, so no goroutine ever
// sleeps on a node.
//
// Shadow hosts are pluggable. The default pool replays the convergence
// validator locally, so the ACTIVE confirmation only becomes a real second
// opinion once independent hosts are supplied.
package gate
