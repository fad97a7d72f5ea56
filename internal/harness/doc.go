// Package harness runs scripted admission scenarios against a real engine.
//
// A scenario is a YAML file listing steps (register, advance, review,
// canary, cancel, wait, verify) and assertions over the resulting ledger:
//
//	name: review_timeout
//	description: an unanswered review is rejected at its deadline
//	config:
//	  lattice_dimension: 4
//	  enable_auto_verification: false
//	  auditor_review_time: 0
//	steps:
//	  - action: register
//	    operator: alice
//	    trajectory: {shape: stable}
//	  - action: advance
//	    operator: alice
//	assertions:
//	  - type: final_stage
//	    operator: alice
//	    stage: VALIDATED
//
// Each run uses a fresh in-memory SQLite ledger, a fake clock starting at
// testutil.Epoch and sequential review ticket ids, so the trace of a
// scenario is a pure function of its file. "wait" advances the fake clock
// and fires any review or canary timers that fall due.
//
// The trace interleaves one event per step with one event per proof record
// the step caused. It omits hashes, node ids and timestamps, and is
// compared byte for byte against golden files with goldie.
package harness
