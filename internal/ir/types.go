package ir

import "time"

// Stage is a position in the admission pipeline.
type Stage string

const (
	StageRegistered  Stage = "REGISTERED"
	StageValidated   Stage = "VALIDATED"
	StageReviewed    Stage = "REVIEWED"
	StageCanary      Stage = "CANARY"
	StageActive      Stage = "ACTIVE"
	StageRejected    Stage = "REJECTED"
	StageQuarantined Stage = "QUARANTINED"
)

// Stages lists every stage, admission order first.
var Stages = []Stage{
	StageRegistered, StageValidated, StageReviewed, StageCanary, StageActive,
	StageRejected, StageQuarantined,
}

// Ordinal returns the position of s in the admission order (0..4), or -1
// for the side terminals REJECTED and QUARANTINED.
func (s Stage) Ordinal() int {
	switch s {
	case StageRegistered:
		return 0
	case StageValidated:
		return 1
	case StageReviewed:
		return 2
	case StageCanary:
		return 3
	case StageActive:
		return 4
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Ordinal() >= 0 || s == StageRejected || s == StageQuarantined
}

// IsFailure reports whether s is REJECTED or QUARANTINED.
func (s Stage) IsFailure() bool {
	return s == StageRejected || s == StageQuarantined
}

// Outcome of one stage-exit evaluation.
type Outcome string

const (
	OutcomePass    Outcome = "PASS"
	OutcomeFail    Outcome = "FAIL"
	OutcomePending Outcome = "PENDING"
)

// Actor that caused a transition.
type Actor string

const (
	ActorSystem Actor = "SYSTEM"
	ActorHuman  Actor = "HUMAN"
)

// ObservationKind tags an element of a trajectory.
type ObservationKind string

const (
	KindGenesis    ObservationKind = "GENESIS"
	KindUpdate     ObservationKind = "UPDATE"
	KindCheckpoint ObservationKind = "CHECKPOINT"
)

// Observation is one timestamped lattice point of an operator trajectory.
type Observation struct {
	Timestamp Fixed             `json:"timestamp" yaml:"timestamp"`
	Vector    []Fixed           `json:"vector" yaml:"vector"`
	Kind      ObservationKind   `json:"kind" yaml:"kind"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ReviewDecision is a reviewer's verdict on a pending review ticket.
type ReviewDecision struct {
	Approve   bool      `json:"approve"`
	Reviewer  string    `json:"reviewer"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ReviewTicket is the human-review suspension of a node. The node waits in
// REVIEWED until a decision is attached or the deadline passes.
type ReviewTicket struct {
	ID       string          `json:"id"`
	Reviewer string          `json:"reviewer,omitempty"`
	OpenedAt time.Time       `json:"opened_at"`
	Deadline time.Time       `json:"deadline"`
	Decision *ReviewDecision `json:"decision,omitempty"`
}

// Node is an identity progressing through admission.
//
// ID and DID are pure functions of (operator id, genesis observation,
// lattice dimension). Stage only moves forward in admission order or to a
// failure terminal.
type Node struct {
	ID          string        `json:"id"`
	DID         string        `json:"did"`
	OperatorID  string        `json:"operator_id"`
	Fingerprint string        `json:"fingerprint"`
	Balance     Fixed         `json:"balance"`
	Stage       Stage         `json:"stage"`
	Final       bool          `json:"final"`
	Trajectory  []Observation `json:"trajectory,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Review      *ReviewTicket `json:"review,omitempty"`
	CanaryUntil time.Time     `json:"canary_until"`

	// StageTimestamps records when the node entered each stage it has
	// reached.
	StageTimestamps map[Stage]time.Time `json:"stage_timestamps,omitempty"`
}

// Terminal reports whether no further transition is possible.
func (n *Node) Terminal() bool {
	return n.Stage.IsFailure() || (n.Stage == StageActive && n.Final)
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	c := n
	if n.Trajectory != nil {
		c.Trajectory = make([]Observation, len(n.Trajectory))
		for i, o := range n.Trajectory {
			c.Trajectory[i] = o.Clone()
		}
	}
	if n.StageTimestamps != nil {
		c.StageTimestamps = make(map[Stage]time.Time, len(n.StageTimestamps))
		for st, at := range n.StageTimestamps {
			c.StageTimestamps[st] = at
		}
	}
	if n.Review != nil {
		r := *n.Review
		if n.Review.Decision != nil {
			d := *n.Review.Decision
			r.Decision = &d
		}
		c.Review = &r
	}
	return c
}

// Clone returns a deep copy of the observation.
func (o Observation) Clone() Observation {
	c := o
	c.Vector = append([]Fixed(nil), o.Vector...)
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Decision is the result of evaluating a node's current stage exit.
// A PENDING decision carries no transition.
type Decision struct {
	NodeID   string            `json:"node_id"`
	From     Stage             `json:"from"`
	To       Stage             `json:"to"`
	Outcome  Outcome           `json:"outcome"`
	Actor    Actor             `json:"actor"`
	Code     ErrorCode         `json:"code,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Evidence map[string]string `json:"evidence,omitempty"`

	// Final marks the ACTIVE confirmation after shadow execution.
	Final bool `json:"final,omitempty"`

	// Observations are appended to the node's trajectory by this decision.
	Observations []Observation `json:"observations,omitempty"`

	// Review is the ticket opened on entry to REVIEWED.
	Review *ReviewTicket `json:"-"`

	// CanaryUntil is the end of the observation window opened on entry to CANARY.
	CanaryUntil time.Time `json:"-"`
}

// Transition reports whether the decision moves the node.
func (d Decision) Transition() bool {
	return d.Outcome != OutcomePending
}

// ProofRecord is one entry of the hash-chained ledger.
type ProofRecord struct {
	Seq          int64  `json:"seq" cbor:"1,keyasint"`
	PayloadHash  string `json:"payload_hash" cbor:"2,keyasint"`
	PreviousHash string `json:"previous_hash" cbor:"3,keyasint"`
	RecordHash   string `json:"record_hash" cbor:"4,keyasint"`
	Timestamp    int64  `json:"timestamp" cbor:"5,keyasint"`
	Payload      []byte `json:"payload" cbor:"6,keyasint"`
}
