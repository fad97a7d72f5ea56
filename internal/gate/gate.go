package gate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/roach88/shield/internal/anchor"
	"github.com/roach88/shield/internal/bark"
	"github.com/roach88/shield/internal/ir"
)

// TimeoutAction selects what an expired review resolves to.
type TimeoutAction string

const (
	// TimeoutReject resolves an expired review to REJECTED.
	TimeoutReject TimeoutAction = "reject"

	// TimeoutHold keeps the node in REVIEWED until a decision arrives.
	TimeoutHold TimeoutAction = "hold"
)

// Config holds the gate parameters. Every field is required; the engine
// fills them from the loaded configuration.
type Config struct {
	Dimension            int
	DIDMethod            string
	ReviewTime           time.Duration
	TimeoutAction        TimeoutAction
	Reviewers            []string
	CanaryWindow         time.Duration
	CanaryMinSamples     int64
	CanaryErrorThreshold ir.Fixed
	ShadowTolerance      ir.Fixed
	Convergence          bark.Params
}

// Signals are the external inputs of one evaluation.
type Signals struct {
	Now    time.Time
	Canary CanarySample
}

var reviewerKey = blake3.Sum256([]byte("shield/reviewer-assignment/v1"))

// Gate evaluates stage exits. It never mutates a node: Evaluate returns a
// decision and Apply produces the next node state.
type Gate struct {
	cfg      Config
	anchor   *anchor.Anchor
	hosts    []ShadowHost
	ticketID func() string
}

// Option configures a Gate.
type Option func(*Gate)

// WithShadowHosts replaces the default shadow hosts.
func WithShadowHosts(hosts ...ShadowHost) Option {
	return func(g *Gate) {
		g.hosts = hosts
	}
}

// WithTicketIDs sets the review ticket id generator.
func WithTicketIDs(gen func() string) Option {
	return func(g *Gate) {
		g.ticketID = gen
	}
}

// New creates a Gate. Unless WithShadowHosts is given, numShadowHosts
// replicas of ConvergenceReplay are used; they agree by construction.
func New(cfg Config, numShadowHosts int, opts ...Option) (*Gate, error) {
	if err := cfg.Convergence.Validate(); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	if cfg.TimeoutAction != TimeoutReject && cfg.TimeoutAction != TimeoutHold {
		return nil, fmt.Errorf("gate: unknown review timeout action %q", cfg.TimeoutAction)
	}
	a, err := anchor.New(cfg.Dimension, anchor.WithMethod(cfg.DIDMethod))
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}

	g := &Gate{cfg: cfg, anchor: a}
	for i := 0; i < numShadowHosts; i++ {
		g.hosts = append(g.hosts, ConvergenceReplay{Params: cfg.Convergence})
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(g.hosts) == 0 {
		return nil, fmt.Errorf("gate: at least one shadow host is required")
	}
	if g.ticketID == nil {
		return nil, fmt.Errorf("gate: ticket id generator is required")
	}
	return g, nil
}

// Anchor returns the identity anchor the gate re-derives identities with.
func (g *Gate) Anchor() *anchor.Anchor {
	return g.anchor
}

// Evaluate computes the exit decision for the node's current stage.
//
// A terminal node yields TERMINAL_STATE. A context error or shadow host
// failure is returned as an error and implies no transition.
func (g *Gate) Evaluate(ctx context.Context, node ir.Node, sig Signals) (ir.Decision, error) {
	if node.Terminal() {
		return ir.Decision{}, ir.NewError(ir.CodeTerminalState, "node is %s", describe(node)).WithNode(node.ID)
	}
	if err := ctx.Err(); err != nil {
		return ir.Decision{}, err
	}

	switch node.Stage {
	case ir.StageRegistered:
		return g.validate(node)
	case ir.StageValidated:
		return g.openReview(node, sig.Now), nil
	case ir.StageReviewed:
		return g.resolveReview(node, sig.Now)
	case ir.StageCanary:
		return g.evaluateCanary(node, sig), nil
	case ir.StageActive:
		return g.shadow(ctx, node)
	}
	return ir.Decision{}, fmt.Errorf("gate: unknown stage %q", node.Stage)
}

// validate re-derives the identity and runs the convergence check.
func (g *Gate) validate(node ir.Node) (ir.Decision, error) {
	d := ir.Decision{NodeID: node.ID, From: node.Stage, Actor: ir.ActorSystem}

	id, err := g.anchor.Derive(node.OperatorID, node.Trajectory)
	if err != nil {
		return quarantine(d, ir.CodeIdentityViolation, err.Error(), nil), nil
	}
	stored, err := anchor.ParseFingerprint(node.Fingerprint)
	if err != nil || !stored.Equal(id.Fingerprint) || !anchor.VerifyDID(node.DID, g.anchor.Method(), id.Fingerprint, node.OperatorID) {
		return quarantine(d, ir.CodeIdentityViolation, "fingerprint does not match trajectory", nil), nil
	}

	verdict, err := bark.Validate(id.Fingerprint, node.Trajectory, g.cfg.Convergence)
	if err != nil {
		return ir.Decision{}, err
	}
	if err := verdict.Check(g.cfg.Convergence); err != nil {
		reason := err.Error()
		var ie *ir.Error
		if errors.As(err, &ie) {
			reason = ie.Message
		}
		return quarantine(d, ir.CodeIdentityViolation, reason, verdict.Evidence()), nil
	}

	d.To = ir.StageValidated
	d.Outcome = ir.OutcomePass
	d.Evidence = verdict.Evidence()
	return d, nil
}

func (g *Gate) openReview(node ir.Node, now time.Time) ir.Decision {
	ticket := &ir.ReviewTicket{
		ID:       g.ticketID(),
		Reviewer: g.AssignReviewer(node.ID),
		OpenedAt: now,
		Deadline: now.Add(g.cfg.ReviewTime),
	}
	evidence := map[string]string{
		"ticket":   ticket.ID,
		"deadline": ticket.Deadline.UTC().Format(time.RFC3339Nano),
	}
	if ticket.Reviewer != "" {
		evidence["reviewer"] = ticket.Reviewer
	}
	return ir.Decision{
		NodeID:   node.ID,
		From:     node.Stage,
		To:       ir.StageReviewed,
		Outcome:  ir.OutcomePass,
		Actor:    ir.ActorSystem,
		Evidence: evidence,
		Review:   ticket,
	}
}

func (g *Gate) resolveReview(node ir.Node, now time.Time) (ir.Decision, error) {
	t := node.Review
	if t == nil {
		return ir.Decision{}, fmt.Errorf("gate: node %s is REVIEWED without a review ticket", node.ID)
	}
	d := ir.Decision{NodeID: node.ID, From: node.Stage}

	if rd := t.Decision; rd != nil {
		d.Actor = ir.ActorHuman
		d.Reason = rd.Reason
		d.Evidence = map[string]string{"ticket": t.ID, "reviewer": rd.Reviewer}
		if rd.Approve {
			d.To = ir.StageCanary
			d.Outcome = ir.OutcomePass
			d.CanaryUntil = now.Add(g.cfg.CanaryWindow)
			return d, nil
		}
		d.To = ir.StageRejected
		d.Outcome = ir.OutcomeFail
		return d, nil
	}

	if now.Before(t.Deadline) {
		return pending(d, "awaiting reviewer decision"), nil
	}
	if g.cfg.TimeoutAction == TimeoutHold {
		d = pending(d, "review deadline passed, holding for decision")
		d.Code = ir.CodeGateTimeout
		return d, nil
	}
	d.Actor = ir.ActorSystem
	d.To = ir.StageRejected
	d.Outcome = ir.OutcomeFail
	d.Code = ir.CodeGateTimeout
	d.Reason = "review deadline passed without a decision"
	d.Evidence = map[string]string{
		"ticket":   t.ID,
		"deadline": t.Deadline.UTC().Format(time.RFC3339Nano),
	}
	return d, nil
}

func (g *Gate) evaluateCanary(node ir.Node, sig Signals) ir.Decision {
	d := ir.Decision{NodeID: node.ID, From: node.Stage, Actor: ir.ActorSystem}
	if sig.Now.Before(node.CanaryUntil) {
		return pending(d, "canary window open")
	}
	s := sig.Canary
	if s.Requests < g.cfg.CanaryMinSamples {
		return pending(d, fmt.Sprintf("canary has %d of %d required samples", s.Requests, g.cfg.CanaryMinSamples))
	}

	rate := s.ErrorRate()
	d.Evidence = map[string]string{
		"requests":   fmt.Sprint(s.Requests),
		"failures":   fmt.Sprint(s.Failures),
		"error_rate": rate.String(),
		"threshold":  g.cfg.CanaryErrorThreshold.String(),
	}
	if rate < g.cfg.CanaryErrorThreshold {
		d.To = ir.StageActive
		d.Outcome = ir.OutcomePass
		return d
	}
	d.To = ir.StageQuarantined
	d.Outcome = ir.OutcomeFail
	d.Reason = fmt.Sprintf("canary error rate %s not below %s", rate, g.cfg.CanaryErrorThreshold)
	return d
}

// Observe checks observations appended to a live node's trajectory.
// A GENESIS observation among them claims the node's identity and must
// re-derive the stored fingerprint; the extended trajectory must still
// converge. Either failure quarantines the node with IDENTITY_VIOLATION.
// Malformed observations are returned as errors and decide nothing.
// A passing decision keeps the node in its stage.
func (g *Gate) Observe(node ir.Node, obs []ir.Observation) (ir.Decision, error) {
	if node.Terminal() {
		return ir.Decision{}, ir.NewError(ir.CodeTerminalState, "node is %s", describe(node)).WithNode(node.ID)
	}
	if len(obs) == 0 {
		return ir.Decision{}, ir.NewError(ir.CodeEmptyTrajectory, "no observations to append").WithNode(node.ID)
	}
	extended := make([]ir.Observation, 0, len(node.Trajectory)+len(obs))
	extended = append(append(extended, node.Trajectory...), obs...)
	if err := anchor.ValidateTrajectory(extended, g.cfg.Dimension); err != nil {
		var ie *ir.Error
		if errors.As(err, &ie) {
			return ir.Decision{}, ie.WithNode(node.ID)
		}
		return ir.Decision{}, err
	}

	d := ir.Decision{
		NodeID:       node.ID,
		From:         node.Stage,
		Actor:        ir.ActorSystem,
		Observations: append([]ir.Observation(nil), obs...),
	}
	stored, err := anchor.ParseFingerprint(node.Fingerprint)
	if err != nil {
		return quarantine(d, ir.CodeIdentityViolation, "stored fingerprint is unreadable", nil), nil
	}
	for i, o := range obs {
		if o.Kind != ir.KindGenesis {
			continue
		}
		claimed, err := g.anchor.Derive(node.OperatorID, []ir.Observation{o})
		if err != nil || !claimed.Fingerprint.Equal(stored) {
			return quarantine(d, ir.CodeIdentityViolation,
				fmt.Sprintf("observation %d claims a different genesis", i),
				map[string]string{"index": fmt.Sprint(i)}), nil
		}
	}

	verdict, err := bark.Validate(stored, extended, g.cfg.Convergence)
	if err != nil {
		return ir.Decision{}, err
	}
	if err := verdict.Check(g.cfg.Convergence); err != nil {
		reason := err.Error()
		var ie *ir.Error
		if errors.As(err, &ie) {
			reason = ie.Message
		}
		return quarantine(d, ir.CodeIdentityViolation, reason, verdict.Evidence()), nil
	}

	d.To = node.Stage
	d.Outcome = ir.OutcomePass
	d.Evidence = verdict.Evidence()
	d.Evidence["observations"] = fmt.Sprint(len(extended))
	return d, nil
}

// AssignReviewer picks the reviewer for a node from the configured pool.
// The choice is a keyed hash of the node id, so it is stable across
// restarts. An empty pool returns "", meaning any reviewer may decide.
func (g *Gate) AssignReviewer(nodeID string) string {
	if len(g.cfg.Reviewers) == 0 {
		return ""
	}
	h, err := blake3.NewKeyed(reviewerKey[:])
	if err != nil {
		panic("gate: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write([]byte(nodeID))
	sum := h.Sum(nil)
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(g.cfg.Reviewers))
	return g.cfg.Reviewers[idx]
}

// AcceptReview attaches a reviewer decision to a node awaiting review.
// The decision is consumed by the next evaluation.
func (g *Gate) AcceptReview(node ir.Node, rd ir.ReviewDecision) (ir.Node, error) {
	if node.Terminal() {
		return node, ir.NewError(ir.CodeTerminalState, "node is %s", describe(node)).WithNode(node.ID)
	}
	if node.Stage != ir.StageReviewed || node.Review == nil {
		return node, ir.NewError(ir.CodeNoPendingReview, "node is %s, not awaiting review", node.Stage).WithNode(node.ID)
	}
	if node.Review.Decision != nil {
		return node, ir.NewError(ir.CodeNoPendingReview, "review %s already decided", node.Review.ID).WithNode(node.ID)
	}
	if rd.Reviewer == "" {
		return node, ir.NewError(ir.CodeUnauthorizedReviewer, "reviewer is required").WithNode(node.ID)
	}
	if assigned := node.Review.Reviewer; assigned != "" && assigned != rd.Reviewer {
		return node, ir.NewError(ir.CodeUnauthorizedReviewer, "review %s is assigned to %s", node.Review.ID, assigned).
			WithNode(node.ID).
			WithDetail("reviewer", rd.Reviewer)
	}

	next := node.Clone()
	next.Review.Decision = &rd
	return next, nil
}

// Cancel resolves a node that is waiting on an external signal. A pending
// review resolves to REJECTED; a canary window or pending shadow
// confirmation to QUARANTINED.
func (g *Gate) Cancel(node ir.Node, reason string) (ir.Decision, error) {
	if node.Terminal() {
		return ir.Decision{}, ir.NewError(ir.CodeTerminalState, "node is %s", describe(node)).WithNode(node.ID)
	}
	d := ir.Decision{
		NodeID:  node.ID,
		From:    node.Stage,
		Outcome: ir.OutcomeFail,
		Actor:   ir.ActorHuman,
		Reason:  "cancelled",
	}
	if reason != "" {
		d.Reason = "cancelled: " + reason
	}
	switch node.Stage {
	case ir.StageReviewed:
		d.To = ir.StageRejected
	case ir.StageCanary, ir.StageActive:
		d.To = ir.StageQuarantined
	default:
		return ir.Decision{}, ir.NewError(ir.CodeNotCancellable, "node in %s has nothing to cancel", node.Stage).WithNode(node.ID)
	}
	return d, nil
}

// Apply returns the node state after decision d. PENDING decisions leave
// the node unchanged.
func Apply(node ir.Node, d ir.Decision, now time.Time) ir.Node {
	if !d.Transition() {
		return node
	}
	next := node.Clone()
	if d.To != node.Stage {
		if next.StageTimestamps == nil {
			next.StageTimestamps = make(map[ir.Stage]time.Time)
		}
		next.StageTimestamps[d.To] = now
	}
	next.Stage = d.To
	next.Final = d.Final
	next.UpdatedAt = now
	if d.Review != nil {
		r := *d.Review
		next.Review = &r
	}
	if d.To == ir.StageCanary && d.From != ir.StageCanary {
		next.CanaryUntil = d.CanaryUntil
	}
	if len(d.Observations) > 0 {
		next.Trajectory = append(next.Trajectory, d.Observations...)
	}
	return next
}

func quarantine(d ir.Decision, code ir.ErrorCode, reason string, evidence map[string]string) ir.Decision {
	d.To = ir.StageQuarantined
	d.Outcome = ir.OutcomeFail
	d.Code = code
	d.Reason = reason
	d.Evidence = evidence
	return d
}

func pending(d ir.Decision, reason string) ir.Decision {
	d.To = d.From
	d.Outcome = ir.OutcomePending
	d.Reason = reason
	return d
}

func describe(node ir.Node) string {
	if node.Stage == ir.StageActive && node.Final {
		return "ACTIVE (final)"
	}
	return string(node.Stage)
}
