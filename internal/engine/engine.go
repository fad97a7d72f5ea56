package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/shield/internal/bark"
	"github.com/roach88/shield/internal/config"
	"github.com/roach88/shield/internal/gate"
	"github.com/roach88/shield/internal/ir"
	"github.com/roach88/shield/internal/proofchain"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine: closed")

// Engine is the admission orchestrator.
//
// It owns the node registry and the proof chain. Every accepted transition
// is appended to the chain before the in-memory node changes, so the
// registry never runs ahead of the ledger.
//
// Thread-safety model:
//   - Operations on different nodes run in parallel
//   - Operations on one node are serialized by a per-node mutex held
//     across evaluation and append
//   - The chain's Append is the single global ordering point
//
// Lock order: entry.mu before Engine.mu, never the reverse.
type Engine struct {
	cfg     config.Config
	chain   *proofchain.Chain
	gate    *gate.Gate
	canary  *gate.CanaryTraffic
	clock   Clock
	ids     IDGenerator
	logger  *slog.Logger
	hosts   []gate.ShadowHost
	signals SignalStore

	mu          sync.Mutex
	nodes       map[string]*entry
	order       []string
	registering map[string]bool
	closed      bool
}

// entry is one node and the lock serializing its transitions.
// node is written with both mu and Engine.mu held; timer is guarded by
// Engine.mu.
type entry struct {
	mu    sync.Mutex
	node  ir.Node
	timer func() bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the review ticket id generator.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithShadowHosts replaces the default shadow hosts.
func WithShadowHosts(hosts ...gate.ShadowHost) Option {
	return func(e *Engine) {
		e.hosts = hosts
	}
}

// New creates an engine over chain and rebuilds node state from the
// records already in it. With verify_on_open the chain is verified first;
// a mismatch halts the chain but still lets the engine open for
// inspection.
func New(ctx context.Context, cfg config.Config, chain *proofchain.Chain, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		chain:       chain,
		clock:       SystemClock{},
		ids:         UUIDv7Generator{},
		logger:      slog.Default(),
		nodes:       make(map[string]*entry),
		registering: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	gopts := []gate.Option{gate.WithTicketIDs(e.ids.Generate)}
	if len(e.hosts) > 0 {
		gopts = append(gopts, gate.WithShadowHosts(e.hosts...))
	}
	g, err := gate.New(gateConfig(cfg), cfg.NumShadowHosts, gopts...)
	if err != nil {
		return nil, err
	}
	e.gate = g
	e.canary = gate.NewCanaryTraffic(cfg.CanaryPercentage)

	if cfg.VerifyOnOpen {
		if _, err := chain.Verify(ctx); err != nil {
			return nil, fmt.Errorf("verify on open: %w", err)
		}
	}
	if err := e.restore(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func gateConfig(cfg config.Config) gate.Config {
	return gate.Config{
		Dimension:            cfg.LatticeDimension,
		DIDMethod:            cfg.DIDMethod,
		ReviewTime:           cfg.ReviewTime(),
		TimeoutAction:        gate.TimeoutAction(cfg.ReviewTimeoutAction),
		Reviewers:            cfg.Reviewers,
		CanaryWindow:         cfg.CanaryWindowDuration(),
		CanaryMinSamples:     cfg.CanaryMinSamples,
		CanaryErrorThreshold: cfg.CanaryErrorThreshold,
		ShadowTolerance:      cfg.ShadowTolerance,
		Convergence: bark.Params{
			Bound:               cfg.ConvergenceBound,
			Window:              cfg.ConvergenceWindow,
			Tolerance:           cfg.ConvergenceTolerance,
			DeviationTolerance:  cfg.DeviationTolerance,
			DivergenceThreshold: cfg.DivergenceThreshold,
		},
	}
}

// Register anchors a new identity and records it as REGISTERED.
//
// Derivation errors (DIMENSION_MISMATCH, EMPTY_TRAJECTORY,
// INVALID_GENESIS) abort with no node and no record. With auto-verification
// enabled the node is then driven forward until it blocks on an external
// signal or reaches a terminal stage.
func (e *Engine) Register(ctx context.Context, operatorID string, trajectory []ir.Observation, balance ir.Fixed) (ir.Node, error) {
	id, err := e.gate.Anchor().Derive(operatorID, trajectory)
	if err != nil {
		e.logger.Warn("registration rejected",
			"operator_id", operatorID,
			"error", err,
		)
		return ir.Node{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ir.Node{}, ErrClosed
	}
	if _, ok := e.nodes[id.NodeID]; ok || e.registering[id.NodeID] {
		e.mu.Unlock()
		return ir.Node{}, ir.NewError(ir.CodeAlreadyRegistered, "operator %q is already registered", operatorID).WithNode(id.NodeID)
	}
	e.registering[id.NodeID] = true
	e.mu.Unlock()

	now := e.clock.Now()
	n := ir.Node{
		ID:          id.NodeID,
		DID:         id.DID,
		OperatorID:  operatorID,
		Fingerprint: id.Fingerprint.String(),
		Balance:     balance,
		Stage:       ir.StageRegistered,
		CreatedAt:   now,
		UpdatedAt:   now,

		StageTimestamps: map[ir.Stage]time.Time{ir.StageRegistered: now},
	}
	for _, o := range trajectory {
		n.Trajectory = append(n.Trajectory, o.Clone())
	}
	d := ir.Decision{
		NodeID:  n.ID,
		To:      ir.StageRegistered,
		Outcome: ir.OutcomePass,
		Actor:   ir.ActorSystem,
		Evidence: map[string]string{
			"did":          n.DID,
			"observations": fmt.Sprint(len(trajectory)),
		},
	}
	rec, err := e.record(ctx, d, n)

	ent := &entry{node: n}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	e.mu.Lock()
	delete(e.registering, n.ID)
	if err != nil {
		e.mu.Unlock()
		return ir.Node{}, err
	}
	e.nodes[n.ID] = ent
	e.order = append(e.order, n.ID)
	e.mu.Unlock()

	e.logger.Info("node registered",
		"node_id", n.ID,
		"did", n.DID,
		"seq", rec.Seq,
	)

	if !e.cfg.EnableAutoVerification {
		return n.Clone(), nil
	}
	return e.drive(ctx, ent)
}

// Advance re-evaluates the node's current stage exit. Without
// auto-verification it takes at most one step; with it, it keeps stepping
// until the node blocks or is terminal.
//
// A node already terminal yields TERMINAL_STATE with no side effects. A
// PENDING evaluation is not an error: the returned node is unchanged.
func (e *Engine) Advance(ctx context.Context, nodeID string) (ir.Node, error) {
	ent, err := e.lookup(nodeID)
	if err != nil {
		return ir.Node{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if e.isClosed() {
		return ir.Node{}, ErrClosed
	}
	if ent.node.Terminal() {
		return ent.node.Clone(), terminal(ent.node)
	}
	if e.cfg.EnableAutoVerification {
		return e.drive(ctx, ent)
	}
	if _, err := e.step(ctx, ent); err != nil {
		return ent.node.Clone(), err
	}
	return ent.node.Clone(), nil
}

// SubmitReview attaches a reviewer decision to a node waiting in REVIEWED.
// The transition itself is recorded by the next evaluation, which happens
// immediately when auto-verification is enabled.
func (e *Engine) SubmitReview(ctx context.Context, nodeID string, rd ir.ReviewDecision) (ir.Node, error) {
	ent, err := e.lookup(nodeID)
	if err != nil {
		return ir.Node{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if rd.DecidedAt.IsZero() {
		rd.DecidedAt = e.clock.Now()
	}
	next, err := e.gate.AcceptReview(ent.node, rd)
	if err != nil {
		return ent.node.Clone(), err
	}
	if err := e.saveReview(ctx, nodeID, rd); err != nil {
		return ent.node.Clone(), err
	}
	e.setNode(ent, next)

	e.logger.Info("review decision received",
		"node_id", nodeID,
		"reviewer", rd.Reviewer,
		"approve", rd.Approve,
	)

	if e.cfg.EnableAutoVerification {
		return e.drive(ctx, ent)
	}
	return next.Clone(), nil
}

// Observe appends observations to a live node's trajectory and re-checks
// its identity against them. Accepted observations are recorded without a
// stage change. A GENESIS observation that derives another fingerprint, or
// a trajectory that stops converging, quarantines the node. Malformed
// observations are rejected and nothing is recorded.
func (e *Engine) Observe(ctx context.Context, nodeID string, obs []ir.Observation) (ir.Node, error) {
	ent, err := e.lookup(nodeID)
	if err != nil {
		return ir.Node{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if e.isClosed() {
		return ir.Node{}, ErrClosed
	}
	d, err := e.gate.Observe(ent.node, obs)
	if err != nil {
		return ent.node.Clone(), err
	}
	if err := e.commit(ctx, ent, d, e.clock.Now()); err != nil {
		return ent.node.Clone(), err
	}
	if d.Code == ir.CodeIdentityViolation {
		e.logger.Warn("identity violation on observation",
			"node_id", nodeID,
			"reason", d.Reason,
		)
	}
	return ent.node.Clone(), nil
}

// RecordCanary feeds one request outcome to a node in CANARY. It reports
// whether the request fell in the canary fraction and was counted.
func (e *Engine) RecordCanary(ctx context.Context, nodeID, requestKey string, failed bool) (bool, error) {
	ent, err := e.lookup(nodeID)
	if err != nil {
		return false, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if err := inCanary(ent.node); err != nil {
		return false, err
	}
	before := e.canary.Sample(nodeID)
	routed := e.canary.Observe(ent.node, requestKey, failed)
	if routed {
		if err := e.saveCanary(ctx, nodeID, before); err != nil {
			return false, err
		}
	}
	if _, err := e.autoCanary(ctx, ent); err != nil {
		return routed, err
	}
	return routed, nil
}

// AggregateCanary adds pre-aggregated request counts to a node in CANARY.
func (e *Engine) AggregateCanary(ctx context.Context, nodeID string, requests, failures int64) (ir.Node, error) {
	ent, err := e.lookup(nodeID)
	if err != nil {
		return ir.Node{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	if err := inCanary(ent.node); err != nil {
		return ent.node.Clone(), err
	}
	before := e.canary.Sample(nodeID)
	if err := e.canary.Aggregate(nodeID, requests, failures); err != nil {
		return ent.node.Clone(), ir.NewError(ir.CodeInvalidObservation, "%v", err).WithNode(nodeID)
	}
	if err := e.saveCanary(ctx, nodeID, before); err != nil {
		return ent.node.Clone(), err
	}
	return e.autoCanary(ctx, ent)
}

// autoCanary advances a canary node whose window has closed when
// auto-verification is on.
func (e *Engine) autoCanary(ctx context.Context, ent *entry) (ir.Node, error) {
	if !e.cfg.EnableAutoVerification || e.clock.Now().Before(ent.node.CanaryUntil) {
		return ent.node.Clone(), nil
	}
	return e.drive(ctx, ent)
}

// CanarySample returns the traffic accumulated for a node in CANARY.
func (e *Engine) CanarySample(nodeID string) gate.CanarySample {
	return e.canary.Sample(nodeID)
}

// Cancel resolves a node waiting on review, canary or shadow confirmation
// to a terminal stage and records it.
func (e *Engine) Cancel(ctx context.Context, nodeID, reason string) (ir.Node, error) {
	ent, err := e.lookup(nodeID)
	if err != nil {
		return ir.Node{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	d, err := e.gate.Cancel(ent.node, reason)
	if err != nil {
		return ent.node.Clone(), err
	}
	if err := e.commit(ctx, ent, d, e.clock.Now()); err != nil {
		return ent.node.Clone(), err
	}
	return ent.node.Clone(), nil
}

// Status returns a copy of the node's current state.
func (e *Engine) Status(nodeID string) (ir.Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.nodes[nodeID]
	if !ok {
		return ir.Node{}, ir.NewError(ir.CodeNotFound, "unknown node").WithNode(nodeID)
	}
	return ent.node.Clone(), nil
}

// List returns every node in registration order.
func (e *Engine) List() []ir.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ir.Node, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.nodes[id].node.Clone())
	}
	return out
}

// Metrics summarizes the registry and the ledger.
type Metrics struct {
	Nodes   int              `json:"nodes"`
	ByStage map[ir.Stage]int `json:"by_stage"`
	Final   int              `json:"final"`
	Records int64            `json:"records"`
	Head    string           `json:"head"`
	Halted  bool             `json:"halted"`
}

// Metrics returns node counts per stage and the chain position.
func (e *Engine) Metrics() Metrics {
	m := Metrics{ByStage: make(map[ir.Stage]int, len(ir.Stages))}
	for _, s := range ir.Stages {
		m.ByStage[s] = 0
	}

	e.mu.Lock()
	for _, ent := range e.nodes {
		m.Nodes++
		m.ByStage[ent.node.Stage]++
		if ent.node.Final {
			m.Final++
		}
	}
	e.mu.Unlock()

	m.Records = e.chain.Len()
	m.Head = e.chain.Head()
	m.Halted = e.chain.Halted() != nil
	return m
}

// VerifyLedger recomputes the whole chain. A mismatch halts every further
// admission until ResumeLedger succeeds.
func (e *Engine) VerifyLedger(ctx context.Context) (proofchain.Result, error) {
	res, err := e.chain.Verify(ctx)
	if err != nil {
		return res, err
	}
	if res.Valid {
		e.logger.Debug("ledger verified", "records", res.Count)
	}
	return res, nil
}

// ResumeLedger lifts an integrity halt once the chain verifies again.
func (e *Engine) ResumeLedger(ctx context.Context) error {
	return e.chain.Resume(ctx)
}

// Close stops all pending timers. Later operations return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, ent := range e.nodes {
		if ent.timer != nil {
			ent.timer()
			ent.timer = nil
		}
	}
	return nil
}

// drive steps the node until it blocks or is terminal. The stage order
// bounds the number of steps.
func (e *Engine) drive(ctx context.Context, ent *entry) (ir.Node, error) {
	for i := 0; i < len(ir.Stages); i++ {
		moved, err := e.step(ctx, ent)
		if err != nil {
			return ent.node.Clone(), err
		}
		if !moved || ent.node.Terminal() {
			break
		}
	}
	return ent.node.Clone(), nil
}

// step evaluates once and commits a transition if there is one.
// Caller holds ent.mu.
func (e *Engine) step(ctx context.Context, ent *entry) (bool, error) {
	n := ent.node
	now := e.clock.Now()
	d, err := e.gate.Evaluate(ctx, n, gate.Signals{Now: now, Canary: e.canary.Sample(n.ID)})
	if err != nil {
		return false, err
	}
	if !d.Transition() {
		e.logger.Debug("stage exit pending",
			"node_id", n.ID,
			"stage", n.Stage,
			"reason", d.Reason,
		)
		return false, nil
	}
	if err := e.commit(ctx, ent, d, now); err != nil {
		return false, err
	}
	return true, nil
}

// commit appends the transition to the chain, then updates the node.
// Caller holds ent.mu.
func (e *Engine) commit(ctx context.Context, ent *entry, d ir.Decision, now time.Time) error {
	prev := ent.node
	next := gate.Apply(prev, d, now)
	rec, err := e.record(ctx, d, next)
	if err != nil {
		return err
	}
	e.setNode(ent, next)

	attrs := []any{
		"node_id", next.ID,
		"from", d.From,
		"to", d.To,
		"outcome", d.Outcome,
		"actor", d.Actor,
		"seq", rec.Seq,
	}
	if d.Code != "" {
		attrs = append(attrs, "code", d.Code)
	}
	e.logger.Info("stage transition", attrs...)

	if prev.Stage == ir.StageCanary && next.Stage != ir.StageCanary {
		e.canary.Reset(next.ID)
	}
	if (prev.Stage == ir.StageReviewed || prev.Stage == ir.StageCanary) && next.Stage != prev.Stage {
		e.clearSignals(ctx, next.ID)
	}
	e.arm(ent, next)
	return nil
}

// record appends one decision and node snapshot to the chain.
func (e *Engine) record(ctx context.Context, d ir.Decision, n ir.Node) (ir.ProofRecord, error) {
	payload, err := ir.MarshalPayload(d, n)
	if err != nil {
		return ir.ProofRecord{}, err
	}
	rec, err := e.chain.Append(ctx, payload)
	if err != nil {
		if ir.IsIntegrityViolation(err) {
			e.logger.Error("admission halted by ledger integrity violation",
				"node_id", n.ID,
				"to", d.To,
				"error", err,
			)
		}
		return ir.ProofRecord{}, fmt.Errorf("record %s transition of %s: %w", d.To, n.ID, err)
	}
	return rec, nil
}

// arm replaces the node's timer. With auto-verification a node entering
// REVIEWED is re-evaluated at its review deadline and one entering CANARY
// at the end of its window.
func (e *Engine) arm(ent *entry, n ir.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ent.timer != nil {
		ent.timer()
		ent.timer = nil
	}
	if e.closed || !e.cfg.EnableAutoVerification {
		return
	}

	var at time.Time
	switch {
	case n.Stage == ir.StageReviewed && n.Review != nil && n.Review.Decision == nil:
		at = n.Review.Deadline
	case n.Stage == ir.StageCanary:
		at = n.CanaryUntil
	default:
		return
	}
	delay := at.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	id := n.ID
	ent.timer = e.clock.AfterFunc(delay, func() { e.onTimer(id) })
}

func (e *Engine) onTimer(nodeID string) {
	_, err := e.Advance(context.Background(), nodeID)
	if err != nil && !errors.Is(err, ErrClosed) && !ir.IsTerminalState(err) {
		e.logger.Error("timed advance failed",
			"node_id", nodeID,
			"error", err,
		)
	}
}

func (e *Engine) lookup(nodeID string) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	ent, ok := e.nodes[nodeID]
	if !ok {
		return nil, ir.NewError(ir.CodeNotFound, "unknown node").WithNode(nodeID)
	}
	return ent, nil
}

func (e *Engine) setNode(ent *entry, n ir.Node) {
	e.mu.Lock()
	ent.node = n
	e.mu.Unlock()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func terminal(n ir.Node) error {
	return ir.NewError(ir.CodeTerminalState, "node is %s", n.Stage).WithNode(n.ID)
}

func inCanary(n ir.Node) error {
	if n.Terminal() {
		return terminal(n)
	}
	if n.Stage != ir.StageCanary {
		return ir.NewError(ir.CodeStageMismatch, "node is %s, not CANARY", n.Stage).WithNode(n.ID)
	}
	return nil
}
