package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shield/internal/bark"
	"github.com/roach88/shield/internal/ir"
	"github.com/roach88/shield/internal/testutil"
)

func testConfig() Config {
	return Config{
		Dimension:            4,
		DIDMethod:            "axiom",
		ReviewTime:           5 * time.Minute,
		TimeoutAction:        TimeoutReject,
		CanaryWindow:         time.Minute,
		CanaryMinSamples:     10,
		CanaryErrorThreshold: ir.MustParseFixed("0.05"),
		ShadowTolerance:      0,
		Convergence:          bark.DefaultParams(),
	}
}

func newTestGate(t *testing.T, cfg Config, opts ...Option) *Gate {
	t.Helper()
	ids := testutil.NewSequenceIDs("ticket")
	g, err := New(cfg, 3, append([]Option{WithTicketIDs(ids.Generate)}, opts...)...)
	require.NoError(t, err)
	return g
}

func newNode(t *testing.T, g *Gate, operator string, traj []ir.Observation) ir.Node {
	t.Helper()
	id, err := g.Anchor().Derive(operator, traj)
	require.NoError(t, err)
	return ir.Node{
		ID:          id.NodeID,
		DID:         id.DID,
		OperatorID:  operator,
		Fingerprint: id.Fingerprint.String(),
		Stage:       ir.StageRegistered,
		Trajectory:  traj,
		CreatedAt:   testutil.Epoch,
		UpdatedAt:   testutil.Epoch,
	}
}

// step evaluates once and applies the decision.
func step(t *testing.T, g *Gate, n ir.Node, sig Signals) (ir.Node, ir.Decision) {
	t.Helper()
	d, err := g.Evaluate(context.Background(), n, sig)
	require.NoError(t, err)
	return Apply(n, d, sig.Now), d
}

func TestNewRejectsBadConfig(t *testing.T) {
	ids := testutil.NewSequenceIDs("")

	cfg := testConfig()
	cfg.Dimension = 0
	_, err := New(cfg, 1, WithTicketIDs(ids.Generate))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.TimeoutAction = "retry"
	_, err = New(cfg, 1, WithTicketIDs(ids.Generate))
	assert.Error(t, err)

	_, err = New(testConfig(), 0, WithTicketIDs(ids.Generate))
	assert.Error(t, err, "no shadow hosts")

	_, err = New(testConfig(), 1)
	assert.Error(t, err, "no ticket ids")
}

func TestFullAdmissionPath(t *testing.T) {
	g := newTestGate(t, testConfig())
	now := testutil.Epoch
	n := newNode(t, g, "alice", testutil.StableTrajectory(4, 6))

	n, d := step(t, g, n, Signals{Now: now})
	assert.Equal(t, ir.StageValidated, n.Stage)
	assert.Equal(t, ir.OutcomePass, d.Outcome)
	assert.Equal(t, "true", d.Evidence["converged"])

	n, d = step(t, g, n, Signals{Now: now})
	require.Equal(t, ir.StageReviewed, n.Stage)
	require.NotNil(t, n.Review)
	assert.Equal(t, "ticket-1", n.Review.ID)
	assert.Equal(t, now.Add(5*time.Minute), n.Review.Deadline)
	assert.Equal(t, "ticket-1", d.Evidence["ticket"])

	n, d = step(t, g, n, Signals{Now: now.Add(time.Minute)})
	assert.Equal(t, ir.OutcomePending, d.Outcome)
	assert.Equal(t, ir.StageReviewed, n.Stage)

	n, err := g.AcceptReview(n, ir.ReviewDecision{Approve: true, Reviewer: "bob", Reason: "ok"})
	require.NoError(t, err)

	reviewedAt := now.Add(2 * time.Minute)
	n, d = step(t, g, n, Signals{Now: reviewedAt})
	assert.Equal(t, ir.StageCanary, n.Stage)
	assert.Equal(t, ir.ActorHuman, d.Actor)
	assert.Equal(t, reviewedAt.Add(time.Minute), n.CanaryUntil)

	_, d = step(t, g, n, Signals{Now: reviewedAt.Add(30 * time.Second), Canary: CanarySample{Requests: 100}})
	assert.Equal(t, ir.OutcomePending, d.Outcome, "window still open")

	n, d = step(t, g, n, Signals{Now: n.CanaryUntil, Canary: CanarySample{Requests: 100, Failures: 4}})
	assert.Equal(t, ir.StageActive, n.Stage)
	assert.False(t, n.Final)
	assert.Equal(t, "0.04", d.Evidence["error_rate"])

	n, d = step(t, g, n, Signals{Now: n.CanaryUntil})
	assert.Equal(t, ir.StageActive, n.Stage)
	assert.True(t, n.Final)
	assert.True(t, d.Final)
	assert.Equal(t, "0", d.Evidence["divergence"])
	assert.True(t, n.Terminal())

	_, err = g.Evaluate(context.Background(), n, Signals{Now: now})
	assert.True(t, ir.IsTerminalState(err))
}

func TestValidateQuarantinesOscillation(t *testing.T) {
	g := newTestGate(t, testConfig())
	n := newNode(t, g, "mallory", testutil.OscillatingTrajectory(4, 9, ir.FixedFromInt(1)))

	n, d := step(t, g, n, Signals{Now: testutil.Epoch})
	assert.Equal(t, ir.StageQuarantined, n.Stage)
	assert.Equal(t, ir.OutcomeFail, d.Outcome)
	assert.Equal(t, ir.CodeIdentityViolation, d.Code)
	assert.Equal(t, "false", d.Evidence["converged"])
}

func TestValidateQuarantinesDrift(t *testing.T) {
	g := newTestGate(t, testConfig())
	n := newNode(t, g, "mallory", testutil.DriftTrajectory(4, 6, ir.FixedFromInt(3)))

	n, d := step(t, g, n, Signals{Now: testutil.Epoch})
	assert.Equal(t, ir.StageQuarantined, n.Stage)
	assert.Equal(t, ir.CodeIdentityViolation, d.Code)
}

func TestValidateDetectsSpoofedFingerprint(t *testing.T) {
	g := newTestGate(t, testConfig())
	traj := testutil.StableTrajectory(4, 3)
	n := newNode(t, g, "alice", traj)
	other := newNode(t, g, "eve", traj)
	n.Fingerprint = other.Fingerprint

	n, d := step(t, g, n, Signals{Now: testutil.Epoch})
	assert.Equal(t, ir.StageQuarantined, n.Stage)
	assert.Equal(t, ir.CodeIdentityViolation, d.Code)
	assert.Contains(t, d.Reason, "fingerprint")
}

func TestReviewTimeout(t *testing.T) {
	tests := []struct {
		name      string
		action    TimeoutAction
		wantStage ir.Stage
		wantOut   ir.Outcome
	}{
		{"reject", TimeoutReject, ir.StageRejected, ir.OutcomeFail},
		{"hold", TimeoutHold, ir.StageReviewed, ir.OutcomePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ReviewTime = 0
			cfg.TimeoutAction = tt.action
			g := newTestGate(t, cfg)
			now := testutil.Epoch

			n := newNode(t, g, "alice", testutil.StableTrajectory(4, 1))
			n, _ = step(t, g, n, Signals{Now: now})
			n, _ = step(t, g, n, Signals{Now: now})
			n, d := step(t, g, n, Signals{Now: now})

			assert.Equal(t, tt.wantStage, n.Stage)
			assert.Equal(t, tt.wantOut, d.Outcome)
			assert.Equal(t, ir.CodeGateTimeout, d.Code)
		})
	}
}

func TestReviewRejectedByHuman(t *testing.T) {
	g := newTestGate(t, testConfig())
	n := newNode(t, g, "alice", testutil.StableTrajectory(4, 1))
	n, _ = step(t, g, n, Signals{Now: testutil.Epoch})
	n, _ = step(t, g, n, Signals{Now: testutil.Epoch})

	n, err := g.AcceptReview(n, ir.ReviewDecision{Approve: false, Reviewer: "bob", Reason: "unknown operator"})
	require.NoError(t, err)
	n, d := step(t, g, n, Signals{Now: testutil.Epoch})

	assert.Equal(t, ir.StageRejected, n.Stage)
	assert.Equal(t, ir.ActorHuman, d.Actor)
	assert.Equal(t, "unknown operator", d.Reason)
}

func TestAcceptReview(t *testing.T) {
	cfg := testConfig()
	cfg.Reviewers = []string{"bob", "carol", "dave"}
	g := newTestGate(t, cfg)
	n := newNode(t, g, "alice", testutil.StableTrajectory(4, 1))

	_, err := g.AcceptReview(n, ir.ReviewDecision{Approve: true, Reviewer: "bob"})
	assert.True(t, errors.Is(err, ir.ErrNoPendingReview), "not yet in review")

	n, _ = step(t, g, n, Signals{Now: testutil.Epoch})
	n, _ = step(t, g, n, Signals{Now: testutil.Epoch})
	assigned := n.Review.Reviewer
	require.Contains(t, cfg.Reviewers, assigned)

	var intruder string
	for _, r := range cfg.Reviewers {
		if r != assigned {
			intruder = r
			break
		}
	}
	_, err = g.AcceptReview(n, ir.ReviewDecision{Approve: true, Reviewer: intruder})
	assert.True(t, errors.Is(err, ir.ErrUnauthorizedReviewer))

	decided, err := g.AcceptReview(n, ir.ReviewDecision{Approve: true, Reviewer: assigned})
	require.NoError(t, err)
	assert.Nil(t, n.Review.Decision, "input node is not mutated")

	_, err = g.AcceptReview(decided, ir.ReviewDecision{Approve: false, Reviewer: assigned})
	assert.True(t, errors.Is(err, ir.ErrNoPendingReview), "already decided")
}

func TestAssignReviewerIsStable(t *testing.T) {
	cfg := testConfig()
	cfg.Reviewers = []string{"bob", "carol", "dave"}
	g1 := newTestGate(t, cfg)
	g2 := newTestGate(t, cfg)

	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		assert.Equal(t, g1.AssignReviewer(id), g2.AssignReviewer(id))
		assert.Contains(t, cfg.Reviewers, g1.AssignReviewer(id))
	}
	assert.Equal(t, "", newTestGate(t, testConfig()).AssignReviewer("n1"))
}

func TestCanary(t *testing.T) {
	tests := []struct {
		name   string
		sample CanarySample
		want   ir.Outcome
		wantTo ir.Stage
	}{
		{"below threshold", CanarySample{Requests: 100, Failures: 4}, ir.OutcomePass, ir.StageActive},
		{"at threshold", CanarySample{Requests: 100, Failures: 5}, ir.OutcomeFail, ir.StageQuarantined},
		{"above threshold", CanarySample{Requests: 10, Failures: 9}, ir.OutcomeFail, ir.StageQuarantined},
		{"too few samples", CanarySample{Requests: 9}, ir.OutcomePending, ir.StageCanary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate(t, testConfig())
			n := newNode(t, g, "alice", testutil.StableTrajectory(4, 1))
			n.Stage = ir.StageCanary
			n.CanaryUntil = testutil.Epoch

			d, err := g.Evaluate(context.Background(), n, Signals{Now: testutil.Epoch, Canary: tt.sample})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Outcome)
			assert.Equal(t, tt.wantTo, d.To)
		})
	}
}

func TestShadowDivergenceQuarantines(t *testing.T) {
	params := bark.DefaultParams()
	drifting := ShadowHostFunc(func(ctx context.Context, n ir.Node) ([]ir.Fixed, error) {
		est, err := ConvergenceReplay{Params: params}.Replay(ctx, n)
		if err != nil {
			return nil, err
		}
		est[0] += ir.FixedFromInt(1)
		return est, nil
	})
	g := newTestGate(t, testConfig(), WithShadowHosts(ConvergenceReplay{Params: params}, drifting))
	n := newNode(t, g, "alice", testutil.StableTrajectory(4, 3))
	n.Stage = ir.StageActive

	n, d := step(t, g, n, Signals{Now: testutil.Epoch})
	assert.Equal(t, ir.StageQuarantined, n.Stage)
	assert.Equal(t, "1", d.Evidence["divergence"])
	assert.Equal(t, "2", d.Evidence["hosts"])
}

func TestShadowHostErrorMeansNoTransition(t *testing.T) {
	failing := ShadowHostFunc(func(context.Context, ir.Node) ([]ir.Fixed, error) {
		return nil, errors.New("host unreachable")
	})
	g := newTestGate(t, testConfig(), WithShadowHosts(failing))
	n := newNode(t, g, "alice", testutil.StableTrajectory(4, 3))
	n.Stage = ir.StageActive

	_, err := g.Evaluate(context.Background(), n, Signals{Now: testutil.Epoch})
	assert.ErrorContains(t, err, "host unreachable")
}

func TestShadowHostsRunInParallel(t *testing.T) {
	const hosts = 3
	params := bark.DefaultParams()
	arrived := make(chan struct{}, hosts)
	release := make(chan struct{})
	barrier := ShadowHostFunc(func(ctx context.Context, n ir.Node) ([]ir.Fixed, error) {
		arrived <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return ConvergenceReplay{Params: params}.Replay(ctx, n)
	})
	g := newTestGate(t, testConfig(), WithShadowHosts(barrier, barrier, barrier))
	n := newNode(t, g, "alice", testutil.StableTrajectory(4, 3))
	n.Stage = ir.StageActive

	go func() {
		for i := 0; i < hosts; i++ {
			<-arrived
		}
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := g.Evaluate(ctx, n, Signals{Now: testutil.Epoch})
	require.NoError(t, err)
	assert.True(t, d.Final)
}

func TestEvaluateCancelledContext(t *testing.T) {
	g := newTestGate(t, testConfig())
	n := newNode(t, g, "alice", testutil.StableTrajectory(4, 3))
	n.Stage = ir.StageActive

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Evaluate(ctx, n, Signals{Now: testutil.Epoch})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCancel(t *testing.T) {
	g := newTestGate(t, testConfig())
	base := newNode(t, g, "alice", testutil.StableTrajectory(4, 1))

	tests := []struct {
		stage ir.Stage
		final bool
		want  ir.Stage
		code  ir.ErrorCode
	}{
		{ir.StageRegistered, false, "", ir.CodeNotCancellable},
		{ir.StageValidated, false, "", ir.CodeNotCancellable},
		{ir.StageReviewed, false, ir.StageRejected, ""},
		{ir.StageCanary, false, ir.StageQuarantined, ""},
		{ir.StageActive, false, ir.StageQuarantined, ""},
		{ir.StageActive, true, "", ir.CodeTerminalState},
		{ir.StageRejected, false, "", ir.CodeTerminalState},
	}
	for _, tt := range tests {
		n := base.Clone()
		n.Stage = tt.stage
		n.Final = tt.final

		d, err := g.Cancel(n, "operator request")
		if tt.code != "" {
			assert.Equal(t, tt.code, ir.CodeOf(err), "stage %s", tt.stage)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, d.To, "stage %s", tt.stage)
		assert.Equal(t, "cancelled: operator request", d.Reason)
	}
}

func TestApplyPendingIsNoop(t *testing.T) {
	n := ir.Node{ID: "n", Stage: ir.StageReviewed, UpdatedAt: testutil.Epoch}
	got := Apply(n, ir.Decision{Outcome: ir.OutcomePending, To: ir.StageReviewed}, testutil.Epoch.Add(time.Hour))
	assert.Equal(t, n, got)
}

func TestDefaultShadowHostsAgree(t *testing.T) {
	g := newTestGate(t, testConfig())
	n := newNode(t, g, "alice", testutil.DriftTrajectory(4, 6, ir.MustParseFixed("0.25")))
	n.Stage = ir.StageActive

	d, err := g.Evaluate(context.Background(), n, Signals{Now: testutil.Epoch})
	require.NoError(t, err)
	assert.Equal(t, ir.StageActive, d.To)
	assert.True(t, d.Final)
	assert.Equal(t, "3", d.Evidence["hosts"])
	assert.Equal(t, "0", d.Evidence["divergence"], "identical replays cannot disagree")
}
