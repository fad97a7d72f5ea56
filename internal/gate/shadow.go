package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/shield/internal/anchor"
	"github.com/roach88/shield/internal/bark"
	"github.com/roach88/shield/internal/ir"
)

// ShadowHost replays a node's behavior and reports its settled estimate.
// Hosts are non-authoritative; the gate compares their answers.
type ShadowHost interface {
	Replay(ctx context.Context, node ir.Node) ([]ir.Fixed, error)
}

// ShadowHostFunc adapts a function to ShadowHost.
type ShadowHostFunc func(ctx context.Context, node ir.Node) ([]ir.Fixed, error)

// Replay calls f.
func (f ShadowHostFunc) Replay(ctx context.Context, node ir.Node) ([]ir.Fixed, error) {
	return f(ctx, node)
}

// ConvergenceReplay is the default shadow host: it reruns the convergence
// validator over the node's trajectory. The validator is deterministic, so
// a pool made only of ConvergenceReplay hosts always reports divergence 0
// and catches nothing the REGISTERED check did not. Real redundancy needs
// independent hosts passed with WithShadowHosts.
type ConvergenceReplay struct {
	Params bark.Params
}

// Replay implements ShadowHost.
func (r ConvergenceReplay) Replay(ctx context.Context, node ir.Node) ([]ir.Fixed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fp, err := anchor.ParseFingerprint(node.Fingerprint)
	if err != nil {
		return nil, err
	}
	v, err := bark.Validate(fp, node.Trajectory, r.Params)
	if err != nil {
		return nil, err
	}
	return v.Estimate, nil
}

type hostResult struct {
	estimate []ir.Fixed
	err      error
}

// shadow runs every host in parallel and waits for all of them. The
// divergence is the largest L-infinity distance between a host estimate
// and the gate's own reference replay.
func (g *Gate) shadow(ctx context.Context, node ir.Node) (ir.Decision, error) {
	ref, err := ConvergenceReplay{Params: g.cfg.Convergence}.Replay(ctx, node)
	if err != nil {
		return ir.Decision{}, fmt.Errorf("shadow reference: %w", err)
	}

	results := make([]hostResult, len(g.hosts))
	var wg sync.WaitGroup
	for i, h := range g.hosts {
		wg.Add(1)
		go func(i int, h ShadowHost) {
			defer wg.Done()
			est, err := h.Replay(ctx, node.Clone())
			results[i] = hostResult{estimate: est, err: err}
		}(i, h)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return ir.Decision{}, err
	}

	var divergence ir.Fixed
	for i, r := range results {
		if r.err != nil {
			return ir.Decision{}, fmt.Errorf("shadow host %d: %w", i, r.err)
		}
		if len(r.estimate) != len(ref) {
			return ir.Decision{}, fmt.Errorf("shadow host %d: estimate has %d components, want %d", i, len(r.estimate), len(ref))
		}
		if d := ir.MaxAbsDiff(r.estimate, ref); d > divergence {
			divergence = d
		}
	}

	d := ir.Decision{
		NodeID: node.ID,
		From:   node.Stage,
		Actor:  ir.ActorSystem,
		Evidence: map[string]string{
			"hosts":      fmt.Sprint(len(g.hosts)),
			"divergence": divergence.String(),
			"tolerance":  g.cfg.ShadowTolerance.String(),
		},
	}
	if divergence <= g.cfg.ShadowTolerance {
		d.To = ir.StageActive
		d.Outcome = ir.OutcomePass
		d.Final = true
		return d, nil
	}
	d.To = ir.StageQuarantined
	d.Outcome = ir.OutcomeFail
	d.Reason = fmt.Sprintf("shadow divergence %s exceeds %s", divergence, g.cfg.ShadowTolerance)
	return d, nil
}
