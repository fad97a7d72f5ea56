package engine

import (
	"context"

	"github.com/roach88/shield/internal/gate"
	"github.com/roach88/shield/internal/ir"
	"github.com/roach88/shield/internal/store"
)

// SignalStore persists what is attached to a node between recorded
// transitions, so that a review decision or canary traffic received by one
// process is still there for the next one. *store.Store satisfies it.
type SignalStore interface {
	SaveReview(ctx context.Context, nodeID string, rd ir.ReviewDecision) error
	SaveCanary(ctx context.Context, nodeID string, requests, failures int64) error
	Signals(ctx context.Context) ([]store.NodeSignals, error)
	ClearSignals(ctx context.Context, nodeID string) error
}

// WithSignalStore persists attached review decisions and canary samples.
// Without one they live only as long as the engine.
func WithSignalStore(s SignalStore) Option {
	return func(e *Engine) {
		e.signals = s
	}
}

func (e *Engine) saveReview(ctx context.Context, nodeID string, rd ir.ReviewDecision) error {
	if e.signals == nil {
		return nil
	}
	return e.signals.SaveReview(ctx, nodeID, rd)
}

// saveCanary persists the node's current sample. On failure the in-memory
// sample is put back to before, so memory never runs ahead of the store.
func (e *Engine) saveCanary(ctx context.Context, nodeID string, before gate.CanarySample) error {
	if e.signals == nil {
		return nil
	}
	s := e.canary.Sample(nodeID)
	if err := e.signals.SaveCanary(ctx, nodeID, s.Requests, s.Failures); err != nil {
		e.canary.Set(nodeID, before)
		return err
	}
	return nil
}

// clearSignals drops a node's stored signals once the transition that
// consumed them is recorded. A failure leaves a stale row, which restore
// ignores and removes.
func (e *Engine) clearSignals(ctx context.Context, nodeID string) {
	if e.signals == nil {
		return
	}
	if err := e.signals.ClearSignals(ctx, nodeID); err != nil {
		e.logger.Error("clear node signals failed",
			"node_id", nodeID,
			"error", err,
		)
	}
}

// restoreSignals re-attaches stored signals to restored nodes. A review
// decision applies only to a node still awaiting one and canary counts only
// to a node still in CANARY; anything else is stale and removed.
// Caller holds no locks.
func (e *Engine) restoreSignals(ctx context.Context) error {
	if e.signals == nil {
		return nil
	}
	sigs, err := e.signals.Signals(ctx)
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		e.mu.Lock()
		ent, ok := e.nodes[sig.NodeID]
		e.mu.Unlock()
		if !ok {
			e.clearSignals(ctx, sig.NodeID)
			continue
		}

		ent.mu.Lock()
		used := false
		n := ent.node
		if sig.Review != nil && n.Stage == ir.StageReviewed && n.Review != nil && n.Review.Decision == nil {
			next, err := e.gate.AcceptReview(n, *sig.Review)
			if err != nil {
				e.logger.Warn("stored review decision discarded",
					"node_id", n.ID,
					"error", err,
				)
			} else {
				e.setNode(ent, next)
				used = true
			}
		}
		if sig.Requests > 0 && n.Stage == ir.StageCanary {
			e.canary.Set(n.ID, gate.CanarySample{Requests: sig.Requests, Failures: sig.Failures})
			used = true
		}
		ent.mu.Unlock()

		if !used {
			e.clearSignals(ctx, sig.NodeID)
		}
	}
	return nil
}
