package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/shield/internal/ir"
)

// restore rebuilds the node registry from the chain.
//
// Each record carries the node snapshot after its transition, so the last
// record of a node is its current state. Only the registration record
// embeds the trajectory; later snapshots inherit it and extend it with the
// observations their decision appended. Replaying the same records always
// yields the same registry, and nothing is appended.
//
// Review decisions and canary traffic attached since a node's last record
// are not in the chain. They come back from the signal store when there is
// one, and are lost otherwise.
func (e *Engine) restore(ctx context.Context) error {
	recs, err := e.chain.Records(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	e.mu.Lock()
	for _, rec := range recs {
		p, err := ir.UnmarshalPayload(rec.Payload)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("restore record %d: %w", rec.Seq, err)
		}
		n := p.Node
		ent, ok := e.nodes[n.ID]
		switch {
		case !ok && p.Decision.To != ir.StageRegistered:
			e.mu.Unlock()
			return fmt.Errorf("restore record %d: node %s first appears as %s", rec.Seq, n.ID, p.Decision.To)
		case !ok:
			ent = &entry{}
			e.nodes[n.ID] = ent
			e.order = append(e.order, n.ID)
		case n.Trajectory == nil:
			n.Trajectory = ent.node.Trajectory
		}
		if len(p.Decision.Observations) > 0 {
			n.Trajectory = append(slices.Clip(n.Trajectory), p.Decision.Observations...)
		}
		ent.node = n
	}
	entries := make([]*entry, 0, len(e.order))
	for _, id := range e.order {
		entries = append(entries, e.nodes[id])
	}
	e.mu.Unlock()

	if err := e.restoreSignals(ctx); err != nil {
		return fmt.Errorf("restore signals: %w", err)
	}
	for _, ent := range entries {
		e.arm(ent, ent.node)
	}
	if len(recs) > 0 {
		e.logger.Info("registry restored from ledger",
			"records", len(recs),
			"nodes", len(entries),
		)
	}
	return nil
}
