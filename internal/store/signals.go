package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/shield/internal/ir"
)

// NodeSignals is what has been attached to a node since its last recorded
// transition.
type NodeSignals struct {
	NodeID   string
	Review   *ir.ReviewDecision
	Requests int64
	Failures int64
}

// SaveReview stores the review decision attached to a node, replacing any
// earlier one.
func (s *Store) SaveReview(ctx context.Context, nodeID string, rd ir.ReviewDecision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_signals
		(node_id, review_approve, review_reviewer, review_reason, review_decided_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			review_approve    = excluded.review_approve,
			review_reviewer   = excluded.review_reviewer,
			review_reason     = excluded.review_reason,
			review_decided_at = excluded.review_decided_at
	`,
		nodeID,
		rd.Approve,
		rd.Reviewer,
		rd.Reason,
		rd.DecidedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save review signal for %s: %w", nodeID, err)
	}
	return nil
}

// SaveCanary stores the canary counts accumulated for a node.
func (s *Store) SaveCanary(ctx context.Context, nodeID string, requests, failures int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_signals (node_id, canary_requests, canary_failures)
		VALUES (?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			canary_requests = excluded.canary_requests,
			canary_failures = excluded.canary_failures
	`,
		nodeID,
		requests,
		failures,
	)
	if err != nil {
		return fmt.Errorf("save canary signal for %s: %w", nodeID, err)
	}
	return nil
}

// Signals returns every stored node signal ordered by node id.
// Returns an empty slice (not nil) when there are none.
func (s *Store) Signals(ctx context.Context) ([]NodeSignals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, review_approve, review_reviewer, review_reason, review_decided_at,
		       canary_requests, canary_failures
		FROM node_signals
		ORDER BY node_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query node signals: %w", err)
	}
	defer rows.Close()

	out := []NodeSignals{}
	for rows.Next() {
		var (
			sig       NodeSignals
			approve   sql.NullBool
			reviewer  sql.NullString
			reason    sql.NullString
			decidedAt sql.NullInt64
		)
		if err := rows.Scan(
			&sig.NodeID,
			&approve,
			&reviewer,
			&reason,
			&decidedAt,
			&sig.Requests,
			&sig.Failures,
		); err != nil {
			return nil, fmt.Errorf("scan node signal: %w", err)
		}
		if reviewer.Valid {
			sig.Review = &ir.ReviewDecision{
				Approve:   approve.Bool,
				Reviewer:  reviewer.String,
				Reason:    reason.String,
				DecidedAt: time.Unix(0, decidedAt.Int64).UTC(),
			}
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node signals: %w", err)
	}
	return out, nil
}

// ClearSignals removes everything stored for a node. Clearing a node with
// no signals is not an error.
func (s *Store) ClearSignals(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM node_signals WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("clear signals for %s: %w", nodeID, err)
	}
	return nil
}
