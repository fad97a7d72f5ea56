package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shield/internal/ir"
)

// formatNode renders a node for text output.
func formatNode(n ir.Node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "node:     %s\n", n.ID)
	fmt.Fprintf(&b, "operator: %s\n", n.OperatorID)
	fmt.Fprintf(&b, "did:      %s\n", n.DID)
	fmt.Fprintf(&b, "stage:    %s\n", n.Stage)
	fmt.Fprintf(&b, "final:    %v\n", n.Final)
	fmt.Fprintf(&b, "balance:  %s\n", n.Balance)
	if n.Review != nil {
		reviewer := n.Review.Reviewer
		if reviewer == "" {
			reviewer = "any"
		}
		fmt.Fprintf(&b, "review:   %s reviewer=%s deadline=%s", n.Review.ID, reviewer, n.Review.Deadline.Format(time.RFC3339))
		if d := n.Review.Decision; d != nil {
			verdict := "reject"
			if d.Approve {
				verdict = "approve"
			}
			fmt.Fprintf(&b, " decision=%s by %s", verdict, d.Reviewer)
		}
		b.WriteByte('\n')
	}
	if n.Stage == ir.StageCanary {
		fmt.Fprintf(&b, "canary:   until %s\n", n.CanaryUntil.Format(time.RFC3339))
	}
	return b.String()
}

// nodeCommand builds a command acting on one node id.
func nodeCommand(rootOpts *RootOptions, use, short, long string, fn func(context.Context, *session, string) (ir.Node, error)) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				n, err := fn(ctx, s, args[0])
				if err != nil {
					return s.format.Fail(cmd.Name()+" failed", err)
				}
				return s.format.Success(n, formatNode(n))
			})
		},
	}
}

// NewAdvanceCommand creates the advance command.
func NewAdvanceCommand(rootOpts *RootOptions) *cobra.Command {
	return nodeCommand(rootOpts, "advance <node-id>", "Evaluate a node's next gate stage",
		`Evaluate the node's current stage. Without auto-verification one stage
is evaluated; with it the node is driven until it blocks or is terminal.
A node still waiting (review open, canary window running) is unchanged.`,
		func(ctx context.Context, s *session, id string) (ir.Node, error) {
			return s.engine.Advance(ctx, id)
		})
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return nodeCommand(rootOpts, "status <node-id>", "Show a node", "",
		func(_ context.Context, s *session, id string) (ir.Node, error) {
			return s.engine.Status(id)
		})
}

// CancelOptions holds flags for the cancel command.
type CancelOptions struct {
	*RootOptions
	Reason string
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CancelOptions{RootOptions: rootOpts}
	cmd := nodeCommand(rootOpts, "cancel <node-id>", "Withdraw a node from admission",
		`Resolve a node waiting on review to REJECTED, or a node in canary or
shadow confirmation to QUARANTINED. Other stages cannot be cancelled.`,
		func(ctx context.Context, s *session, id string) (ir.Node, error) {
			return s.engine.Cancel(ctx, id, opts.Reason)
		})
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded with the cancellation")
	return cmd
}

// ReviewOptions holds flags for the review command.
type ReviewOptions struct {
	*RootOptions
	Reviewer string
	Reason   string
}

// NewReviewCommand creates the review command.
func NewReviewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReviewOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "review <node-id> <approve|reject>",
		Short: "Decide a pending human review",
		Long: `Attach a reviewer's verdict to a node waiting in REVIEWED and
evaluate it. Approval moves the node to CANARY; rejection to REJECTED.
Decisions are recorded by the evaluation, so this command always
evaluates the node before it exits.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Reviewer, "reviewer", "", "reviewer id (required)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded with the decision")
	_ = cmd.MarkFlagRequired("reviewer")

	return cmd
}

func runReview(opts *ReviewOptions, nodeID, verdict string, cmd *cobra.Command) error {
	var approve bool
	switch verdict {
	case "approve":
		approve = true
	case "reject":
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid verdict %q: must be approve or reject", verdict))
	}

	return opts.withSession(cmd, func(ctx context.Context, s *session) error {
		n, err := s.engine.SubmitReview(ctx, nodeID, ir.ReviewDecision{
			Approve:  approve,
			Reviewer: opts.Reviewer,
			Reason:   opts.Reason,
		})
		if err == nil && !s.cfg.EnableAutoVerification {
			n, err = s.engine.Advance(ctx, nodeID)
		}
		if err != nil {
			return s.format.Fail("review failed", err)
		}
		return s.format.Success(n, formatNode(n))
	})
}

// CanaryOptions holds flags for the canary command.
type CanaryOptions struct {
	*RootOptions
	Requests int64
	Failures int64
}

// NewCanaryCommand creates the canary command.
func NewCanaryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CanaryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "canary <node-id>",
		Short: "Report canary traffic for a node",
		Long: `Add aggregated canary request counts to a node in CANARY and
evaluate it. Once the canary window has closed the node is promoted to
ACTIVE when the error rate is below the threshold, and quarantined
otherwise. Counts accumulate across calls in the ledger database until
the node leaves CANARY.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCanary(opts, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Requests, "requests", 0, "number of canary requests")
	cmd.Flags().Int64Var(&opts.Failures, "failures", 0, "number of failed canary requests")

	return cmd
}

func runCanary(opts *CanaryOptions, nodeID string, cmd *cobra.Command) error {
	if opts.Requests < 0 || opts.Failures < 0 || opts.Failures > opts.Requests {
		return NewExitError(ExitCommandError, "need 0 <= failures <= requests")
	}
	return opts.withSession(cmd, func(ctx context.Context, s *session) error {
		n, err := s.engine.AggregateCanary(ctx, nodeID, opts.Requests, opts.Failures)
		if err == nil && !s.cfg.EnableAutoVerification {
			n, err = s.engine.Advance(ctx, nodeID)
		}
		if err != nil {
			return s.format.Fail("canary failed", err)
		}
		return s.format.Success(n, formatNode(n))
	})
}

// NewObserveCommand creates the observe command.
func NewObserveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "observe <node-id> <trajectory-file>",
		Short: "Append observations to a node's trajectory",
		Long: `Append the file's observations to a node that is not yet terminal
and re-check its identity. The file has the register format; operator_id
and balance are ignored. Timestamps must follow the node's last
observation. A GENESIS observation that derives a different fingerprint,
or a trajectory that no longer converges, quarantines the node.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := LoadTrajectoryFile(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid observations", err)
			}
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				n, err := s.engine.Observe(ctx, args[0], tf.Trajectory)
				if err != nil {
					return s.format.Fail("observe failed", err)
				}
				return s.format.Success(n, formatNode(n))
			})
		},
	}
}

// NodeList is the output of list.
type NodeList struct {
	Nodes []ir.Node `json:"nodes"`
	Total int       `json:"total"`
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Stage string
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List nodes in registration order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(_ context.Context, s *session) error {
				out := NodeList{Nodes: []ir.Node{}}
				var b strings.Builder
				for _, n := range s.engine.List() {
					if opts.Stage != "" && string(n.Stage) != opts.Stage {
						continue
					}
					n.Trajectory = nil
					out.Nodes = append(out.Nodes, n)
					final := ""
					if n.Final {
						final = " (final)"
					}
					fmt.Fprintf(&b, "%s  %-11s %s%s\n", n.ID, n.Stage, n.OperatorID, final)
				}
				out.Total = len(out.Nodes)
				if out.Total == 0 {
					b.WriteString("No nodes.\n")
				}
				return s.format.Success(out, b.String())
			})
		},
	}

	cmd.Flags().StringVar(&opts.Stage, "stage", "", "only list nodes at this stage")

	return cmd
}
