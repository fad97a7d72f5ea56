package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shield/internal/ir"
	"github.com/roach88/shield/internal/proofchain"
)

// VerifyResult is the output of verify and audit.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	Count        int64  `json:"count"`
	FirstInvalid int64  `json:"first_invalid,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Head         string `json:"head,omitempty"`
}

func verifyResult(res proofchain.Result, head string) VerifyResult {
	v := VerifyResult{Valid: res.Valid, Count: res.Count, Head: head}
	if !res.Valid {
		v.FirstInvalid = res.FirstInvalid
		v.Reason = res.Reason
		v.Head = ""
	}
	return v
}

func (v VerifyResult) text() string {
	if v.Valid {
		return fmt.Sprintf("\u2713 ledger valid: %d records, head %s\n", v.Count, v.Head)
	}
	return fmt.Sprintf("\u2717 ledger invalid at record %d: %s\n", v.FirstInvalid, v.Reason)
}

// reportVerify prints v and fails with ExitFailure when it is invalid.
func reportVerify(f *OutputFormatter, v VerifyResult) error {
	if v.Valid {
		return f.Success(v, v.text())
	}
	if f.Format == "json" {
		_ = f.Error(string(ir.CodeIntegrityViolation), v.Reason, v)
	} else {
		_ = f.Success(v, v.text())
	}
	return NewExitError(ExitFailure, fmt.Sprintf("ledger invalid at record %d", v.FirstInvalid))
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash of the proof ledger",
		Long: `Walk the ledger from genesis and recompute every payload and
record hash. A mismatch halts admissions until "shield resume" succeeds.

Exit codes:
  0 - Ledger valid
  1 - Ledger invalid
  2 - Command error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				res, err := s.engine.VerifyLedger(ctx)
				if err != nil {
					return s.format.Fail("verify failed", err)
				}
				return reportVerify(s.format, verifyResult(res, s.chain.Head()))
			})
		},
	}
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "resume",
		Short:         "Lift an integrity halt after the ledger verifies again",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				if err := s.engine.ResumeLedger(ctx); err != nil {
					return s.format.Fail("resume failed", err)
				}
				return s.format.Success(map[string]any{"resumed": true, "records": s.chain.Len()},
					fmt.Sprintf("Ledger resumed at %d records.\n", s.chain.Len()))
			})
		},
	}
}

// TraceEntry is one decoded ledger record.
type TraceEntry struct {
	Seq        int64  `json:"seq"`
	Timestamp  string `json:"timestamp"`
	NodeID     string `json:"node_id"`
	OperatorID string `json:"operator_id"`
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
	Outcome    string `json:"outcome"`
	Actor      string `json:"actor"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Final      bool   `json:"final,omitempty"`
	RecordHash string `json:"record_hash"`
}

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Node string
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the decisions recorded in the ledger",
		Long: `Decode every ledger record and print its decision in append order.

Example:
  shield trace --db shield.db
  shield trace --db shield.db --node 0b6c... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(cmd, func(ctx context.Context, s *session) error {
				recs, err := s.chain.Records(ctx)
				if err != nil {
					return s.format.Fail("trace failed", err)
				}
				entries, err := traceEntries(recs, opts.Node)
				if err != nil {
					return WrapExitError(ExitFailure, "trace failed", err)
				}
				return s.format.Success(entries, formatTrace(entries))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Node, "node", "", "only show records of this node")

	return cmd
}

// traceEntries decodes recs, keeping those of nodeID when it is set.
func traceEntries(recs []ir.ProofRecord, nodeID string) ([]TraceEntry, error) {
	entries := []TraceEntry{}
	for _, rec := range recs {
		p, err := ir.UnmarshalPayload(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		if nodeID != "" && p.Node.ID != nodeID {
			continue
		}
		d := p.Decision
		entries = append(entries, TraceEntry{
			Seq:        rec.Seq,
			Timestamp:  time.Unix(0, rec.Timestamp).UTC().Format(time.RFC3339Nano),
			NodeID:     p.Node.ID,
			OperatorID: p.Node.OperatorID,
			From:       string(d.From),
			To:         string(d.To),
			Outcome:    string(d.Outcome),
			Actor:      string(d.Actor),
			Code:       string(d.Code),
			Reason:     d.Reason,
			Final:      d.Final,
			RecordHash: rec.RecordHash,
		})
	}
	return entries, nil
}

func formatTrace(entries []TraceEntry) string {
	if len(entries) == 0 {
		return "No records.\n"
	}
	var b strings.Builder
	for _, e := range entries {
		from := e.From
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(&b, "[%d] %s %s %s -> %s %s by %s", e.Seq, e.Timestamp, e.OperatorID, from, e.To, e.Outcome, e.Actor)
		if e.Code != "" {
			fmt.Fprintf(&b, " %s", e.Code)
		}
		if e.Final {
			b.WriteString(" final")
		}
		if e.Reason != "" {
			fmt.Fprintf(&b, " (%s)", e.Reason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the ledger to an offline audit file",
		Long: `Write every ledger record to a compressed deterministic CBOR file
that "shield audit" can check without the database.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				recs, err := s.chain.Records(ctx)
				if err != nil {
					return s.format.Fail("export failed", err)
				}
				now := time.Now()
				if rootOpts.Clock != nil {
					now = rootOpts.Clock.Now()
				}
				exp := proofchain.NewExport(recs, now)
				if err := writeExportFile(args[0], exp); err != nil {
					return WrapExitError(ExitCommandError, "export failed", err)
				}
				return s.format.Success(
					map[string]any{"file": args[0], "records": len(recs), "head": exp.Head},
					fmt.Sprintf("Exported %d records to %s (head %s)\n", len(recs), args[0], exp.Head))
			})
		},
	}
}

func writeExportFile(path string, exp proofchain.Export) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := proofchain.WriteExport(f, exp); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readExportFile(path string) (proofchain.Export, error) {
	f, err := os.Open(path)
	if err != nil {
		return proofchain.Export{}, err
	}
	defer f.Close()
	return proofchain.ReadExport(f)
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <file>",
		Short: "Verify an exported ledger offline",
		Long: `Recompute every hash of an export file and check its declared
head. No database is opened.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			exp, err := readExportFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read export", err)
			}
			return reportVerify(f, verifyResult(proofchain.Audit(exp), exp.Head))
		},
	}
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load an exported ledger into an empty database",
		Long: `Audit an export file and copy its records into the database named
by --db. The target ledger must be empty.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			exp, err := readExportFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read export", err)
			}
			st, err := rootOpts.openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := proofchain.Import(commandContext(cmd), st, exp); err != nil {
				return f.Fail("import failed", err)
			}
			return f.Success(
				map[string]any{"records": len(exp.Records), "head": exp.Head},
				fmt.Sprintf("Imported %d records (head %s)\n", len(exp.Records), exp.Head))
		},
	}
}

// NewMetricsCommand creates the metrics command.
func NewMetricsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "metrics",
		Short:         "Show node counts per stage and the ledger position",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(_ context.Context, s *session) error {
				m := s.engine.Metrics()
				var b strings.Builder
				fmt.Fprintf(&b, "nodes:   %d (%d final)\n", m.Nodes, m.Final)
				for _, st := range ir.Stages {
					fmt.Fprintf(&b, "  %-11s %d\n", st, m.ByStage[st])
				}
				fmt.Fprintf(&b, "records: %d\n", m.Records)
				fmt.Fprintf(&b, "head:    %s\n", m.Head)
				fmt.Fprintf(&b, "halted:  %v\n", m.Halted)
				return s.format.Success(m, b.String())
			})
		},
	}
}
