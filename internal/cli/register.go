package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/roach88/shield/internal/anchor"
	"github.com/roach88/shield/internal/ir"
)

// TrajectoryFile is the on-disk form of a registration request.
//
//	operator_id: alice
//	balance: "100"
//	trajectory:
//	  - {timestamp: 0, kind: GENESIS, vector: [0, 0, 0, 0]}
//	  - {timestamp: 1, kind: UPDATE,  vector: [0, 0, 0, 0]}
type TrajectoryFile struct {
	OperatorID string           `yaml:"operator_id"`
	Balance    ir.Fixed         `yaml:"balance"`
	Trajectory []ir.Observation `yaml:"trajectory"`
}

// LoadTrajectoryFile reads a YAML or JSONC registration request.
func LoadTrajectoryFile(path string) (TrajectoryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TrajectoryFile{}, fmt.Errorf("failed to read trajectory file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	var tf TrajectoryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return TrajectoryFile{}, fmt.Errorf("failed to parse trajectory file: %w", err)
	}
	return tf, nil
}

// RegisterOptions holds flags for the register and derive commands.
type RegisterOptions struct {
	*RootOptions
	Operator string
	Balance  string
}

// resolve loads the file and applies flag overrides.
func (o *RegisterOptions) resolve(path string) (TrajectoryFile, error) {
	tf, err := LoadTrajectoryFile(path)
	if err != nil {
		return TrajectoryFile{}, WrapExitError(ExitCommandError, "invalid registration request", err)
	}
	if o.Operator != "" {
		tf.OperatorID = o.Operator
	}
	if o.Balance != "" {
		b, err := ir.ParseFixed(o.Balance)
		if err != nil {
			return TrajectoryFile{}, WrapExitError(ExitCommandError, "invalid --balance", err)
		}
		tf.Balance = b
	}
	if tf.OperatorID == "" {
		return TrajectoryFile{}, NewExitError(ExitCommandError, "operator id is required (operator_id or --operator)")
	}
	return tf, nil
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register <trajectory-file>",
		Short: "Register an operator and start admission",
		Long: `Derive the operator's identity from its trajectory, record the
registration and, with auto-verification, drive the node until it waits
on a reviewer or reaches a terminal stage.

Exit codes:
  0 - Node registered (including a recorded quarantine)
  1 - Registration refused (invalid trajectory, duplicate, ledger halted)
  2 - Command error

Example:
  shield register --db shield.db alice.yaml
  shield register --db shield.db --operator bob --balance 250 traj.jsonc`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator id (overrides operator_id)")
	cmd.Flags().StringVar(&opts.Balance, "balance", "", "initial balance (overrides balance)")

	return cmd
}

func runRegister(opts *RegisterOptions, path string, cmd *cobra.Command) error {
	tf, err := opts.resolve(path)
	if err != nil {
		return err
	}
	return opts.withSession(cmd, func(ctx context.Context, s *session) error {
		n, err := s.engine.Register(ctx, tf.OperatorID, tf.Trajectory, tf.Balance)
		if err != nil {
			return s.format.Fail("registration refused", err)
		}
		return s.format.Success(n, formatNode(n))
	})
}

// IdentityView is the output of derive.
type IdentityView struct {
	OperatorID  string `json:"operator_id"`
	NodeID      string `json:"node_id"`
	DID         string `json:"did"`
	Fingerprint string `json:"fingerprint"`
}

// NewDeriveCommand creates the derive command.
func NewDeriveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "derive <trajectory-file>",
		Short: "Compute an operator's identity without registering",
		Long: `Print the node id, DID and fingerprint the operator would be
registered under. The ledger is not opened.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDerive(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator id (overrides operator_id)")

	return cmd
}

func runDerive(opts *RegisterOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	tf, err := opts.resolve(path)
	if err != nil {
		return err
	}

	a, err := anchor.New(cfg.LatticeDimension, anchor.WithMethod(cfg.DIDMethod))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create anchor", err)
	}
	id, err := a.Derive(tf.OperatorID, tf.Trajectory)
	if err != nil {
		return f.Fail("derivation failed", err)
	}

	view := IdentityView{
		OperatorID:  tf.OperatorID,
		NodeID:      id.NodeID,
		DID:         id.DID,
		Fingerprint: id.Fingerprint.String(),
	}
	text := fmt.Sprintf("operator:    %s\nnode:        %s\ndid:         %s\nfingerprint: %s\n",
		view.OperatorID, view.NodeID, view.DID, view.Fingerprint)
	return f.Success(view, text)
}
