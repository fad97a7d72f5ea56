package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Hold the engine open so review and canary deadlines fire",
		Long: `Open the ledger and keep the engine running until interrupted.

Review deadlines and canary windows are timers inside the engine; a
short-lived command only evaluates them when asked. "shield run" keeps
them armed, so a review that times out is rejected (or held) and a
finished canary window is evaluated without further commands.

Example:
  shield run --db shield.db --config shield.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, cmd)
		},
	}
}

func runEngine(opts *RootOptions, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	return opts.withSession(cmd, func(_ context.Context, s *session) error {
		go func() {
			select {
			case sig := <-sigChan:
				s.logger.Info("received signal, shutting down", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()

		m := s.engine.Metrics()
		s.logger.Info("engine starting",
			"db", s.cfg.Database,
			"nodes", m.Nodes,
			"records", m.Records,
			"halted", m.Halted,
		)
		fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Waiting on review and canary deadlines...")
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

		<-ctx.Done()

		s.logger.Info("engine stopped gracefully", "records", s.chain.Len())
		return nil
	})
}
