package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/shield/internal/config"
	"github.com/roach88/shield/internal/engine"
	"github.com/roach88/shield/internal/proofchain"
	"github.com/roach88/shield/internal/store"
)

// session is one open ledger with the engine rebuilt over it.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	chain  *proofchain.Chain
	engine *engine.Engine
	format *OutputFormatter
}

// loadConfig resolves the configuration: the preset (or defaults), then
// the config file over it, then --db.
func (o *RootOptions) loadConfig() (config.Config, error) {
	base := config.Default()
	if o.Preset != "" {
		p, err := config.Preset(o.Preset)
		if err != nil {
			return config.Config{}, err
		}
		base = p
	}

	cfg := base
	if o.ConfigPath != "" {
		c, err := config.LoadOver(o.ConfigPath, base)
		if err != nil {
			return config.Config{}, err
		}
		cfg = c
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	return cfg, nil
}

// newLogger writes text logs to w at the configured level, or at debug
// with --verbose.
func (o *RootOptions) newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level := cfg.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:  o.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: o.Verbose,
	}
}

// openStore opens the configured SQLite ledger.
func (o *RootOptions) openStore(cfg config.Config) (*store.Store, error) {
	if cfg.Database == "" {
		return nil, NewExitError(ExitCommandError, "no ledger database: pass --db or set \"database\" in the config file")
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openSession loads the configuration, opens the ledger and rebuilds the
// engine from it. The caller must Close the session.
func (o *RootOptions) openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := o.newLogger(cmd.ErrOrStderr(), cfg)

	st, err := o.openStore(cfg)
	if err != nil {
		return nil, err
	}
	logger.Debug("database ready", "path", cfg.Database)

	ctx := commandContext(cmd)
	copts := []proofchain.Option{proofchain.WithLogger(logger)}
	if o.Clock != nil {
		copts = append(copts, proofchain.WithClock(o.Clock.Now))
	}
	chain, err := proofchain.Open(ctx, st, copts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}

	eopts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSignalStore(st),
	}
	if o.Clock != nil {
		eopts = append(eopts, engine.WithClock(o.Clock))
	}
	if o.IDs != nil {
		eopts = append(eopts, engine.WithIDGenerator(o.IDs))
	}
	eng, err := engine.New(ctx, cfg, chain, eopts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	return &session{
		cfg:    cfg,
		logger: logger,
		store:  st,
		chain:  chain,
		engine: eng,
		format: o.formatter(cmd),
	}, nil
}

// Close stops the engine and closes the database.
func (s *session) Close() error {
	if err := s.engine.Close(); err != nil {
		s.store.Close()
		return err
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withSession runs fn over an open session and closes it afterwards.
func (o *RootOptions) withSession(cmd *cobra.Command, fn func(context.Context, *session) error) error {
	s, err := o.openSession(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			s.logger.Error("error closing session", "error", closeErr)
		}
	}()
	return fn(commandContext(cmd), s)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
