package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/aria/pkg/config"
	"github.com/ethpandaops/aria/pkg/db"
	"github.com/ethpandaops/aria/pkg/events"
	"github.com/ethpandaops/aria/pkg/runner"
	"github.com/ethpandaops/aria/pkg/testdb"
)

// loadConfig reads and validates the configuration, then applies its
// logging settings unless --log-level was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	if cfg.Global.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return cfg, nil
}

// store is an initialised test store and the connection under it.
type store struct {
	conn *db.Connection
	tdb  *testdb.TestDatabase
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	conn, err := db.Open(log, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	tdb, err := testdb.New(log, conn, &cfg.Tests, &cfg.Tools)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	if err := tdb.Initialise(ctx); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("initialising store: %w", err)
	}

	return &store{conn: conn, tdb: tdb}, nil
}

func (s *store) Close() {
	s.tdb.Close()

	if err := s.conn.Close(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}

// loadState opens the store and loads every test and latest run.
func loadState(ctx context.Context, cfg *config.Config) (*store, *runner.State, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	state, err := runner.LoadState(ctx, st.tdb)
	if err != nil {
		st.Close()

		return nil, nil, err
	}

	return st, state, nil
}

// newRunner builds a runner driving the configured tools.
func newRunner(cfg *config.Config, state *runner.State, bus *events.Bus) (runner.Runner, error) {
	if err := cfg.ValidateTools(); err != nil {
		return nil, err
	}

	maxLog, err := cfg.Runner.MaxLogBytes()
	if err != nil {
		return nil, fmt.Errorf("parsing runner.max_log_size: %w", err)
	}

	return runner.NewRunner(log, &runner.Config{
		Launcher:          cfg.Tools.Launcher,
		Differ:            cfg.Tools.Differ,
		PollInterval:      cfg.Runner.PollInterval,
		AnimationInterval: cfg.Runner.AnimationInterval,
	}, runner.NewExecLauncher(log, maxLog), state, bus), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// selectionFlags binds a run selection to command flags. Positional
// arguments are taken as extra patterns.
type selectionFlags struct {
	sel testdb.Selection
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringSliceVarP(&f.sel.Renderers, "renderer", "r", nil, "Limit to these renderers")
	flags.StringVarP(&f.sel.Status, "status", "s", "", "Keep runs with this status")
	flags.StringVar(&f.sel.AllBut, "all-but", "", "Drop runs with this status")
	flags.StringSliceVarP(&f.sel.Patterns, "pattern", "p", nil,
		"Glob on \"<Category>/<Test>\" (repeatable)")
	flags.StringSliceVarP(&f.sel.Keywords, "keyword", "k", nil, "Keep tests tagged with any of these keywords")
	flags.BoolVar(&f.sel.Outdated, "outdated", false, "Keep runs older than the engine or their scene")
	flags.BoolVar(&f.sel.Ignored, "ignored", false, "Keep tests whose result is ignored")
}

func (f *selectionFlags) selection(args []string) testdb.Selection {
	sel := f.sel
	sel.Patterns = append(append([]string(nil), sel.Patterns...), args...)

	return sel
}
