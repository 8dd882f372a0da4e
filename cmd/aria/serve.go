package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/aria/pkg/api"
	"github.com/ethpandaops/aria/pkg/events"
	"github.com/ethpandaops/aria/pkg/watch"
)

var serveWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the runner behind the HTTP API",
	Long: `Start the runner and the HTTP API, and optionally the filesystem
watcher that marks runs outdated when scenes or the engine change.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Watch scenes and the engine (overrides watch.enabled)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("watch") {
		cfg.Watch.Enabled = serveWatch
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	st, state, err := loadState(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus(log, 0)

	r, err := newRunner(cfg, state, bus)
	if err != nil {
		return err
	}

	srv := api.NewServer(log, &cfg.API, r, bus)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := r.Start(gctx); err != nil {
			return fmt.Errorf("starting runner: %w", err)
		}

		<-gctx.Done()

		return r.Stop()
	})

	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}

		<-gctx.Done()

		if err := srv.Stop(); err != nil {
			return fmt.Errorf("stopping api server: %w", err)
		}

		return nil
	})

	if cfg.Watch.Enabled {
		w := watch.New(log, st.tdb.Layout(), cfg.Tools.Engine, cfg.Watch.Debounce, watch.Refresh(log, r))

		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Shut down")

	return nil
}
