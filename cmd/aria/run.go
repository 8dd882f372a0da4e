package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/aria/pkg/events"
	"github.com/ethpandaops/aria/pkg/runner"
	"github.com/ethpandaops/aria/pkg/testdb"
)

var runSelection selectionFlags

var runCmd = &cobra.Command{
	Use:   "run [pattern...]",
	Short: "Run the selected tests and wait for them",
	Long: `Queue every selected run and execute them one at a time. Ctrl-C
cancels the queue and restores the previous statuses; a second Ctrl-C
exits immediately.`,
	RunE: runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runSelection.register(runCmd)
}

// ErrLaunchFailed is returned when a job could not be started.
var ErrLaunchFailed = errors.New("launch failed")

func runTests(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
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

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	_, ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	sel := runSelection.selection(args)

	var selected []*testdb.DatabaseTest

	if err := r.Do(ctx, func(s *runner.State) error {
		selected, err = sel.Apply(s.Runs)

		return err
	}); err != nil {
		return err
	}

	if len(selected) == 0 {
		log.Info("No tests selected")

		return nil
	}

	if err := r.Enqueue(ctx, selected...); err != nil {
		return fmt.Errorf("queueing tests: %w", err)
	}

	log.WithField("tests", len(selected)).Info("Tests queued")

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	waitCh := make(chan error, 1)

	go func() { waitCh <- r.Wait(ctx) }()

	var (
		launchFailed bool
		cancelled    bool
		tally        = make(map[string]int, 4)
	)

	for {
		select {
		case sig := <-sigCh:
			if cancelled {
				log.WithField("signal", sig).Warn("Exiting without waiting")
				cancel()

				continue
			}

			log.WithField("signal", sig).Info("Cancelling queued tests")

			cancelled = true
			r.Cancel()
		case ev, ok := <-ch:
			if !ok {
				continue
			}

			handleRunEvent(ev, tally, &launchFailed, r)
		case err := <-waitCh:
			printTally(tally)

			if err != nil {
				return err
			}

			if launchFailed {
				return ErrLaunchFailed
			}

			return nil
		}
	}
}

func handleRunEvent(ev events.Event, tally map[string]int, launchFailed *bool, r runner.Runner) {
	re, ok := ev.Data.(runner.RunEvent)
	if !ok {
		return
	}

	fields := logrus.Fields{
		"renderer": re.Renderer,
		"test":     re.Category + "/" + re.Test,
	}

	switch ev.Type {
	case events.TypeRunStarted:
		log.WithFields(fields).Debug("Running")
	case events.TypeRunFinished:
		fields["status"] = colorStatus(re.Status)
		fields["duration"] = re.Duration

		if !re.Result {
			tally["no result"]++

			log.WithFields(fields).Warn("No result")

			return
		}

		tally[re.Status]++

		log.WithFields(fields).Info("Finished")
	case events.TypeLaunchFailed:
		*launchFailed = true

		log.WithFields(fields).WithField("error", re.Error).Error("Launch failed, cancelling")
		r.Cancel()
	}
}

func printTally(tally map[string]int) {
	if len(tally) == 0 {
		return
	}

	fields := make(logrus.Fields, len(tally))
	for k, v := range tally {
		fields[k] = v
	}

	log.WithFields(fields).Info("Run summary")
}
