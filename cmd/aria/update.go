package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/aria/pkg/model"
	"github.com/ethpandaops/aria/pkg/runner"
	"github.com/ethpandaops/aria/pkg/testdb"
)

var (
	referenceSelection selectionFlags
	referenceStatus    string

	ignoreSelection selectionFlags
	ignoreUnset     bool
	ignoreReference bool

	touchSelection selectionFlags
)

var referenceCmd = &cobra.Command{
	Use:   "reference [pattern...]",
	Short: "Use the archived results of the selected runs as references",
	Long: `Copy the archived image of every selected run over its reference
image. With --as the runs are also reclassified to that status first.`,
	RunE: runReference,
}

var ignoreCmd = &cobra.Command{
	Use:   "ignore [pattern...]",
	Short: "Ignore the result of the selected tests",
	Long: `Flag the selected tests so that every result is recorded as
Negligible. --unset clears the flag.`,
	RunE: runIgnore,
}

var touchCmd = &cobra.Command{
	Use:   "touch [pattern...]",
	Short: "Mark the selected runs as up to date",
	Long: `Stamp the selected runs with the current engine and scene
modification times, without running them.`,
	RunE: runTouch,
}

func init() {
	rootCmd.AddCommand(referenceCmd, ignoreCmd, touchCmd)

	referenceSelection.register(referenceCmd)
	referenceCmd.Flags().StringVar(&referenceStatus, "as", "",
		"Reclassify to this status (Negligible, Acceptable, Unacceptable, Unprocessed)")

	ignoreSelection.register(ignoreCmd)
	ignoreCmd.Flags().BoolVar(&ignoreUnset, "unset", false, "Clear the ignore flag")
	ignoreCmd.Flags().BoolVar(&ignoreReference, "reference", false,
		"Also copy the archived result over the reference image")

	touchSelection.register(touchCmd)
}

// forEachRun loads the state, selects runs and applies fn to each.
func forEachRun(
	cmd *cobra.Command,
	sel testdb.Selection,
	fn func(ctx context.Context, s *runner.State, d *testdb.DatabaseTest) (bool, error),
) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	st, state, err := loadState(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := sel.Apply(state.Runs)
	if err != nil {
		return err
	}

	changed := 0

	var errs []error

	for _, d := range runs {
		ok, err := fn(ctx, state, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s [%s]: %w", d.Test().Path(), d.Renderer().Name, err))

			continue
		}

		if ok {
			changed++
		}
	}

	log.WithFields(logrus.Fields{
		"selected": len(runs),
		"changed":  changed,
		"failed":   len(errs),
	}).Info("Done")

	return errors.Join(errs...)
}

func runReference(cmd *cobra.Command, args []string) error {
	var (
		status model.TestStatus
		err    error
	)

	if referenceStatus != "" {
		if status, err = model.ParseStatus(referenceStatus); err != nil {
			return err
		}

		if !model.IsResult(status) {
			return fmt.Errorf("%w: %s", testdb.ErrNotResultStatus, status)
		}
	}

	return forEachRun(cmd, referenceSelection.selection(args),
		func(ctx context.Context, _ *runner.State, d *testdb.DatabaseTest) (bool, error) {
			target := status
			if referenceStatus == "" {
				target = d.Status()
			}

			// Runs that never produced a result have nothing to promote.
			if !model.IsResult(target) {
				return false, nil
			}

			return true, d.UpdateStatus(ctx, target, true)
		})
}

func runIgnore(cmd *cobra.Command, args []string) error {
	seen := make(map[*testdb.DatabaseTest]bool)

	return forEachRun(cmd, ignoreSelection.selection(args),
		func(ctx context.Context, s *runner.State, d *testdb.DatabaseTest) (bool, error) {
			if seen[d] {
				return false, nil
			}

			// The flag belongs to the test, so the run of every renderer
			// follows it. The reference comes from the selected run.
			for _, run := range s.Runs.ForTest(d.Test().Category.Name, d.Test().Name) {
				if seen[run] {
					continue
				}

				seen[run] = true

				err := run.UpdateIgnoreResult(ctx, !ignoreUnset, s.DB.EngineDate(), ignoreReference && run == d)
				if err != nil {
					return false, err
				}
			}

			return true, nil
		})
}

func runTouch(cmd *cobra.Command, args []string) error {
	return forEachRun(cmd, touchSelection.selection(args),
		func(ctx context.Context, _ *runner.State, d *testdb.DatabaseTest) (bool, error) {
			return d.RefreshDates(ctx), nil
		})
}
