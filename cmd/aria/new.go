package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/aria/pkg/runner"
)

var newTestIgnore bool

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create renderers, categories and tests",
}

var newRendererCmd = &cobra.Command{
	Use:   "renderer <name>",
	Short: "Create a renderer with a NotRun entry for every test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(cmd, func(s *runner.State) error {
			r, err := s.AddRenderer(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{"renderer": r.Name, "id": r.ID}).Info("Renderer ready")

			return nil
		})
	},
}

var newCategoryCmd = &cobra.Command{
	Use:   "category <name>",
	Short: "Create a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withState(cmd, func(s *runner.State) error {
			c, err := s.AddCategory(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{"category": c.Name, "id": c.ID}).Info("Category ready")

			return nil
		})
	},
}

var newTestCmd = &cobra.Command{
	Use:   "test <category>/<name>",
	Short: "Create a test and its category if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, name, ok := strings.Cut(args[0], "/")
		if !ok || category == "" || name == "" {
			return fmt.Errorf("expected <category>/<name>, got %q", args[0])
		}

		return withState(cmd, func(s *runner.State) error {
			runs, err := s.AddTest(cmd.Context(), category, name, newTestIgnore)
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"test":      category + "/" + name,
				"renderers": len(runs),
			}).Info("Test created")

			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.AddCommand(newRendererCmd, newCategoryCmd, newTestCmd)
	newTestCmd.Flags().BoolVar(&newTestIgnore, "ignore", false, "Ignore the result of the new test")
}

// withState loads the state and hands it to fn.
func withState(cmd *cobra.Command, fn func(s *runner.State) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, state, err := loadState(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(state)
}
