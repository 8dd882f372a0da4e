package main

import (
	"github.com/spf13/cobra"
)

var listSelection selectionFlags

var listCmd = &cobra.Command{
	Use:   "list [pattern...]",
	Short: "List the latest run of every selected test",
	Long: `List the latest run of every test under every renderer. Positional
arguments are globs on "<Category>/<Test>", for example "Shadow/*".`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listSelection.register(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, state, err := loadState(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := listSelection.selection(args).Apply(state.Runs)
	if err != nil {
		return err
	}

	renderRuns(cmd.OutOrStdout(), runs)

	return nil
}
