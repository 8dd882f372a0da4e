package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/aria/pkg/counts"
)

var (
	statusDetailed bool
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pass/fail counts by renderer and category",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusDetailed, "detailed", "d", false, "Show one row per category")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the counts tree as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, state, err := loadState(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	return printCounts(cmd, state.Counts.Snapshot())
}

func printCounts(cmd *cobra.Command, s counts.Snapshot) error {
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode(s)
	}

	renderCounts(cmd.OutOrStdout(), s, statusDetailed)

	return nil
}
