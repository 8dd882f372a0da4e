package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var initFill bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the test store",
	Long: `Create the test store, or migrate an older one to the current version.
With --fill an empty store is filled from the test folder.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initFill, "fill", false,
		"Fill an empty store from the test folder (overrides tests.init_from_folder)")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("fill") {
		cfg.Tests.InitFromFolder = initFill
	}

	ctx := cmd.Context()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	tests, err := st.tdb.ListTests(ctx)
	if err != nil {
		return fmt.Errorf("listing tests: %w", err)
	}

	version, err := st.tdb.Version(ctx)
	if err != nil {
		return fmt.Errorf("reading store version: %w", err)
	}

	log.WithFields(logrus.Fields{
		"version":    version,
		"renderers":  len(st.tdb.Renderers()),
		"categories": len(st.tdb.Categories()),
		"tests":      len(tests.Tests()),
	}).Info("Store ready")

	return nil
}
