package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/aria/pkg/runner"
)

var viewCmd = &cobra.Command{
	Use:   "view <renderer> <category>/<test>",
	Short: "Open a scene in the viewer",
	Long:  `Launch "<viewer> <scene> -<renderer>" detached from aria.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runView,
}

func init() {
	rootCmd.AddCommand(viewCmd)
}

func runView(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Tools.Viewer == "" {
		return errors.New("tools.viewer is required")
	}

	category, name, ok := strings.Cut(args[1], "/")
	if !ok {
		return fmt.Errorf("expected <category>/<test>, got %q", args[1])
	}

	st, state, err := loadState(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	d, err := state.Find(args[0], category, name)
	if err != nil {
		return err
	}

	scene := state.DB.Layout().ScenePath(d.Test())

	pid, err := runner.NewExecLauncher(log, 0).Detach(cfg.Tools.Viewer, scene, "-"+d.Renderer().Name)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"scene": scene,
		"pid":   pid,
	}).Info("Viewer started")

	return nil
}
