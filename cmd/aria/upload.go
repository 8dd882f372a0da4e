package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/aria/pkg/counts"
	"github.com/ethpandaops/aria/pkg/upload"
)

var (
	uploadResultDir string
	uploadSummary   bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload the Result tree to S3-compatible storage",
	Long: `Upload the new and changed files of the archived Result tree, then a
summary.json holding the current counts.`,
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadResultDir, "result-dir", "",
		"Result tree to upload (defaults to <tests.work_dir>/Result)")
	uploadCmd.Flags().BoolVar(&uploadSummary, "summary", true, "Also upload summary.json")
}

// uploadSummaryDoc is the summary.json object.
type uploadSummaryDoc struct {
	Version  string          `json:"version"`
	Uploaded time.Time       `json:"uploaded"`
	Counts   counts.Snapshot `json:"counts"`
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Upload.S3 == nil || !cfg.Upload.S3.Enabled {
		return errors.New("S3 upload is not configured or not enabled in config")
	}

	dir := uploadResultDir
	if dir == "" {
		dir = cfg.Tests.ResultDir()
	}

	uploader, err := upload.NewS3Uploader(log, cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if err := uploader.Preflight(ctx); err != nil {
		return err
	}

	log.WithField("dir", dir).Info("Uploading results")

	stats, err := uploader.Sync(ctx, dir)
	if err != nil {
		return fmt.Errorf("uploading results: %w", err)
	}

	if uploadSummary {
		st, state, err := loadState(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		doc := uploadSummaryDoc{
			Version:  version,
			Uploaded: time.Now().UTC(),
			Counts:   state.Counts.Snapshot(),
		}

		if err := uploader.PutJSON(ctx, "summary.json", doc); err != nil {
			return err
		}
	}

	log.WithFields(logrus.Fields{
		"uploaded": stats.Uploaded,
		"skipped":  stats.Skipped,
		"size":     units.HumanSize(float64(stats.Bytes)),
	}).Info("Upload completed successfully")

	return nil
}
