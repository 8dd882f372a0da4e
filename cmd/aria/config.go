package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and ARIA_* environment
overrides are applied. Secrets are masked.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

const masked = "********"

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Database.MySQL.Password != "" {
		cfg.Database.MySQL.Password = masked
	}

	if cfg.Database.Postgres.Password != "" {
		cfg.Database.Postgres.Password = masked
	}

	if s3 := cfg.Upload.S3; s3 != nil && s3.SecretAccessKey != "" {
		s3.SecretAccessKey = masked
	}

	for i := range cfg.API.Auth.Users {
		cfg.API.Auth.Users[i].Password = masked
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(out)

	return err
}
