package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/postgres"
)

type migrateOptions struct {
	dsn     string
	status  bool
	timeout time.Duration
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	opts := &migrateOptions{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		Long: `Apply pending PostgreSQL schema migrations embedded in the binary.

The DSN comes from storage.postgres.dsn in the config (or
PATTERND_STORAGE_POSTGRES_DSN) unless --dsn is given.

Examples:
  # Apply migrations using the configured DSN
  patternd migrate --config /etc/patternd/config.yaml

  # Print the applied schema version without migrating
  patternd migrate --dsn postgres://localhost/patternd --status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn, err := resolveDSN(root.configPath, opts.dsn)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			if !opts.status {
				if err := postgres.RunMigrations(ctx, dsn); err != nil {
					return err
				}
			}
			v, err := postgres.MigrationVersion(ctx, dsn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", v)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (overrides config)")
	cmd.Flags().BoolVar(&opts.status, "status", false, "print the applied version without migrating")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall migration timeout")
	return cmd
}

// resolveDSN prefers the flag, then the loaded config.
func resolveDSN(configPath, flagDSN string) (string, error) {
	if flagDSN != "" {
		return flagDSN, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Storage.Postgres.DSN == "" {
		return "", errors.New("no postgres dsn: set storage.postgres.dsn or pass --dsn")
	}
	return cfg.Storage.Postgres.DSN, nil
}
