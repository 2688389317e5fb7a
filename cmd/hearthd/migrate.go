// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package main

import (
	"fmt"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/store"
)

// migrateConfig holds configuration for the migrate subcommand.
type migrateConfig struct {
	down  bool
	steps int
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	mcfg := &migrateConfig{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long: `Apply pending database migrations against the PostgreSQL database.
Use --down to roll everything back or --steps to move a fixed number
of migrations in either direction.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd, mcfg)
		},
	}

	cmd.Flags().BoolVar(&mcfg.down, "down", false, "roll back all migrations")
	cmd.Flags().IntVar(&mcfg.steps, "steps", 0, "apply n migrations up (negative = down)")

	return cmd
}

func runMigrate(cmd *cobra.Command, mcfg *migrateConfig) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database.URL == "" {
		return oops.Code("CONFIGURATION_ERROR").Errorf("database.url is required (set HEARTHD_DATABASE__URL or the config file)")
	}

	migrator, err := store.NewMigrator(cfg.Database.URL)
	if err != nil {
		return oops.Code("MIGRATION_OPEN_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() { _ = migrator.Close() }()

	switch {
	case mcfg.down:
		cmd.Println("Rolling back all migrations...")
		err = migrator.Down()
	case mcfg.steps != 0:
		cmd.Printf("Applying %d migration step(s)...\n", mcfg.steps)
		err = migrator.Steps(mcfg.steps)
	default:
		cmd.Println("Running migrations...")
		err = migrator.Up()
	}
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "read schema version").Wrap(err)
	}
	if dirty {
		cmd.Printf("Schema at version %d (dirty)\n", version)
	} else {
		cmd.Printf("Schema at version %d\n", version)
	}
	return nil
}
