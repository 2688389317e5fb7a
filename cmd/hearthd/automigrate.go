// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// autoMigrateEnvVar disables startup migrations when set to a false
// value. Unset or unrecognized values leave migrations enabled.
const autoMigrateEnvVar = "HEARTHD_AUTO_MIGRATE"

// parseAutoMigrate reports whether migrations should run at startup.
func parseAutoMigrate() bool {
	switch strings.ToLower(os.Getenv(autoMigrateEnvVar)) {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// runAutoMigration applies pending migrations and closes the migrator.
func runAutoMigration(m AutoMigrator) error {
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("error closing migrator", "error", err)
		}
	}()

	slog.Info("running database migrations")
	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	slog.Info("database schema up to date")
	return nil
}
