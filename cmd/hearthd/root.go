// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the hearthd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hearthd",
		Short: "hearthd - a plugin host runtime",
		Long: `hearthd is a plugin host runtime with lifecycle management,
capability-scoped eventing, hot reload, and per-plugin execution modes
(in-process or external HTTP service).`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}
