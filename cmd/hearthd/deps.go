// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package main

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/hearthd/hearthd/internal/observability"
	"github.com/hearthd/hearthd/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// StoreFactory creates the persistence layer from a database URL.
	// Default: store.New
	StoreFactory func(ctx context.Context, url string) (PluginStore, error)

	// MigratorFactory creates a migrator for automatic schema migration.
	// Default: store.NewMigrator
	MigratorFactory func(url string) (AutoMigrator, error)

	// AutoMigrateGetter reports whether migrations run at startup.
	// Default: reads HEARTHD_AUTO_MIGRATE (defaults to true)
	AutoMigrateGetter func() bool

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

// PluginStore is the slice of store.Store the serve command uses: mode
// records, persisted plugin configuration, and transactional sessions.
type PluginStore interface {
	UpsertMode(ctx context.Context, rec store.ModeRecord) error
	GetMode(ctx context.Context, pluginID string) (store.ModeRecord, error)
	ListModes(ctx context.Context) ([]store.ModeRecord, error)
	SetPluginConfig(ctx context.Context, pluginID string, cfg map[string]any) error
	GetPluginConfig(ctx context.Context, pluginID string) (map[string]any, error)
	ListPluginConfigs(ctx context.Context) (map[string]map[string]any, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	Close()
}

// AutoMigrator interface wraps the methods used from store.Migrator.
type AutoMigrator interface {
	Up() error
	Close() error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}
