// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthd/hearthd/internal/bus"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/control"
	"github.com/hearthd/hearthd/internal/logging"
	"github.com/hearthd/hearthd/internal/mode"
	"github.com/hearthd/hearthd/internal/observability"
	"github.com/hearthd/hearthd/internal/plugin"
	"github.com/hearthd/hearthd/internal/plugin/capability"
	"github.com/hearthd/hearthd/internal/router"
	"github.com/hearthd/hearthd/internal/store"
	"github.com/hearthd/hearthd/internal/xdg"
	"github.com/hearthd/hearthd/plugins/echo"
	"github.com/hearthd/hearthd/plugins/sysmon"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the plugin host",
		Long: `Start the plugin host: discover and load plugins, serve their
HTTP routes, and expose the management API over a Unix socket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	def := config.Defaults()
	cmd.Flags().String("server.addr", def.Server.Addr, "public HTTP listen address")
	cmd.Flags().String("server.metrics_addr", def.Server.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("server.control_socket", "", "control socket path (default: XDG runtime dir)")
	cmd.Flags().String("database.url", "", "PostgreSQL connection URL")
	cmd.Flags().String("plugins.installed_dir", "", "installed plugin manifests directory (default: XDG plugins dir)")
	cmd.Flags().String("log.format", def.Log.Format, "log format (json or text)")
	cmd.Flags().String("log.level", def.Log.Level, "log level (debug, info, warn, error)")

	return cmd
}

// runServeWithDeps starts the host with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.StoreFactory == nil {
		deps.StoreFactory = func(ctx context.Context, url string) (PluginStore, error) {
			return store.New(ctx, url)
		}
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(url string) (AutoMigrator, error) {
			return store.NewMigrator(url)
		}
	}
	if deps.AutoMigrateGetter == nil {
		deps.AutoMigrateGetter = parseAutoMigrate
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, rc observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, rc)
		}
	}

	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.SetDefault("hearthd", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))

	slog.Info("starting plugin host",
		"addr", cfg.Server.Addr,
		"log_format", cfg.Log.Format,
	)

	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required (set HEARTHD_DATABASE__URL or the config file)")
	}

	if deps.AutoMigrateGetter() {
		migrator, err := deps.MigratorFactory(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
		if err := runAutoMigration(migrator); err != nil {
			return fmt.Errorf("automatic migration failed: %w", err)
		}
	}

	st, err := deps.StoreFactory(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	slog.Info("connected to database")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Seed the explicit configuration tier: config file entries first,
	// then admin-set values persisted in the database on top.
	explicit := make(map[string]map[string]any, len(cfg.Plugins.Config))
	for id, c := range cfg.Plugins.Config {
		explicit[id] = maps.Clone(c)
	}
	stored, err := st.ListPluginConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted plugin configuration: %w", err)
	}
	maps.Copy(explicit, stored)

	resolver := config.NewResolver(cfg.Plugins.Defaults, explicit)

	b := bus.New(
		bus.WithDebounceWindow(cfg.Bus.DebounceWindow),
		bus.WithBatchSize(cfg.Bus.BatchSize),
		bus.WithHistorySize(cfg.Bus.HistorySize),
	)
	b.Start(ctx)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := b.Close(closeCtx); err != nil {
			slog.Warn("error closing event bus", "error", err)
		}
	}()

	installedDir := cfg.Plugins.InstalledDir
	if installedDir == "" {
		installedDir, err = xdg.PluginsDir()
		if err != nil {
			return fmt.Errorf("failed to resolve plugins directory: %w", err)
		}
	}

	surface := router.New()
	registry := plugin.NewRegistry(b, surface, capability.NewEnforcer(), resolver,
		plugin.WithInstalledDir(installedDir),
		plugin.WithLoadParallelism(cfg.Plugins.LoadParallelism),
		plugin.WithLoadTimeout(cfg.Plugins.LoadTimeout),
		plugin.WithSessions(st),
	)

	if err := registry.RegisterBuiltin(echo.Manifest(), echo.New); err != nil {
		return fmt.Errorf("failed to register echo plugin: %w", err)
	}
	if err := registry.RegisterBuiltin(sysmon.Manifest(), sysmon.New); err != nil {
		return fmt.Errorf("failed to register sysmon plugin: %w", err)
	}

	if err := registry.Discover(ctx); err != nil {
		return fmt.Errorf("plugin discovery failed: %w", err)
	}

	modes := mode.NewManager(registry, surface, b, st)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		modes.Shutdown(shutdownCtx)
		registry.Shutdown(shutdownCtx)
	}()

	var ready atomic.Bool

	// Start observability server if configured
	var obsServer ObservabilityServer
	if cfg.Server.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Server.MetricsAddr, ready.Load)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := obsServer.Stop(stopCtx); err != nil {
				slog.Warn("error stopping observability server", "error", err)
			}
		}()
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")

		if err := wireMetrics(b, registry, obsServer.Metrics()); err != nil {
			return fmt.Errorf("failed to wire metrics: %w", err)
		}
	}

	// Start control server on the Unix socket
	controlServer := control.NewServer(control.Deps{
		Registry: registry,
		Reloader: plugin.NewReloader(registry),
		Modes:    modes,
		Resolver: resolver,
		Configs:  st,
	}, func() { cancel() })
	if err := controlServer.Start(cfg.Server.ControlSocket); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := controlServer.Stop(stopCtx); err != nil {
			slog.Warn("error stopping control server", "error", err)
		}
	}()

	// Bring plugins up in their effective mode: external records attach a
	// proxy, everything else loads in-process with bounded parallelism.
	if err := startPlugins(ctx, registry, modes); err != nil {
		return err
	}

	// Public HTTP server carries the mounted plugin routes.
	mux := http.NewServeMux()
	mux.Handle(plugin.MountPrefixBase+"/", surface)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
	}()

	ready.Store(true)
	cmd.Println("Plugin host started")
	slog.Info("plugin host ready",
		"addr", cfg.Server.Addr,
		"plugins", len(registry.List()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("error stopping HTTP server", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startPlugins partitions plugins by effective mode and brings each
// side up. A single plugin failing keeps the rest of the host alive.
func startPlugins(ctx context.Context, registry *plugin.Registry, modes *mode.Manager) error {
	var inProcess []string
	for _, rec := range registry.List() {
		current, err := modes.Current(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve mode for %s: %w", rec.ID, err)
		}
		if plugin.Mode(current.CurrentMode) == plugin.ModeExternal {
			if err := modes.BindExternal(ctx, rec.ID); err != nil {
				slog.Error("failed to bind external plugin", "plugin_id", rec.ID, "error", err)
			}
			continue
		}
		inProcess = append(inProcess, rec.ID)
	}

	for _, res := range registry.LoadAll(ctx, inProcess) {
		if res.Err != nil && !res.Skipped {
			slog.Error("plugin failed to load", "plugin_id", res.ID, "error", res.Err)
		}
	}
	return nil
}

// wireMetrics feeds plugin lifecycle events into the Prometheus
// counters and keeps the running gauge current.
func wireMetrics(b *bus.Bus, registry *plugin.Registry, metrics *observability.Metrics) error {
	_, err := b.Subscribe("plugin.**", func(_ context.Context, ev bus.Event) {
		metrics.PluginEventsTotal.WithLabelValues(ev.Topic).Inc()

		var running float64
		for _, rec := range registry.List() {
			if rec.State == "loaded" || rec.State == "mounted" {
				running++
			}
		}
		metrics.PluginsRunning.Set(running)
	})
	return err
}

// monitorServerErrors monitors a server's error channel and cancels the
// context on error so a failed server takes the process down cleanly.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
