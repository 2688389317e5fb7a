// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package plugin

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/hearthd/hearthd/internal/bus"
)

// Reloader drives hot reloads. A reload is unload-then-load under the
// plugin's operation lock, so callers racing it get ErrAlreadyInProgress
// instead of interleaved lifecycles. There is no rollback: a load
// failure after a successful unload leaves the plugin failed, and the
// caller decides whether to retry.
type Reloader struct {
	registry *Registry
}

// NewReloader creates a reload controller over the registry.
func NewReloader(r *Registry) *Reloader {
	return &Reloader{registry: r}
}

// Reload tears down the running instance, if any, and loads a fresh
// generation with freshly resolved configuration. Reloading a plugin
// that is not running is just a load.
func (rl *Reloader) Reload(ctx context.Context, pluginID string) error {
	e, err := rl.registry.lockEntry(pluginID)
	if err != nil {
		return err
	}
	defer e.opMu.Unlock()

	rl.registry.mu.RLock()
	running := e.state.running()
	oldGen := e.generation
	rl.registry.mu.RUnlock()

	if running {
		if err := rl.registry.unloadLocked(ctx, pluginID, e); err != nil {
			rl.announce(bus.TopicPluginReloadFailed, pluginID, oldGen, err)
			return err
		}
	}

	if err := rl.registry.loadLocked(ctx, pluginID, e); err != nil {
		rl.announce(bus.TopicPluginReloadFailed, pluginID, oldGen, err)
		return err
	}

	rl.registry.mu.RLock()
	newGen := e.generation
	rl.registry.mu.RUnlock()

	slog.Info("plugin reloaded",
		"plugin_id", pluginID,
		"old_generation", oldGen.String(),
		"new_generation", newGen.String(),
	)
	rl.registry.publishLifecycle(bus.TopicPluginReloaded, pluginID, newGen, "", bus.PriorityNormal)
	return nil
}

func (rl *Reloader) announce(topic, pluginID string, gen ulid.ULID, err error) {
	rl.registry.publishLifecycle(topic, pluginID, gen, err.Error(), bus.PriorityHigh)
}
