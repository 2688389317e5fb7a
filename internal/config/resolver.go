// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package config loads host configuration and resolves per-plugin
// configuration from its three precedence tiers.
package config

import (
	"maps"
	"sync"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
)

// Resolver merges plugin configuration from three tiers, lowest
// precedence first: built-in defaults shipped with the plugin, global
// per-kind defaults from host configuration, and explicit per-plugin
// configuration. Resolution is deterministic; the same inputs always
// produce the same snapshot.
type Resolver struct {
	mu           sync.RWMutex
	kindDefaults map[string]map[string]any
	explicit     map[string]map[string]any
}

// NewResolver creates a resolver seeded with global per-kind defaults
// and explicit per-plugin configuration. Either map may be nil.
func NewResolver(kindDefaults, explicit map[string]map[string]any) *Resolver {
	r := &Resolver{
		kindDefaults: make(map[string]map[string]any),
		explicit:     make(map[string]map[string]any),
	}
	for kind, cfg := range kindDefaults {
		r.kindDefaults[kind] = maps.Clone(cfg)
	}
	for id, cfg := range explicit {
		r.explicit[id] = maps.Clone(cfg)
	}
	return r
}

// Resolve returns the effective configuration for one plugin: builtin
// defaults overlaid by the kind's global defaults overlaid by the
// plugin's explicit configuration. The result is a fresh snapshot the
// caller owns.
func (r *Resolver) Resolve(pluginID, kind string, builtin map[string]any) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k := koanf.New(".")
	for _, layer := range []map[string]any{builtin, r.kindDefaults[kind], r.explicit[pluginID]} {
		if len(layer) == 0 {
			continue
		}
		// Higher tiers replace whole top-level keys. Nested values are
		// never merged field-by-field, so an explicit entry fully owns
		// its key.
		_ = k.Load(confmap.Provider(layer, "."), nil, koanf.WithMergeFunc(overlayTopLevel))
	}
	return k.Raw()
}

// overlayTopLevel copies src keys over dest wholesale, replacing any
// existing value instead of deep-merging into it.
func overlayTopLevel(src, dest map[string]any) error {
	maps.Copy(dest, src)
	return nil
}

// SetExplicit replaces the explicit configuration tier for one plugin.
// The change affects future Resolve calls only; running instances keep
// the snapshot they were loaded with until reloaded.
func (r *Resolver) SetExplicit(pluginID string, cfg map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg == nil {
		delete(r.explicit, pluginID)
		return
	}
	r.explicit[pluginID] = maps.Clone(cfg)
}

// Explicit returns a copy of the explicit tier for one plugin, or nil.
func (r *Resolver) Explicit(pluginID string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.explicit[pluginID])
}
