// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package capability enforces the event-bus grants a plugin declares in
// its manifest.
//
// Grant patterns use gobwas/glob with '.' as the segment separator:
// '*' matches a single segment, '**' crosses segments. A plugin granted
// "events.publish.sysmon.**" may publish any topic under sysmon;
// "events.subscribe.**" allows any subscription.
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Grant namespaces checked by the bus adapter.
const (
	PrefixPublish   = "events.publish."
	PrefixSubscribe = "events.subscribe."
)

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks plugin grants at runtime. Unknown plugins and
// unmatched capabilities are denied; there is no allow-by-default path.
// Safe for concurrent use; the zero value is ready.
type Enforcer struct {
	grants map[string][]compiledGrant
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// SetGrants replaces the grant set for a plugin. All patterns compile
// before any state changes, so a bad pattern leaves earlier grants
// intact.
func (e *Enforcer) SetGrants(pluginID string, capabilities []string) error {
	if pluginID == "" {
		return errors.New("plugin id cannot be empty")
	}

	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return fmt.Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[pluginID] = compiled
	return nil
}

// RemoveGrants unregisters a plugin. Safe for unknown plugins.
func (e *Enforcer) RemoveGrants(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, pluginID)
}

// Check reports whether the plugin holds a grant matching capability.
// Empty inputs and unregistered plugins are denied.
func (e *Enforcer) Check(pluginID, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, grant := range e.grants[pluginID] {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Grants returns a copy of the patterns granted to a plugin, or nil if
// the plugin is not registered.
func (e *Enforcer) Grants(pluginID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}
