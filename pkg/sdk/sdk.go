// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package sdk defines the contract between the hearthd host and the
// plugins it loads. A plugin implements Plugin, optionally RouterProvider,
// and receives its collaborators through the injected Host.
package sdk

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
)

// Priority mirrors the bus delivery priority without importing the bus.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// EventBus is the slice of the host event bus handed to plugins.
// Implementations enforce the plugin's declared capabilities.
type EventBus interface {
	// Publish enqueues an event and returns without waiting for delivery.
	Publish(ctx context.Context, topic string, payload []byte, priority Priority) error

	// Subscribe registers a handler for an exact topic or a pattern with a
	// trailing ".*" prefix wildcard. Cancel the returned handle to stop
	// delivery.
	Subscribe(pattern string, handler func(ctx context.Context, topic string, payload []byte)) (CancelFunc, error)
}

// CancelFunc removes a subscription.
type CancelFunc func() error

// SessionFactory produces scoped transactional database handles. The
// transaction commits when fn returns nil and rolls back otherwise; the
// handle is released on every exit path.
type SessionFactory interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// Host carries the shared collaborators injected into a plugin at load
// time. The config snapshot is the plugin's resolved configuration at the
// moment of this load; a reload produces a fresh snapshot.
type Host struct {
	PluginID string
	Bus      EventBus
	Sessions SessionFactory
	Config   map[string]any
}

// ConfigString returns the string config value for key, or def.
func (h *Host) ConfigString(key, def string) string {
	if v, ok := h.Config[key].(string); ok {
		return v
	}
	return def
}

// ConfigInt returns the integer config value for key, or def. Values
// decoded from YAML/JSON may arrive as int, int64, or float64.
func (h *Host) ConfigInt(key string, def int) int {
	switch v := h.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ConfigBool returns the boolean config value for key, or def.
func (h *Host) ConfigBool(key string, def bool) bool {
	if v, ok := h.Config[key].(bool); ok {
		return v
	}
	return def
}

// ConfigDuration returns the config value for key interpreted as seconds
// when numeric or as a time.Duration string, or def.
func (h *Host) ConfigDuration(key string, def time.Duration) time.Duration {
	switch v := h.Config[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Plugin is the lifecycle contract every plugin implements. OnLoad is
// called once per instance generation with the injected Host; OnUnload is
// called during teardown and must be safe to call after a failed OnLoad.
type Plugin interface {
	OnLoad(ctx context.Context, host *Host) error
	OnUnload(ctx context.Context) error
}

// RouterProvider is implemented by plugins that expose HTTP routes. The
// returned handler is mounted under the plugin's route prefix while the
// instance is in the mounted state and detached on unload.
type RouterProvider interface {
	Routes() http.Handler
}

// Factory constructs a fresh plugin instance. The loader calls the
// factory again on every load and reload, so factories must not return a
// shared instance.
type Factory func() Plugin
