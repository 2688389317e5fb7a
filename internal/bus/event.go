// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package bus provides the in-process publish/subscribe event bus used by
// the plugin runtime and plugins to announce state changes without direct
// references to each other.
package bus

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority controls which delivery queue an event is placed on.
type Priority uint8

const (
	// PriorityNormal events are debounced per topic and drained in batches.
	PriorityNormal Priority = iota

	// PriorityHigh events bypass debouncing and are drained before any
	// normal-priority traffic.
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Event is one published notification. Topics are hierarchical
// '.'-separated strings, e.g. "echo.state.changed".
type Event struct {
	ID        ulid.ULID
	Topic     string
	Timestamp time.Time
	Priority  Priority
	Payload   []byte // JSON
}

// Topics published by the runtime itself.
const (
	TopicPluginLoaded       = "plugin.loaded"
	TopicPluginLoadFailed   = "plugin.load_failed"
	TopicPluginUnloaded     = "plugin.unloaded"
	TopicPluginReloaded     = "plugin.reloaded"
	TopicPluginReloadFailed = "plugin.reload_failed"
	TopicPluginModeChanged  = "plugin.mode_changed"
)
