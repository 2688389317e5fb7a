// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package plugin

// State is a plugin instance's position in its lifecycle.
type State int

// Lifecycle states. Failed is terminal for a generation; a later load or
// reload starts a fresh generation from Discovered semantics.
const (
	StateDiscovered State = iota
	StateInstantiating
	StateLoaded
	StateMounted
	StateUnloading
	StateUnloaded
	StateFailed
)

var stateNames = map[State]string{
	StateDiscovered:    "discovered",
	StateInstantiating: "instantiating",
	StateLoaded:        "loaded",
	StateMounted:       "mounted",
	StateUnloading:     "unloading",
	StateUnloaded:      "unloaded",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// loadable reports whether a load may start from this state.
func (s State) loadable() bool {
	switch s {
	case StateDiscovered, StateUnloaded, StateFailed:
		return true
	default:
		return false
	}
}

// running reports whether the instance holds live resources.
func (s State) running() bool {
	return s == StateLoaded || s == StateMounted
}
