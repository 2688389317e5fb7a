// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_ExactAndWildcardGrants(t *testing.T) {
	e := NewEnforcer()
	require.NoError(t, e.SetGrants("sysmon", []string{
		"events.publish.sysmon.**",
		"events.subscribe.plugin.*",
	}))

	tests := []struct {
		capability string
		want       bool
	}{
		{"events.publish.sysmon.cpu", true},
		{"events.publish.sysmon.cpu.core0", true},
		{"events.publish.other.cpu", false},
		{"events.subscribe.plugin.loaded", true},
		{"events.subscribe.plugin.loaded.detail", false},
		{"events.subscribe.other", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Check("sysmon", tt.capability), "capability %q", tt.capability)
	}
}

func TestCheck_UnknownPluginDenied(t *testing.T) {
	e := NewEnforcer()
	assert.False(t, e.Check("ghost", "events.publish.x"))
}

func TestCheck_ZeroValueEnforcer(t *testing.T) {
	var e Enforcer
	assert.False(t, e.Check("p", "events.publish.x"))
	e.RemoveGrants("p")
	require.NoError(t, e.SetGrants("p", []string{"events.publish.**"}))
	assert.True(t, e.Check("p", "events.publish.x"))
}

func TestSetGrants_InvalidPatternLeavesStateUntouched(t *testing.T) {
	e := NewEnforcer()
	require.NoError(t, e.SetGrants("p", []string{"events.publish.a"}))

	err := e.SetGrants("p", []string{"events.publish.b", "bad.["})
	require.Error(t, err)

	assert.True(t, e.Check("p", "events.publish.a"), "failed update must not clobber prior grants")
	assert.False(t, e.Check("p", "events.publish.b"))
}

func TestSetGrants_Validation(t *testing.T) {
	e := NewEnforcer()
	assert.Error(t, e.SetGrants("", []string{"x"}))
	assert.Error(t, e.SetGrants("p", []string{""}))
}

func TestRemoveGrants(t *testing.T) {
	e := NewEnforcer()
	require.NoError(t, e.SetGrants("p", []string{"events.publish.**"}))
	require.True(t, e.Check("p", "events.publish.x"))

	e.RemoveGrants("p")
	assert.False(t, e.Check("p", "events.publish.x"))
	assert.Nil(t, e.Grants("p"))
}

func TestGrants_ReturnsCopy(t *testing.T) {
	e := NewEnforcer()
	require.NoError(t, e.SetGrants("p", []string{"events.publish.a", "events.subscribe.b"}))

	got := e.Grants("p")
	require.Equal(t, []string{"events.publish.a", "events.subscribe.b"}, got)
	got[0] = "mutated"
	assert.Equal(t, []string{"events.publish.a", "events.subscribe.b"}, e.Grants("p"))
}
