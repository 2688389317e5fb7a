// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMigrator implements AutoMigrator for testing.
type mockMigrator struct {
	upCalled    bool
	closeCalled bool
	upError     error
}

func (m *mockMigrator) Up() error {
	m.upCalled = true
	return m.upError
}

func (m *mockMigrator) Close() error {
	m.closeCalled = true
	return nil
}

func TestParseAutoMigrate(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{name: "unset defaults to enabled", value: "", want: true},
		{name: "explicit true", value: "true", want: true},
		{name: "explicit 1", value: "1", want: true},
		{name: "false disables", value: "false", want: false},
		{name: "FALSE disables", value: "FALSE", want: false},
		{name: "0 disables", value: "0", want: false},
		{name: "no disables", value: "no", want: false},
		{name: "off disables", value: "off", want: false},
		{name: "garbage defaults to enabled", value: "banana", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(autoMigrateEnvVar, tt.value)
			assert.Equal(t, tt.want, parseAutoMigrate())
		})
	}
}

func TestRunAutoMigration(t *testing.T) {
	t.Run("applies migrations and closes", func(t *testing.T) {
		m := &mockMigrator{}
		require.NoError(t, runAutoMigration(m))
		assert.True(t, m.upCalled)
		assert.True(t, m.closeCalled)
	})

	t.Run("surfaces migration errors", func(t *testing.T) {
		m := &mockMigrator{upError: fmt.Errorf("schema error")}
		err := runAutoMigration(m)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema error")
		assert.True(t, m.closeCalled, "migrator closed even on failure")
	})
}
