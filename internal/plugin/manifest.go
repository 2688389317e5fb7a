// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package plugin provides plugin discovery, lifecycle control, and the
// registry of running instances.
package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// HostAPIVersion is the contract version this host offers to plugins.
// Manifests declare a compatible range in requires.host_api.
const HostAPIVersion = "1.0.0"

// Mode selects where a plugin's logic runs.
type Mode string

// Plugin execution modes.
const (
	ModeInProcess Mode = "in_process"
	ModeExternal  Mode = "external"
)

// Manifest represents a plugin.yaml file.
type Manifest struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Version string `yaml:"version" json:"version"`
	Kind    string `yaml:"kind" json:"kind"`
	Mode    Mode   `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Entry names the registered factory for in-process plugins.
	// Defaults to the plugin id.
	Entry string `yaml:"entry,omitempty" json:"entry,omitempty"`

	External *ExternalConfig `yaml:"external,omitempty" json:"external,omitempty"`

	Requires     Requirements   `yaml:"requires,omitempty" json:"requires,omitempty"`
	Capabilities []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Config       map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ExternalConfig holds external-mode settings.
type ExternalConfig struct {
	// Command starts a managed subprocess; empty means the service is
	// operated out of band and only proxied to.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	BaseURL string   `yaml:"base_url" json:"base_url"`
	// HealthPath defaults to /health on the base URL.
	HealthPath string `yaml:"health_path,omitempty" json:"health_path,omitempty"`
}

// Requirements constrains the host a plugin can load into and the peer
// plugins that must already be running.
type Requirements struct {
	HostAPI string              `yaml:"host_api,omitempty" json:"host_api,omitempty"`
	Plugins []PluginRequirement `yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// PluginRequirement names a peer plugin the declaring plugin depends
// on. An empty constraint accepts any version.
type PluginRequirement struct {
	ID         string `yaml:"id" json:"id"`
	Constraint string `yaml:"constraint,omitempty" json:"constraint,omitempty"`
}

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

// idPattern validates plugin ids: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens, and not end with a
// hyphen.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints and fills defaults: mode defaults
// to in_process and entry to the plugin id.
func (m *Manifest) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	if m.Kind == "" {
		return fmt.Errorf("kind is required")
	}

	switch m.Mode {
	case "":
		m.Mode = ModeInProcess
	case ModeInProcess, ModeExternal:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeInProcess, ModeExternal, m.Mode)
	}

	if m.Mode == ModeExternal {
		if m.External == nil {
			return fmt.Errorf("external is required when mode is %q", ModeExternal)
		}
		if m.External.BaseURL == "" {
			return fmt.Errorf("external.base_url is required")
		}
	}

	if m.Entry == "" {
		m.Entry = m.ID
	}

	if m.Requires.HostAPI != "" {
		if _, err := semver.NewConstraint(m.Requires.HostAPI); err != nil {
			return fmt.Errorf("requires.host_api %q is not a valid constraint: %w", m.Requires.HostAPI, err)
		}
	}

	for _, req := range m.Requires.Plugins {
		if req.ID == "" || !idPattern.MatchString(req.ID) {
			return fmt.Errorf("requires.plugins id %q is not a valid plugin id", req.ID)
		}
		if req.ID == m.ID {
			return fmt.Errorf("plugin %q cannot require itself", m.ID)
		}
		if req.Constraint != "" {
			if _, err := semver.NewConstraint(req.Constraint); err != nil {
				return fmt.Errorf("requires.plugins constraint %q for %q is not valid: %w", req.Constraint, req.ID, err)
			}
		}
	}

	return nil
}

// CompatibleWithHost checks requires.host_api against the host API
// version. Manifests without a constraint are compatible.
func (m *Manifest) CompatibleWithHost() error {
	if m.Requires.HostAPI == "" {
		return nil
	}
	c, err := semver.NewConstraint(m.Requires.HostAPI)
	if err != nil {
		return fmt.Errorf("requires.host_api %q is not a valid constraint: %w", m.Requires.HostAPI, err)
	}
	v := semver.MustParse(HostAPIVersion)
	if !c.Check(v) {
		return fmt.Errorf("plugin requires host API %q, host provides %s", m.Requires.HostAPI, HostAPIVersion)
	}
	return nil
}
