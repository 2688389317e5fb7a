// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package plugin

import "github.com/samber/oops"

// Stable error codes surfaced through the management API.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeAlreadyInProgress   = "ALREADY_IN_PROGRESS"
	CodeAlreadyLoaded       = "ALREADY_LOADED"
	CodeInstantiationFailed = "INSTANTIATION_FAILED"
	CodeTeardownFailed      = "TEARDOWN_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodeConfigurationError  = "CONFIGURATION_ERROR"
	CodeUnsupportedMode     = "UNSUPPORTED_MODE"
	CodeCapabilityDenied    = "CAPABILITY_DENIED"
	CodeIncompatibleHost    = "INCOMPATIBLE_HOST"
	CodeRequirementNotMet   = "REQUIREMENT_NOT_MET"
)

// Sentinel errors for flow control; callers branch on these with
// errors.Is while the oops code travels to the management surface.
var (
	ErrNotFound          = oops.Code(CodeNotFound).Errorf("plugin not found")
	ErrAlreadyInProgress = oops.Code(CodeAlreadyInProgress).Errorf("operation already in progress for plugin")
	ErrAlreadyLoaded     = oops.Code(CodeAlreadyLoaded).Errorf("plugin already loaded")
	ErrNotRunning        = oops.Code(CodeNotFound).Errorf("plugin has no running instance")
)
