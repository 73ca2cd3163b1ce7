// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"fmt"
	"strings"
)

// MissingConfigError is returned by Load when the config file does not exist.
type MissingConfigError struct {
	// Path is the file path that was looked up.
	Path string
}

func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

// InvalidConfigError is returned by Load when the config file parses but a
// field is absent, malformed or inconsistent. Path names the offending field
// in dotted form, e.g. "providers.lmstudio.protocol".
type InvalidConfigError struct {
	// Path is the dotted config field path, empty when the document as a
	// whole is malformed.
	Path string
	// Reason describes what is wrong with the field.
	Reason string
}

func (e *InvalidConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid config: %s", e.Reason)
	}
	return fmt.Sprintf("invalid config: %s: %s", e.Path, e.Reason)
}

// EnvironmentVariableMissingError is returned by Load when one or more
// ${VAR} placeholders cannot be resolved from the environment. There are no
// implicit fallbacks: every placeholder must be set.
type EnvironmentVariableMissingError struct {
	// Names are the unresolved variable names, deduplicated, in order of
	// first appearance.
	Names []string
}

func (e *EnvironmentVariableMissingError) Error() string {
	return fmt.Sprintf("environment variable not set: %s", strings.Join(e.Names, ", "))
}
