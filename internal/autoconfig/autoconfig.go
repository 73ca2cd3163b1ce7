// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package autoconfig generates a gateway configuration from provider
// environment variables, so `modelmux run` works without a configuration
// file when the standard SDK variables are present.
package autoconfig

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"
)

//go:embed gateway.yaml.tmpl
var configTemplate string

// ProviderData is one provider entry in the generated configuration.
type ProviderData struct {
	Name      string // Provider key in the providers map (e.g. "openai")
	Protocol  string // Wire protocol family: openai, ollama, gemini or anthropic
	BaseURL   string // Provider endpoint; a version suffix such as /v1 is tolerated
	APIKeyRef string // ${VAR} placeholder resolved by the loader; empty for keyless local servers
	Model     string // Model served by the provider and targeted by the default route
}

// ConfigData holds the template data for a generated gateway configuration.
// Providers render in slice order and the default route lists them as
// failover targets in the same order, so whoever populates the slice first
// is tried first.
type ConfigData struct {
	Providers []ProviderData
	Debug     bool // Turns on request tracing and debug logging in the generated config
}

// WriteConfig renders the gateway configuration YAML. API keys stay as
// ${VAR} references in the output; the configuration loader substitutes
// them, so the rendered text itself never carries a secret.
func WriteConfig(data *ConfigData) (string, error) {
	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}
