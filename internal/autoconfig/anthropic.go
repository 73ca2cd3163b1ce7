// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package autoconfig

import (
	"fmt"
	"os"
)

// PopulateAnthropicEnvConfig appends an Anthropic passthrough provider
// configured from the standard Anthropic SDK environment variables.
//
// This errs if ANTHROPIC_API_KEY is not set. ANTHROPIC_BASE_URL and
// ANTHROPIC_MODEL override the endpoint and the default-route model.
//
// See https://docs.anthropic.com/en/api/client-sdks
func PopulateAnthropicEnvConfig(data *ConfigData) error {
	if data == nil {
		return fmt.Errorf("ConfigData cannot be nil")
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY environment variable is required")
	}

	baseURL := os.Getenv("ANTHROPIC_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}

	model := os.Getenv("ANTHROPIC_MODEL")
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	data.Providers = append(data.Providers, ProviderData{
		Name:      "anthropic",
		Protocol:  "anthropic",
		BaseURL:   baseURL,
		APIKeyRef: "${ANTHROPIC_API_KEY}",
		Model:     model,
	})
	return nil
}
