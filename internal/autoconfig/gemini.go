// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package autoconfig

import (
	"fmt"
	"os"
)

// PopulateGeminiEnvConfig appends a Gemini provider configured from the
// Gemini API environment variables.
//
// This errs if GEMINI_API_KEY is not set. GEMINI_BASE_URL and GEMINI_MODEL
// override the endpoint and the default-route model.
//
// See https://ai.google.dev/gemini-api/docs/api-key
func PopulateGeminiEnvConfig(data *ConfigData) error {
	if data == nil {
		return fmt.Errorf("ConfigData cannot be nil")
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	baseURL := os.Getenv("GEMINI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = "gemini-2.5-flash"
	}

	data.Providers = append(data.Providers, ProviderData{
		Name:      "gemini",
		Protocol:  "gemini",
		BaseURL:   baseURL,
		APIKeyRef: "${GEMINI_API_KEY}",
		Model:     model,
	})
	return nil
}
