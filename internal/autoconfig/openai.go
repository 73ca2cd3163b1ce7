// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package autoconfig

import (
	"fmt"
	"os"
)

// PopulateOpenAIEnvConfig appends an OpenAI-compatible provider configured
// from the standard OpenAI SDK environment variables.
//
// This errs if OPENAI_API_KEY is not set. OPENAI_BASE_URL and OPENAI_MODEL
// override the endpoint and the default-route model, so the same variables
// also cover OpenAI-compatible servers such as LM Studio.
//
// See https://github.com/openai/openai-python/blob/main/src/openai/_client.py
func PopulateOpenAIEnvConfig(data *ConfigData) error {
	if data == nil {
		return fmt.Errorf("ConfigData cannot be nil")
	}

	if os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("OPENAI_API_KEY environment variable is required")
	}

	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o"
	}

	data.Providers = append(data.Providers, ProviderData{
		Name:      "openai",
		Protocol:  "openai",
		BaseURL:   baseURL,
		APIKeyRef: "${OPENAI_API_KEY}",
		Model:     model,
	})
	return nil
}
