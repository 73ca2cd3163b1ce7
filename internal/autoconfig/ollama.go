// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package autoconfig

import (
	"fmt"
	"os"
	"strings"
)

// PopulateOllamaEnvConfig appends a keyless Ollama provider. Ollama has no
// API key, so OLLAMA_MODEL is the variable that opts the provider in.
//
// This errs if OLLAMA_MODEL is not set. OLLAMA_HOST overrides the endpoint
// and follows the Ollama CLI convention: a bare host:port is accepted and
// gets an http scheme.
//
// See https://github.com/ollama/ollama/blob/main/envconfig/config.go
func PopulateOllamaEnvConfig(data *ConfigData) error {
	if data == nil {
		return fmt.Errorf("ConfigData cannot be nil")
	}

	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		return fmt.Errorf("OLLAMA_MODEL environment variable is required")
	}

	baseURL := os.Getenv("OLLAMA_HOST")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	} else if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	data.Providers = append(data.Providers, ProviderData{
		Name:     "ollama",
		Protocol: "ollama",
		BaseURL:  baseURL,
		Model:    model,
	})
	return nil
}
