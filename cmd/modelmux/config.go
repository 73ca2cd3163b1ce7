// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"errors"
	"os"

	"github.com/modelmux/modelmux/internal/autoconfig"
	"github.com/modelmux/modelmux/internal/config"
)

// readConfig loads the configuration from path when one is given. Otherwise
// it generates a configuration from provider environment variables: every
// provider whose variable is set becomes a failover target of the default
// route, in the order checked below. No path and no variables is an error.
func readConfig(path string, debug bool) (*config.Config, error) {
	// If a file path is provided, prefer it.
	if path != "" {
		return config.Load(path)
	}

	data := autoconfig.ConfigData{Debug: debug}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		if err := autoconfig.PopulateAnthropicEnvConfig(&data); err != nil {
			return nil, err
		}
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		if err := autoconfig.PopulateOpenAIEnvConfig(&data); err != nil {
			return nil, err
		}
	}
	if os.Getenv("GEMINI_API_KEY") != "" {
		if err := autoconfig.PopulateGeminiEnvConfig(&data); err != nil {
			return nil, err
		}
	}
	if os.Getenv("OLLAMA_MODEL") != "" {
		if err := autoconfig.PopulateOllamaEnvConfig(&data); err != nil {
			return nil, err
		}
	}
	if len(data.Providers) == 0 {
		return nil, errors.New("you must supply at least ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, OLLAMA_MODEL, or a config file path")
	}

	raw, err := autoconfig.WriteConfig(&data)
	if err != nil {
		return nil, err
	}
	return config.Parse([]byte(raw))
}
