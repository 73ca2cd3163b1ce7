// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package autoconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/config"
)

func TestWriteConfig(t *testing.T) {
	data := &ConfigData{
		Providers: []ProviderData{
			{
				Name:      "anthropic",
				Protocol:  "anthropic",
				BaseURL:   "https://api.anthropic.com/v1",
				APIKeyRef: "${ANTHROPIC_API_KEY}",
				Model:     "claude-sonnet-4-20250514",
			},
			{
				Name:     "ollama",
				Protocol: "ollama",
				BaseURL:  "http://localhost:11434",
				Model:    "llama3.1",
			},
		},
		Debug: true,
	}

	out, err := WriteConfig(data)
	require.NoError(t, err)
	require.Equal(t, `# Generated by modelmux from provider environment variables. API keys are
# rendered as ${VAR} placeholders and resolved by the configuration loader.
providers:
  anthropic:
    protocol: anthropic
    api_base_url: https://api.anthropic.com/v1
    api_key: ${ANTHROPIC_API_KEY}
    models:
      - claude-sonnet-4-20250514
  ollama:
    protocol: ollama
    api_base_url: http://localhost:11434
    models:
      - llama3.1
routing:
  default:
    - anthropic,claude-sonnet-4-20250514
    - ollama,llama3.1
debug:
  enabled: true
  logLevel: debug
`, out)
}

// The generated YAML must survive the real configuration loader, key
// substitution included.
func TestWriteConfigParses(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-live")
	t.Setenv("ANTHROPIC_BASE_URL", "")
	t.Setenv("ANTHROPIC_MODEL", "")
	t.Setenv("OLLAMA_MODEL", "llama3.1")
	t.Setenv("OLLAMA_HOST", "")

	data := &ConfigData{}
	require.NoError(t, PopulateAnthropicEnvConfig(data))
	require.NoError(t, PopulateOllamaEnvConfig(data))

	out, err := WriteConfig(data)
	require.NoError(t, err)
	require.NotContains(t, out, "sk-ant-live")

	cfg, err := config.Parse([]byte(out))
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	require.Equal(t, config.KeyList{"sk-ant-live"}, cfg.Providers["anthropic"].APIKey)
	require.Empty(t, cfg.Providers["ollama"].APIKey)
	require.Equal(t, config.RouteTargets{
		{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		{Provider: "ollama", Model: "llama3.1"},
	}, cfg.Routing.Routes["default"])
	require.False(t, cfg.Debug.Enabled)
}
