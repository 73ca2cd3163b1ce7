// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package autoconfig

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPopulateOllamaEnvConfig(t *testing.T) {
	tests := []struct {
		name          string
		envVars       map[string]string
		expected      ConfigData
		expectedError error
	}{
		{
			name: "defaults",
			envVars: map[string]string{
				"OLLAMA_MODEL": "llama3.1",
			},
			expected: ConfigData{
				Providers: []ProviderData{
					{
						Name:     "ollama",
						Protocol: "ollama",
						BaseURL:  "http://localhost:11434",
						Model:    "llama3.1",
					},
				},
			},
		},
		{
			name: "bare host gets a scheme",
			envVars: map[string]string{
				"OLLAMA_MODEL": "llama3.1",
				"OLLAMA_HOST":  "192.168.1.20:11434",
			},
			expected: ConfigData{
				Providers: []ProviderData{
					{
						Name:     "ollama",
						Protocol: "ollama",
						BaseURL:  "http://192.168.1.20:11434",
						Model:    "llama3.1",
					},
				},
			},
		},
		{
			name: "full URL host is kept",
			envVars: map[string]string{
				"OLLAMA_MODEL": "llama3.1",
				"OLLAMA_HOST":  "https://ollama.internal:443",
			},
			expected: ConfigData{
				Providers: []ProviderData{
					{
						Name:     "ollama",
						Protocol: "ollama",
						BaseURL:  "https://ollama.internal:443",
						Model:    "llama3.1",
					},
				},
			},
		},
		{
			name:          "missing required model",
			envVars:       map[string]string{},
			expectedError: fmt.Errorf("OLLAMA_MODEL environment variable is required"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OLLAMA_MODEL", "")
			t.Setenv("OLLAMA_HOST", "")
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			data := &ConfigData{}
			err := PopulateOllamaEnvConfig(data)
			if tt.expectedError != nil {
				require.Error(t, err)
				require.Equal(t, tt.expectedError.Error(), err.Error())
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.expected, *data)
			}
		})
	}
}
