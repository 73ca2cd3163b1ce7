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

func TestPopulateGeminiEnvConfig(t *testing.T) {
	tests := []struct {
		name          string
		envVars       map[string]string
		expected      ConfigData
		expectedError error
	}{
		{
			name: "defaults",
			envVars: map[string]string{
				"GEMINI_API_KEY": "AIza-test",
			},
			expected: ConfigData{
				Providers: []ProviderData{
					{
						Name:      "gemini",
						Protocol:  "gemini",
						BaseURL:   "https://generativelanguage.googleapis.com/v1beta",
						APIKeyRef: "${GEMINI_API_KEY}",
						Model:     "gemini-2.5-flash",
					},
				},
			},
		},
		{
			name: "custom model",
			envVars: map[string]string{
				"GEMINI_API_KEY": "AIza-test",
				"GEMINI_MODEL":   "gemini-2.5-pro",
			},
			expected: ConfigData{
				Providers: []ProviderData{
					{
						Name:      "gemini",
						Protocol:  "gemini",
						BaseURL:   "https://generativelanguage.googleapis.com/v1beta",
						APIKeyRef: "${GEMINI_API_KEY}",
						Model:     "gemini-2.5-pro",
					},
				},
			},
		},
		{
			name:          "missing required API key",
			envVars:       map[string]string{},
			expectedError: fmt.Errorf("GEMINI_API_KEY environment variable is required"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GEMINI_API_KEY", "")
			t.Setenv("GEMINI_BASE_URL", "")
			t.Setenv("GEMINI_MODEL", "")
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			data := &ConfigData{}
			err := PopulateGeminiEnvConfig(data)
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
