// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
)

func TestParseDataURI(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		wantMIME string
		wantData string
		wantErr  bool
	}{
		{
			name:     "base64 png",
			uri:      "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("fake-png")),
			wantMIME: "image/png",
			wantData: "fake-png",
		},
		{
			name:    "not a data uri",
			uri:     "https://example.com/cat.png",
			wantErr: true,
		},
		{
			name:    "invalid base64 payload",
			uri:     "data:image/png;base64,this is not base64!",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mimeType, data, err := parseDataURI(tc.uri)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantMIME, mimeType)
			require.Equal(t, tc.wantData, string(data))
		})
	}
}

func TestBuildDataURI_RoundTrip(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("payload"))
	mimeType, data, err := parseDataURI(buildDataURI("image/jpeg", encoded))
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", mimeType)
	require.Equal(t, "payload", string(data))
}

func TestSynthesizedIDs(t *testing.T) {
	require.True(t, strings.HasPrefix(newMessageID(), "msg_"))
	require.True(t, strings.HasPrefix(newToolUseID(), "toolu_"))
	require.NotEqual(t, newMessageID(), newMessageID())
}

func TestFlattenTextContent(t *testing.T) {
	tests := []struct {
		name    string
		content anthropic.MessageContent
		want    string
		wantOK  bool
	}{
		{
			name:    "string content",
			content: anthropic.ContentOfText("hi"),
			want:    "hi",
			wantOK:  true,
		},
		{
			name:    "text blocks join with blank lines",
			content: anthropic.ContentOfBlocks(anthropic.TextBlock("a"), anthropic.TextBlock("b")),
			want:    "a\n\nb",
			wantOK:  true,
		},
		{
			name:    "empty block list",
			content: anthropic.ContentOfBlocks(),
			want:    "",
			wantOK:  true,
		},
		{
			name: "image block defeats flattening",
			content: anthropic.ContentOfBlocks(
				anthropic.TextBlock("a"),
				anthropic.ContentBlock{Type: anthropic.ContentBlockTypeImage},
			),
			wantOK: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := flattenTextContent(tc.content)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestToolResultText(t *testing.T) {
	require.Empty(t, toolResultText(nil))

	text := anthropic.ContentOfText("22C and sunny")
	require.Equal(t, "22C and sunny", toolResultText(&text))

	blocks := anthropic.ContentOfBlocks(
		anthropic.TextBlock("line one"),
		anthropic.ContentBlock{Type: anthropic.ContentBlockTypeImage},
		anthropic.TextBlock("line two"),
	)
	require.Equal(t, "line one\n\nline two", toolResultText(&blocks))
}
