// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
)

// regDataURI follows the web uri regex definition.
// https://developer.mozilla.org/en-US/docs/Web/URI/Schemes/data#syntax
var regDataURI = regexp.MustCompile(`\Adata:(.+?)?(;base64)?,`)

// parseDataURI parses a data uri, e.g. data:image/jpeg;base64,/9j/4AAQSkZJRg.
func parseDataURI(uri string) (string, []byte, error) {
	matches := regDataURI.FindStringSubmatch(uri)
	if len(matches) != 3 {
		return "", nil, fmt.Errorf("data uri does not have a valid format")
	}
	l := len(matches[0])
	contentType := matches[1]
	bin, err := base64.StdEncoding.DecodeString(uri[l:])
	if err != nil {
		return "", nil, err
	}
	return contentType, bin, nil
}

// buildDataURI encodes already-base64 image data into a data uri, the only
// form the chat completions image_url part accepts for inline payloads.
func buildDataURI(mediaType, base64Data string) string {
	return "data:" + mediaType + ";base64," + base64Data
}

// newMessageID synthesizes a canonical message id for providers that do not
// return one.
func newMessageID() string {
	return "msg_" + uuid.NewString()
}

// newToolUseID synthesizes a tool_use block id for providers whose tool calls
// carry no identifier.
func newToolUseID() string {
	return "toolu_" + uuid.NewString()
}

// flattenTextContent joins the text of string-or-text-block content with
// blank lines. ok is false when a non-text block is present, which callers
// handle by preserving block structure instead.
func flattenTextContent(content anthropic.MessageContent) (string, bool) {
	if content.Text != nil {
		return *content.Text, true
	}
	var sb strings.Builder
	for _, b := range content.Blocks {
		if b.Type != anthropic.ContentBlockTypeText {
			return "", false
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String(), true
}

// toolResultText renders a tool_result payload as plain text. Image blocks
// inside tool results have no textual form and are dropped.
func toolResultText(content *anthropic.MessageContent) string {
	if content == nil {
		return ""
	}
	if content.Text != nil {
		return *content.Text
	}
	var sb strings.Builder
	for _, b := range content.Blocks {
		if b.Type != anthropic.ContentBlockTypeText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}
