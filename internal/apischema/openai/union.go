// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// contentUnion decodes the content shapes shared by system and tool
// messages: a bare string, an array of strings, or an array of text parts.
// Dispatching on the first significant byte avoids the reflection the
// official SDK burns on its union types.
func contentUnion(typ string, data []byte) (any, error) {
	idx, err := skipLeadingWhitespace(typ, data, 0)
	if err != nil {
		return nil, err
	}
	switch data[idx] {
	case '"':
		return unquoteJSONString(typ, data)
	case '[':
		idx, err = skipLeadingWhitespace(typ, data, idx+1)
		if err != nil {
			return nil, err
		}
		switch data[idx] {
		case ']':
			// Empty array, the element type is unknowable.
			return []string{}, nil
		case '"':
			var strs []string
			if err := json.Unmarshal(data, &strs); err != nil {
				return nil, fmt.Errorf("cannot unmarshal %s as []string: %w", typ, err)
			}
			return strs, nil
		case '{':
			var parts []ChatCompletionContentPartTextParam
			if err := json.Unmarshal(data, &parts); err != nil {
				return nil, fmt.Errorf("cannot unmarshal %s as text parts: %w", typ, err)
			}
			return parts, nil
		default:
			return nil, fmt.Errorf("invalid %s array element", typ)
		}
	default:
		return nil, fmt.Errorf("invalid %s type (must be string or array)", typ)
	}
}

// skipLeadingWhitespace returns the index of the first significant byte.
// Wire JSON almost never leads with whitespace; keeping the scan explicit
// is what lets the string case take the strconv.Unquote shortcut below.
func skipLeadingWhitespace(typ string, data []byte, idx int) (int, error) {
	for idx < len(data) && (data[idx] == ' ' || data[idx] == '\t' || data[idx] == '\n' || data[idx] == '\r') {
		idx++
	}
	if idx >= len(data) {
		return 0, fmt.Errorf("truncated %s data", typ)
	}
	return idx, nil
}

// unquoteJSONString decodes one JSON string without the full decoder.
// strconv.Unquote rejects the rare escaped forward slash, so that case
// falls back to json.Unmarshal instead of pre-scanning every string for it.
func unquoteJSONString(typ string, data []byte) (string, error) {
	s, err := strconv.Unquote(string(data))
	if err == nil {
		return s, nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return "", fmt.Errorf("cannot unmarshal %s as string: %w", typ, err)
	}
	return str, nil
}
