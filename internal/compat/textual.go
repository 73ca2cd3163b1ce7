// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package compat

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Models that were never trained on native tool calling spell their calls
// out in the answer text instead. Two spellings circulate: a transcript
// line `Tool call: NAME({...})`, optionally decorated with a leading ⏺
// bullet, and a raw `{"type":"tool_use",...}` blob pasted into the prose.

const toolCallMarker = "Tool call:"

const toolCallBullet = "⏺"

// textualToolCall is one call recovered from assistant text.
type textualToolCall struct {
	name string
	// args is the raw JSON object text of the arguments.
	args string
}

type textualMatch struct {
	start, end int
	call       textualToolCall
}

// fixTextualToolCalls scans every choice's text for spelled-out tool calls,
// removes them from the text and synthesises native tool_calls entries in
// their place. Any hit forces finish_reason to tool_calls.
func fixTextualToolCalls(body []byte) []byte {
	for i, choice := range gjson.GetBytes(body, "choices").Array() {
		content := choice.Get("message.content")
		if content.Type != gjson.String || content.Str == "" {
			continue
		}
		clean, calls := extractToolCallText(content.Str)
		if len(calls) == 0 {
			continue
		}
		contentPath := fmt.Sprintf("choices.%d.message.content", i)
		if clean == "" {
			body, _ = sjson.SetBytesOptions(body, contentPath, nil, setOptions)
		} else {
			body, _ = sjson.SetBytesOptions(body, contentPath, clean, setOptions)
		}
		offset := len(choice.Get("message.tool_calls").Array())
		for k, call := range calls {
			prefix := fmt.Sprintf("choices.%d.message.tool_calls.%d", i, offset+k)
			body, _ = sjson.SetBytesOptions(body, prefix+".id", "call_"+uuid.NewString(), setOptions)
			body, _ = sjson.SetBytesOptions(body, prefix+".type", "function", setOptions)
			body, _ = sjson.SetBytesOptions(body, prefix+".function.name", call.name, setOptions)
			body, _ = sjson.SetBytesOptions(body, prefix+".function.arguments", call.args, setOptions)
		}
		body, _ = sjson.SetBytesOptions(body, fmt.Sprintf("choices.%d.finish_reason", i), "tool_calls", setOptions)
	}
	return body
}

// extractToolCallText returns the text with every recognised call removed
// and the calls in their order of appearance.
func extractToolCallText(text string) (string, []textualToolCall) {
	matches := matchNamedToolCalls(text)
	matches = append(matches, matchInlineToolUse(text, matches)...)
	if len(matches) == 0 {
		return text, nil
	}
	slices.SortFunc(matches, func(a, b textualMatch) int { return cmp.Compare(a.start, b.start) })

	var (
		b     strings.Builder
		calls []textualToolCall
		prev  int
	)
	for _, m := range matches {
		// A transcript line quoted inside an inline blob's string field
		// matches twice; the wider span that sorted first wins.
		if m.start < prev {
			continue
		}
		b.WriteString(text[prev:m.start])
		prev = m.end
		calls = append(calls, m.call)
	}
	b.WriteString(text[prev:])
	return tidyExtractedText(b.String()), calls
}

// matchNamedToolCalls finds `Tool call: NAME({...})` spans. The arguments
// are located by brace balancing, not by regexp, so nested objects and
// braces inside string literals parse correctly.
func matchNamedToolCalls(text string) []textualMatch {
	var matches []textualMatch
	from := 0
	for {
		rel := strings.Index(text[from:], toolCallMarker)
		if rel < 0 {
			return matches
		}
		start := from + rel
		from = start + len(toolCallMarker)

		i := from
		for i < len(text) && text[i] == ' ' {
			i++
		}
		nameStart := i
		for i < len(text) && isToolNameByte(text[i]) {
			i++
		}
		if i == nameStart || i >= len(text) || text[i] != '(' {
			continue
		}
		end, ok := scanJSONObject(text, i+1)
		if !ok || end >= len(text) || text[end] != ')' {
			continue
		}
		matches = append(matches, textualMatch{
			start: widenToBullet(text, start),
			end:   end + 1,
			call:  textualToolCall{name: text[nameStart:i], args: text[i+1 : end]},
		})
		from = end + 1
	}
}

// matchInlineToolUse finds raw tool_use JSON blobs outside already matched
// spans. Every opening brace is a candidate; non-objects and objects of
// other types are skipped cheaply.
func matchInlineToolUse(text string, taken []textualMatch) []textualMatch {
	var matches []textualMatch
	for i := 0; i < len(text); i++ {
		if text[i] != '{' || inMatch(taken, i) {
			continue
		}
		end, ok := scanJSONObject(text, i)
		if !ok {
			continue
		}
		blob := text[i:end]
		if !gjson.Valid(blob) || gjson.Get(blob, "type").Str != "tool_use" {
			continue
		}
		name := gjson.Get(blob, "name").Str
		if name == "" {
			continue
		}
		args := "{}"
		if input := gjson.Get(blob, "input"); input.IsObject() {
			args = input.Raw
		}
		matches = append(matches, textualMatch{
			start: i,
			end:   end,
			call:  textualToolCall{name: name, args: args},
		})
		i = end - 1
	}
	return matches
}

func inMatch(matches []textualMatch, i int) bool {
	for _, m := range matches {
		if i >= m.start && i < m.end {
			return true
		}
	}
	return false
}

// widenToBullet extends a match over a directly preceding transcript bullet.
func widenToBullet(text string, start int) int {
	head := strings.TrimRight(text[:start], " \t")
	if strings.HasSuffix(head, toolCallBullet) {
		return len(head) - len(toolCallBullet)
	}
	return start
}

func isToolNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// scanJSONObject walks a brace-balanced object starting at open, which must
// index a '{', and returns the position one past the matching close brace.
// String literals are skipped escape-aware so braces inside strings do not
// count toward the depth.
func scanJSONObject(s string, open int) (int, bool) {
	if open >= len(s) || s[open] != '{' {
		return 0, false
	}
	depth := 0
	inString := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

var (
	blankRuns = regexp.MustCompile(`[ \t]*\n[ \t]*\n[ \t\n]*`)
	spaceRuns = regexp.MustCompile(`[ \t]{2,}`)
)

// tidyExtractedText collapses the holes left by removed calls to at most
// one paragraph break.
func tidyExtractedText(s string) string {
	s = blankRuns.ReplaceAllString(s, "\n\n")
	s = spaceRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
