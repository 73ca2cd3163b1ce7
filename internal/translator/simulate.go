// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"github.com/modelmux/modelmux/internal/apischema/anthropic"
)

// SimulateStream synthesizes the canonical event sequence from a complete
// response, for pipelines whose upstream leg did not stream while the client
// asked for SSE. Text and thinking blocks are chunked at chunkSize runes per
// delta; chunkSize 0 emits each block as a single delta. Tool inputs are
// never split.
func SimulateStream(resp *anthropic.MessagesResponse, chunkSize int) []anthropic.StreamEvent {
	events := []anthropic.StreamEvent{anthropic.NewMessageStart(*resp)}

	for i, block := range resp.Content {
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			events = append(events, anthropic.NewContentBlockStart(i, anthropic.TextBlock("")))
			for _, chunk := range chunkRunes(block.Text, chunkSize) {
				events = append(events, anthropic.NewTextDelta(i, chunk))
			}
		case anthropic.ContentBlockTypeThinking:
			events = append(events, anthropic.NewContentBlockStart(i,
				anthropic.ContentBlock{Type: anthropic.ContentBlockTypeThinking}))
			for _, chunk := range chunkRunes(block.Thinking, chunkSize) {
				events = append(events, anthropic.NewThinkingDelta(i, chunk))
			}
		case anthropic.ContentBlockTypeToolUse:
			events = append(events, anthropic.NewContentBlockStart(i,
				anthropic.ToolUseBlock(block.ID, block.Name, nil)))
			if len(block.Input) > 0 {
				events = append(events, anthropic.NewInputJSONDelta(i, string(block.Input)))
			}
		default:
			events = append(events, anthropic.NewContentBlockStart(i, block))
		}
		events = append(events, anthropic.NewContentBlockStop(i))
	}

	stop := anthropic.StopReasonEndTurn
	if resp.StopReason != nil {
		stop = *resp.StopReason
	}
	delta := anthropic.NewMessageDelta(stop, &anthropic.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	})
	delta.Delta.StopSequence = resp.StopSequence
	return append(events, delta, anthropic.NewMessageStop())
}

// chunkRunes splits s into size-rune pieces. Size zero or negative keeps s
// whole. Splitting happens on rune boundaries so multibyte characters never
// tear across deltas.
func chunkRunes(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
