// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/apischema/openai"
)

// openAIStreamParser converts a chat completions chunk stream into the
// canonical event sequence. Text and reasoning deltas pass through as they
// arrive; tool call argument fragments are buffered per call and flushed as
// whole input_json_delta payloads at end of stream, so partial JSON never
// reaches the client. Each parse call takes one decoded frame, never raw SSE
// bytes.
type openAIStreamParser struct {
	model string

	started   bool
	messageID string

	openKind  openBlockKind
	openIndex int
	nextIndex int

	// Tool calls accumulate keyed by the provider's tool call index; order
	// records first arrival so blocks flush deterministically.
	tools     map[int64]*streamingToolCall
	toolOrder []int64

	finish anthropic.StopReason
	usage  TokenUsage
}

type openBlockKind int

const (
	openBlockNone openBlockKind = iota
	openBlockText
	openBlockThinking
)

type streamingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newOpenAIStreamParser(model string) *openAIStreamParser {
	return &openAIStreamParser{model: model, tools: make(map[int64]*streamingToolCall)}
}

func (p *openAIStreamParser) parse(data []byte, endOfStream bool) ([]anthropic.StreamEvent, TokenUsage, error) {
	if endOfStream {
		return p.flush(), p.usage, nil
	}

	var chunk openai.ChatCompletionResponseChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, p.usage, fmt.Errorf("failed to unmarshal chat completions chunk: %w", err)
	}

	events := p.ensureStarted(chunk.ID)

	if chunk.Usage != nil {
		p.usage = TokenUsage{
			InputTokens:  uint32(chunk.Usage.PromptTokens),     //nolint:gosec
			OutputTokens: uint32(chunk.Usage.CompletionTokens), //nolint:gosec
			TotalTokens:  uint32(chunk.Usage.TotalTokens),      //nolint:gosec
		}
	}

	for _, choice := range chunk.Choices {
		if choice.Delta != nil {
			events = append(events, p.applyDelta(choice.Delta)...)
		}
		if choice.FinishReason != "" {
			p.finish = stopReasonFromFinish(choice.FinishReason, false)
		}
	}
	return events, p.usage, nil
}

// ensureStarted emits message_start exactly once, on the first frame seen.
func (p *openAIStreamParser) ensureStarted(id string) []anthropic.StreamEvent {
	if p.started {
		return nil
	}
	p.started = true
	p.messageID = id
	if p.messageID == "" {
		p.messageID = newMessageID()
	}
	return []anthropic.StreamEvent{anthropic.NewMessageStart(anthropic.MessagesResponse{
		ID:    p.messageID,
		Type:  anthropic.MessageObjectType,
		Role:  anthropic.MessageRoleAssistantValue,
		Model: p.model,
	})}
}

func (p *openAIStreamParser) applyDelta(delta *openai.ChatCompletionResponseChunkChoiceDelta) []anthropic.StreamEvent {
	var events []anthropic.StreamEvent

	if delta.ReasoningContent != nil && *delta.ReasoningContent != "" {
		events = append(events, p.openBlock(openBlockThinking)...)
		events = append(events, anthropic.NewThinkingDelta(p.openIndex, *delta.ReasoningContent))
	}
	if delta.Content != nil && *delta.Content != "" {
		events = append(events, p.openBlock(openBlockText)...)
		events = append(events, anthropic.NewTextDelta(p.openIndex, *delta.Content))
	}
	for _, call := range delta.ToolCalls {
		var idx int64
		if call.Index != nil {
			idx = *call.Index
		}
		tc, ok := p.tools[idx]
		if !ok {
			tc = &streamingToolCall{}
			p.tools[idx] = tc
			p.toolOrder = append(p.toolOrder, idx)
		}
		if call.ID != nil && *call.ID != "" {
			tc.id = *call.ID
		}
		if call.Function.Name != "" {
			tc.name = call.Function.Name
		}
		tc.args.WriteString(call.Function.Arguments)
	}
	return events
}

// openBlock makes kind the open block, closing whichever block was open.
func (p *openAIStreamParser) openBlock(kind openBlockKind) []anthropic.StreamEvent {
	if p.openKind == kind {
		return nil
	}
	events := p.closeBlock()
	p.openKind = kind
	p.openIndex = p.nextIndex
	p.nextIndex++
	switch kind {
	case openBlockText:
		events = append(events, anthropic.NewContentBlockStart(p.openIndex, anthropic.TextBlock("")))
	case openBlockThinking:
		events = append(events, anthropic.NewContentBlockStart(p.openIndex,
			anthropic.ContentBlock{Type: anthropic.ContentBlockTypeThinking}))
	case openBlockNone:
	}
	return events
}

func (p *openAIStreamParser) closeBlock() []anthropic.StreamEvent {
	if p.openKind == openBlockNone {
		return nil
	}
	p.openKind = openBlockNone
	return []anthropic.StreamEvent{anthropic.NewContentBlockStop(p.openIndex)}
}

// flush closes the open block, emits buffered tool calls as complete block
// triples and terminates the canonical sequence. An upstream that never sent
// a frame still yields a valid, empty message.
func (p *openAIStreamParser) flush() []anthropic.StreamEvent {
	events := p.ensureStarted("")
	events = append(events, p.closeBlock()...)

	for _, idx := range p.toolOrder {
		tc := p.tools[idx]
		id := tc.id
		if id == "" {
			id = newToolUseID()
		}
		blockIndex := p.nextIndex
		p.nextIndex++
		events = append(events, anthropic.NewContentBlockStart(blockIndex, anthropic.ToolUseBlock(id, tc.name, nil)))
		if args := tc.args.String(); args != "" {
			events = append(events, anthropic.NewInputJSONDelta(blockIndex, args))
		}
		events = append(events, anthropic.NewContentBlockStop(blockIndex))
	}

	stop := p.finish
	if len(p.toolOrder) > 0 {
		stop = anthropic.StopReasonToolUse
	} else if stop == "" {
		stop = anthropic.StopReasonEndTurn
	}
	return append(events,
		anthropic.NewMessageDelta(stop, &anthropic.Usage{
			InputTokens:  float64(p.usage.InputTokens),
			OutputTokens: float64(p.usage.OutputTokens),
		}),
		anthropic.NewMessageStop(),
	)
}
