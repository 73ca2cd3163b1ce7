// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
)

// geminiStreamParser converts a streamGenerateContent frame sequence into
// the canonical event sequence. Each frame is a complete
// GenerateContentResponse document. Text and thought parts stream
// incrementally; function calls arrive whole in a single frame, so their
// block triple is emitted immediately and nothing is buffered.
type geminiStreamParser struct {
	model string

	started   bool
	messageID string

	openKind  openBlockKind
	openIndex int
	nextIndex int

	sawFunctionCall bool
	finish          genai.FinishReason
	usage           TokenUsage
}

func newGeminiStreamParser(model string) *geminiStreamParser {
	return &geminiStreamParser{model: model}
}

func (p *geminiStreamParser) parse(data []byte, endOfStream bool) ([]anthropic.StreamEvent, TokenUsage, error) {
	if endOfStream {
		return p.flush(), p.usage, nil
	}

	var frame genai.GenerateContentResponse
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, p.usage, fmt.Errorf("failed to unmarshal streamGenerateContent frame: %w", err)
	}

	events := p.ensureStarted(frame.ResponseID)

	// usageMetadata carries cumulative totals, each frame overwrites.
	if frame.UsageMetadata != nil {
		p.usage = geminiUsage(frame.UsageMetadata)
	}

	if len(frame.Candidates) > 0 {
		candidate := frame.Candidates[0]
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				events = append(events, p.applyPart(part)...)
			}
		}
		if candidate.FinishReason != "" {
			p.finish = candidate.FinishReason
		}
	}
	return events, p.usage, nil
}

// ensureStarted emits message_start exactly once, on the first frame seen.
func (p *geminiStreamParser) ensureStarted(responseID string) []anthropic.StreamEvent {
	if p.started {
		return nil
	}
	p.started = true
	p.messageID = geminiMessageID(responseID)
	return []anthropic.StreamEvent{anthropic.NewMessageStart(anthropic.MessagesResponse{
		ID:    p.messageID,
		Type:  anthropic.MessageObjectType,
		Role:  anthropic.MessageRoleAssistantValue,
		Model: p.model,
	})}
}

func (p *geminiStreamParser) applyPart(part *genai.Part) []anthropic.StreamEvent {
	switch {
	case part == nil:
		return nil
	case part.FunctionCall != nil:
		p.sawFunctionCall = true
		return p.functionCallTriple(part.FunctionCall)
	case part.Thought:
		if part.Text == "" {
			return nil
		}
		events := p.openBlock(openBlockThinking)
		return append(events, anthropic.NewThinkingDelta(p.openIndex, part.Text))
	case part.Text != "":
		events := p.openBlock(openBlockText)
		return append(events, anthropic.NewTextDelta(p.openIndex, part.Text))
	default:
		return nil
	}
}

// functionCallTriple emits a whole tool_use block. The arguments are already
// a complete object, so the single input_json_delta carries all of them.
func (p *geminiStreamParser) functionCallTriple(call *genai.FunctionCall) []anthropic.StreamEvent {
	events := p.closeBlock()
	id := call.ID
	if id == "" {
		id = newToolUseID()
	}
	blockIndex := p.nextIndex
	p.nextIndex++
	events = append(events, anthropic.NewContentBlockStart(blockIndex, anthropic.ToolUseBlock(id, call.Name, nil)))
	if len(call.Args) > 0 {
		if args, err := json.Marshal(call.Args); err == nil {
			events = append(events, anthropic.NewInputJSONDelta(blockIndex, string(args)))
		}
	}
	return append(events, anthropic.NewContentBlockStop(blockIndex))
}

// openBlock makes kind the open block, closing whichever block was open.
func (p *geminiStreamParser) openBlock(kind openBlockKind) []anthropic.StreamEvent {
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

func (p *geminiStreamParser) closeBlock() []anthropic.StreamEvent {
	if p.openKind == openBlockNone {
		return nil
	}
	p.openKind = openBlockNone
	return []anthropic.StreamEvent{anthropic.NewContentBlockStop(p.openIndex)}
}

// flush closes the open block and terminates the canonical sequence. An
// upstream that never sent a frame still yields a valid, empty message.
func (p *geminiStreamParser) flush() []anthropic.StreamEvent {
	events := p.ensureStarted("")
	events = append(events, p.closeBlock()...)
	return append(events,
		anthropic.NewMessageDelta(geminiStopReason(p.finish, p.sawFunctionCall), &anthropic.Usage{
			InputTokens:  float64(p.usage.InputTokens),
			OutputTokens: float64(p.usage.OutputTokens),
		}),
		anthropic.NewMessageStop(),
	)
}
