// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// StreamEventType represents the type of a streaming event in the Anthropic Messages API.
// https://docs.claude.com/en/docs/build-with-claude/streaming#event-types
type StreamEventType string

const (
	StreamEventTypeMessageStart      StreamEventType = "message_start"
	StreamEventTypeMessageDelta      StreamEventType = "message_delta"
	StreamEventTypeMessageStop       StreamEventType = "message_stop"
	StreamEventTypeContentBlockStart StreamEventType = "content_block_start"
	StreamEventTypeContentBlockDelta StreamEventType = "content_block_delta"
	StreamEventTypeContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventTypePing              StreamEventType = "ping"
	StreamEventTypeError             StreamEventType = "error"
)

// StreamEvent is one event of the canonical streaming sequence. Concrete
// event structs carry their own Type field so a marshaled event is exactly
// the wire payload of its `data:` line.
type StreamEvent interface {
	EventType() StreamEventType
}

// MessageStartEvent opens the stream and carries the response skeleton
// (empty content, usage so far).
type MessageStartEvent struct {
	Type    StreamEventType  `json:"type"`
	Message MessagesResponse `json:"message"`
}

func (e *MessageStartEvent) EventType() StreamEventType { return StreamEventTypeMessageStart }

// NewMessageStart builds the message_start event for the given response
// skeleton. Content is forced empty; blocks arrive via content_block events.
func NewMessageStart(msg MessagesResponse) *MessageStartEvent {
	msg.Content = []ContentBlock{}
	msg.StopReason = nil
	return &MessageStartEvent{Type: StreamEventTypeMessageStart, Message: msg}
}

// ContentBlockStartEvent opens content block Index.
type ContentBlockStartEvent struct {
	Type         StreamEventType `json:"type"`
	Index        int             `json:"index"`
	ContentBlock ContentBlock    `json:"content_block"`
}

func (e *ContentBlockStartEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStart }

// NewContentBlockStart builds a content_block_start. For tool_use blocks the
// wire convention is an empty input object here; arguments stream as
// input_json_delta.
func NewContentBlockStart(index int, block ContentBlock) *ContentBlockStartEvent {
	return &ContentBlockStartEvent{Type: StreamEventTypeContentBlockStart, Index: index, ContentBlock: block}
}

// ContentBlockDeltaEvent appends to content block Index.
type ContentBlockDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
	Delta BlockDelta      `json:"delta"`
}

func (e *ContentBlockDeltaEvent) EventType() StreamEventType { return StreamEventTypeContentBlockDelta }

// BlockDelta is the delta union: text_delta carries Text, input_json_delta
// carries PartialJSON, thinking_delta carries Thinking.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

const (
	BlockDeltaTypeText      = "text_delta"
	BlockDeltaTypeInputJSON = "input_json_delta"
	BlockDeltaTypeThinking  = "thinking_delta"
)

// NewTextDelta builds a text_delta for block index.
func NewTextDelta(index int, text string) *ContentBlockDeltaEvent {
	return &ContentBlockDeltaEvent{
		Type:  StreamEventTypeContentBlockDelta,
		Index: index,
		Delta: BlockDelta{Type: BlockDeltaTypeText, Text: text},
	}
}

// NewInputJSONDelta builds an input_json_delta for block index. Callers must
// pass complete JSON fragments only; partial tool JSON never leaves the
// transformer.
func NewInputJSONDelta(index int, partial string) *ContentBlockDeltaEvent {
	return &ContentBlockDeltaEvent{
		Type:  StreamEventTypeContentBlockDelta,
		Index: index,
		Delta: BlockDelta{Type: BlockDeltaTypeInputJSON, PartialJSON: partial},
	}
}

// NewThinkingDelta builds a thinking_delta for block index.
func NewThinkingDelta(index int, thinking string) *ContentBlockDeltaEvent {
	return &ContentBlockDeltaEvent{
		Type:  StreamEventTypeContentBlockDelta,
		Index: index,
		Delta: BlockDelta{Type: BlockDeltaTypeThinking, Thinking: thinking},
	}
}

// ContentBlockStopEvent closes content block Index.
type ContentBlockStopEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
}

func (e *ContentBlockStopEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStop }

// NewContentBlockStop builds a content_block_stop.
func NewContentBlockStop(index int) *ContentBlockStopEvent {
	return &ContentBlockStopEvent{Type: StreamEventTypeContentBlockStop, Index: index}
}

// MessageDeltaEvent carries the final stop reason and cumulative usage.
//
// Note: the delta shape follows the official SDK, the documentation is vague.
// https://github.com/anthropics/anthropic-sdk-go/blob/3a0275d6034e4eda9fbc8366d8a5d8b3a462b4cc/message.go#L2424-L2451
type MessageDeltaEvent struct {
	Type  StreamEventType  `json:"type"`
	Delta MessageDeltaBody `json:"delta"`
	Usage *Usage           `json:"usage,omitempty"`
}

func (e *MessageDeltaEvent) EventType() StreamEventType { return StreamEventTypeMessageDelta }

// MessageDeltaBody is the delta payload of a message_delta event.
type MessageDeltaBody struct {
	StopReason   StopReason `json:"stop_reason,omitempty"`
	StopSequence *string    `json:"stop_sequence,omitempty"`
}

// NewMessageDelta builds a message_delta with stop reason and usage.
func NewMessageDelta(stop StopReason, usage *Usage) *MessageDeltaEvent {
	return &MessageDeltaEvent{Type: StreamEventTypeMessageDelta, Delta: MessageDeltaBody{StopReason: stop}, Usage: usage}
}

// MessageStopEvent terminates the stream.
type MessageStopEvent struct {
	Type StreamEventType `json:"type"`
}

func (e *MessageStopEvent) EventType() StreamEventType { return StreamEventTypeMessageStop }

// NewMessageStop builds the message_stop event.
func NewMessageStop() *MessageStopEvent {
	return &MessageStopEvent{Type: StreamEventTypeMessageStop}
}

// PingEvent is a keepalive; the gateway forwards upstream pings unchanged.
type PingEvent struct {
	Type StreamEventType `json:"type"`
}

func (e *PingEvent) EventType() StreamEventType { return StreamEventTypePing }

// ErrorEvent reports a failure on an already-open stream; it is always the
// final event before the stream closes.
type ErrorEvent struct {
	Type  StreamEventType `json:"type"`
	Error ErrorDetail     `json:"error"`
}

func (e *ErrorEvent) EventType() StreamEventType { return StreamEventTypeError }

// NewErrorEvent builds the terminal error event.
func NewErrorEvent(errType, message string) *ErrorEvent {
	return &ErrorEvent{Type: StreamEventTypeError, Error: ErrorDetail{Type: errType, Message: message}}
}

// ParseStreamEvent decodes one `data:` payload into its concrete event type.
// Unknown event types return an error so callers can decide whether to skip.
func ParseStreamEvent(data []byte) (StreamEvent, error) {
	eventType := gjson.GetBytes(data, "type")
	if !eventType.Exists() {
		return nil, fmt.Errorf("missing type field in stream event")
	}
	var (
		ev  StreamEvent
		err error
	)
	switch StreamEventType(eventType.String()) {
	case StreamEventTypeMessageStart:
		e := &MessageStartEvent{}
		err = json.Unmarshal(data, e)
		ev = e
	case StreamEventTypeContentBlockStart:
		e := &ContentBlockStartEvent{}
		err = json.Unmarshal(data, e)
		ev = e
	case StreamEventTypeContentBlockDelta:
		e := &ContentBlockDeltaEvent{}
		err = json.Unmarshal(data, e)
		ev = e
	case StreamEventTypeContentBlockStop:
		e := &ContentBlockStopEvent{}
		err = json.Unmarshal(data, e)
		ev = e
	case StreamEventTypeMessageDelta:
		e := &MessageDeltaEvent{}
		err = json.Unmarshal(data, e)
		ev = e
	case StreamEventTypeMessageStop:
		e := &MessageStopEvent{}
		err = json.Unmarshal(data, e)
		ev = e
	case StreamEventTypePing:
		e := &PingEvent{}
		err = json.Unmarshal(data, e)
		ev = e
	case StreamEventTypeError:
		e := &ErrorEvent{}
		err = json.Unmarshal(data, e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown stream event type %q", eventType.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", eventType.String(), err)
	}
	return ev, nil
}
