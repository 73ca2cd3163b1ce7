// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic holds the Anthropic Messages API wire schema. It is the
// canonical envelope of the gateway: inbound requests arrive in this shape,
// every transformer converts to and from it, and responses leave in it.
// https://docs.claude.com/en/api/messages
package anthropic

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest represents a request to the Anthropic Messages API.
// https://docs.claude.com/en/api/messages
type MessagesRequest struct {
	// Model is the model to use for the request. At the gateway boundary this
	// is the virtual model name; transformers substitute the concrete one.
	Model string `json:"model" validate:"required"`

	// Messages is the list of messages in the conversation.
	// https://docs.claude.com/en/api/messages#body-messages
	Messages []Message `json:"messages" validate:"required,min=1,max=100"`

	// MaxTokens is the maximum number of tokens to generate.
	// https://docs.claude.com/en/api/messages#body-max-tokens
	MaxTokens int `json:"max_tokens" validate:"required,min=1,max=200000"`

	// Metadata is the metadata for the request.
	// https://docs.claude.com/en/api/messages#body-metadata
	Metadata *Metadata `json:"metadata,omitempty"`

	// StopSequences is the list of stop sequences.
	// https://docs.claude.com/en/api/messages#body-stop-sequences
	StopSequences []string `json:"stop_sequences,omitempty" validate:"max=4"`

	// System is the system prompt to guide the model's behavior. Either a
	// plain string or an array of text blocks on the wire.
	// https://docs.claude.com/en/api/messages#body-system
	System *SystemPrompt `json:"system,omitempty"`

	// Temperature controls the randomness of the output.
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=1"`

	// Thinking is the configuration for the model's "thinking" behavior.
	// https://docs.claude.com/en/api/messages#body-thinking
	Thinking *Thinking `json:"thinking,omitempty"`

	// ToolChoice indicates the tool choice for the model.
	// https://docs.claude.com/en/api/messages#body-tool-choice
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// Tools is the list of tools available to the model.
	// https://docs.claude.com/en/api/messages#body-tools
	Tools []Tool `json:"tools,omitempty" validate:"max=20"`

	// Stream indicates whether to stream the response.
	Stream bool `json:"stream,omitempty"`

	// TopP is the cumulative probability for nucleus sampling.
	TopP *float64 `json:"top_p,omitempty" validate:"omitempty,min=0,max=1"`

	// TopK is the number of highest probability vocabulary tokens to keep for top-k-filtering.
	TopK *int `json:"top_k,omitempty" validate:"omitempty,min=0"`
}

// Message represents a single message in the Anthropic Messages API.
// https://docs.claude.com/en/api/messages#body-messages
type Message struct {
	// Role is the role of the message.
	Role MessageRole `json:"role"`

	// Content is the content of the message.
	Content MessageContent `json:"content"`
}

// MessageRole represents the role of a message in the Anthropic Messages API.
// https://docs.claude.com/en/api/messages#body-messages-role
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	// MessageRoleSystem is accepted on the inbound side for clients that put
	// the system prompt into the message list; transformers fold it into the
	// target's system slot.
	MessageRoleSystem MessageRole = "system"
)

// MessageContent represents the content of a message: a bare string or an
// array of typed content blocks.
// https://docs.claude.com/en/api/messages#body-messages-content
type MessageContent struct {
	Text   *string        // Non-nil iif this is string content.
	Blocks []ContentBlock // Non-nil iif this is array content.
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	// Try to unmarshal as string first.
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = &text
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		m.Blocks = blocks
		return nil
	}
	return fmt.Errorf("message content must be either string or array")
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Text != nil {
		return json.Marshal(*m.Text)
	}
	if m.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.Blocks)
}

// ContentOfText builds string content.
func ContentOfText(text string) MessageContent {
	return MessageContent{Text: &text}
}

// ContentOfBlocks builds array content.
func ContentOfBlocks(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// ContentBlockType discriminates ContentBlock.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeImage      ContentBlockType = "image"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
	ContentBlockTypeThinking   ContentBlockType = "thinking"
)

// ContentBlock is one element of array message content. Exactly the fields
// belonging to Type are populated; the rest stay at their zero value and are
// omitted on the wire.
// https://docs.claude.com/en/api/messages#body-messages-content
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// Text is set for "text" blocks.
	Text string `json:"text,omitempty"`

	// Source is set for "image" blocks.
	Source *ImageSource `json:"source,omitempty"`

	// ID, Name and Input are set for "tool_use" blocks. Input is the raw
	// JSON object of tool arguments.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content and IsError are set for "tool_result" blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   *MessageContent `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// Thinking is set for "thinking" blocks in assistant turns.
	Thinking string `json:"thinking,omitempty"`
}

// MarshalJSON emits exactly the fields belonging to the block type. The
// streaming wire needs explicit zero values ("text":"" in a text
// content_block_start, "input":{} in a tool_use one), which omitempty tags
// cannot express.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case ContentBlockTypeText:
		return json.Marshal(struct {
			Type ContentBlockType `json:"type"`
			Text string           `json:"text"`
		}{b.Type, b.Text})
	case ContentBlockTypeImage:
		return json.Marshal(struct {
			Type   ContentBlockType `json:"type"`
			Source *ImageSource     `json:"source"`
		}{b.Type, b.Source})
	case ContentBlockTypeToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return json.Marshal(struct {
			Type  ContentBlockType `json:"type"`
			ID    string           `json:"id"`
			Name  string           `json:"name"`
			Input json.RawMessage  `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case ContentBlockTypeToolResult:
		return json.Marshal(struct {
			Type      ContentBlockType `json:"type"`
			ToolUseID string           `json:"tool_use_id"`
			Content   *MessageContent  `json:"content,omitempty"`
			IsError   bool             `json:"is_error,omitempty"`
		}{b.Type, b.ToolUseID, b.Content, b.IsError})
	case ContentBlockTypeThinking:
		return json.Marshal(struct {
			Type     ContentBlockType `json:"type"`
			Thinking string           `json:"thinking"`
		}{b.Type, b.Thinking})
	default:
		type plain ContentBlock
		return json.Marshal(plain(b))
	}
}

// TextBlock builds a "text" content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentBlockTypeText, Text: text}
}

// ToolUseBlock builds a "tool_use" content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: ContentBlockTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a "tool_result" content block with string content.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	c := ContentOfText(content)
	return ContentBlock{Type: ContentBlockTypeToolResult, ToolUseID: toolUseID, Content: &c, IsError: isError}
}

// ImageSource carries an image payload.
// https://docs.claude.com/en/api/messages#body-messages-content
type ImageSource struct {
	Type string `json:"type"` // "base64" or "url"
	// MediaType and Data are set for base64 sources.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	// URL is set for url sources.
	URL string `json:"url,omitempty"`
}

// Metadata is the request metadata bag. Beyond the upstream API's user_id it
// carries the gateway's correlation ids and routing hints; unknown fields
// sent by clients are dropped by the strict decoder at the front server.
// https://docs.claude.com/en/api/messages#body-metadata
type Metadata struct {
	// UserID is an optional user identifier for tracking purposes.
	UserID *string `json:"user_id,omitempty"`

	// ConversationID groups requests that must execute in order.
	ConversationID *string `json:"conversation_id,omitempty"`

	// RequestID is the client-assigned request identifier.
	RequestID *string `json:"request_id,omitempty"`

	// Background marks the request as background work; routing sends it to
	// the "background" route when one exists.
	Background bool `json:"background,omitempty"`

	// Thinking forces thinking-category routing even when the request has no
	// thinking configuration.
	Thinking bool `json:"thinking,omitempty"`

	// Search marks the request as a search task for routing.
	Search bool `json:"search,omitempty"`
}

// SystemPrompt is a union: string or array of text blocks.
// https://docs.claude.com/en/api/messages#body-system
type SystemPrompt struct {
	Text   *string
	Blocks []ContentBlock
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = &text
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		return nil
	}
	return fmt.Errorf("system must be either string or array")
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Text != nil {
		return json.Marshal(*s.Text)
	}
	return json.Marshal(s.Blocks)
}

// Flatten returns the system prompt as a single string, joining block texts
// with double newlines.
func (s *SystemPrompt) Flatten() string {
	if s == nil {
		return ""
	}
	if s.Text != nil {
		return *s.Text
	}
	var out string
	for i, b := range s.Blocks {
		if b.Type != ContentBlockTypeText {
			continue
		}
		if i > 0 && out != "" {
			out += "\n\n"
		}
		out += b.Text
	}
	return out
}

// Thinking represents the configuration for the model's "thinking" behavior.
// https://docs.claude.com/en/api/messages#body-thinking
type Thinking struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Enabled reports whether thinking is requested.
func (t *Thinking) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// ToolChoice indicates the tool choice for the model.
// https://docs.claude.com/en/api/messages#body-tool-choice
type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
	// Name is set when Type is "tool".
	Name string `json:"name,omitempty"`
	// DisableParallelToolUse requests at most one tool invocation per turn.
	DisableParallelToolUse *bool `json:"disable_parallel_tool_use,omitempty"`
}

// ToolChoiceType enumerates the tool_choice modes.
type ToolChoiceType string

const (
	ToolChoiceTypeAuto ToolChoiceType = "auto"
	ToolChoiceTypeAny  ToolChoiceType = "any"
	ToolChoiceTypeTool ToolChoiceType = "tool"
	ToolChoiceTypeNone ToolChoiceType = "none"
)

// Tool represents a tool available to the model.
// https://docs.claude.com/en/api/messages#body-tools
type Tool struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	// InputSchema is the JSON Schema of the tool parameters, kept raw so it
	// survives translation byte-for-byte.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessagesResponse represents a response from the Anthropic Messages API.
// https://docs.claude.com/en/api/messages
type MessagesResponse struct {
	// ID is the unique identifier for the response.
	// https://docs.claude.com/en/api/messages#response-id
	ID string `json:"id"`
	// Type is always "message".
	// https://docs.claude.com/en/api/messages#response-type
	Type string `json:"type"`
	// Role is always "assistant".
	// https://docs.claude.com/en/api/messages#response-role
	Role string `json:"role"`
	// Content is the content of the message in the response.
	// https://docs.claude.com/en/api/messages#response-content
	Content []ContentBlock `json:"content"`
	// Model is the model used for the response. The gateway echoes the
	// virtual model name the client asked for.
	// https://docs.claude.com/en/api/messages#response-model
	Model string `json:"model"`
	// StopReason is the reason for stopping the generation.
	// https://docs.claude.com/en/api/messages#response-stop-reason
	StopReason *StopReason `json:"stop_reason"`
	// StopSequence is the stop sequence that was encountered.
	// https://docs.claude.com/en/api/messages#response-stop-sequence
	StopSequence *string `json:"stop_sequence,omitempty"`
	// Usage contains token usage information for the response.
	// https://docs.claude.com/en/api/messages#response-usage
	Usage Usage `json:"usage"`
}

const (
	// MessageObjectType is the constant MessagesResponse.Type value.
	MessageObjectType = "message"
	// MessageRoleAssistantValue is the constant MessagesResponse.Role value.
	MessageRoleAssistantValue = "assistant"
)

// StopReason represents the reason for stopping the generation.
// https://docs.claude.com/en/api/messages#response-stop-reason
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
)

// Usage represents token usage information for the Anthropic Messages API response.
// https://docs.claude.com/en/api/messages#response-usage
//
// NOTE: all of them are float64 in the API, although they are always integers in practice.
// However, the documentation doesn't explicitly state that they are integers in its format,
// so we use float64 to be able to unmarshal both 1234 and 1234.0 without errors.
type Usage struct {
	// The number of input tokens which were used.
	InputTokens float64 `json:"input_tokens"`
	// The number of output tokens which were used.
	OutputTokens float64 `json:"output_tokens"`
	// The number of input tokens used to create the cache entry.
	CacheCreationInputTokens float64 `json:"cache_creation_input_tokens,omitempty"`
	// The number of input tokens read from the cache.
	CacheReadInputTokens float64 `json:"cache_read_input_tokens,omitempty"`
}

// ErrorResponse is the Anthropic error envelope returned for every failure.
// https://docs.claude.com/en/api/errors
type ErrorResponse struct {
	Type  string      `json:"type"` // always "error"
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error category and carries the human-readable message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
