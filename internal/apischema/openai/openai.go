// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai models the OpenAI Chat Completions wire format spoken by the
// openai, lmstudio and ollama provider families. The gateway emits
// ChatCompletionRequest bodies upstream and decodes ChatCompletionResponse
// and ChatCompletionResponseChunk bodies coming back.
//
// Union fields mirror the upstream API: anywhere the API accepts
// "string or array" the Go type carries a Value any plus a hand-rolled
// UnmarshalJSON, which is dramatically cheaper than the reflection-heavy
// SDK unions for the hot request path.
package openai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ChatMessageRole is the role discriminator of a chat message.
type ChatMessageRole string

const (
	ChatMessageRoleSystem    ChatMessageRole = "system"
	ChatMessageRoleDeveloper ChatMessageRole = "developer"
	ChatMessageRoleUser      ChatMessageRole = "user"
	ChatMessageRoleAssistant ChatMessageRole = "assistant"
	ChatMessageRoleTool      ChatMessageRole = "tool"
)

// Object type discriminators returned by chat completions endpoints.
const (
	ChatCompletionObject      = "chat.completion"
	ChatCompletionChunkObject = "chat.completion.chunk"
)

// ChatCompletionContentPartTextType is the type of a text content part.
type ChatCompletionContentPartTextType string

const ChatCompletionContentPartTextTypeText ChatCompletionContentPartTextType = "text"

// ChatCompletionContentPartTextParam is a text content part.
// https://platform.openai.com/docs/api-reference/chat/create#chat-create-messages
type ChatCompletionContentPartTextParam struct {
	// The text content.
	Text string `json:"text"`
	// The type of the content part.
	Type string `json:"type"`
}

// ChatCompletionContentPartImageType is the type of an image content part.
type ChatCompletionContentPartImageType string

const ChatCompletionContentPartImageTypeImageURL ChatCompletionContentPartImageType = "image_url"

// ChatCompletionContentPartImageImageURLParam carries the image payload,
// either a remote URL or a data URI.
type ChatCompletionContentPartImageImageURLParam struct {
	// Either a URL of the image or the base64 encoded image data.
	URL string `json:"url"`
	// Specifies the detail level of the image.
	Detail string `json:"detail,omitempty"`
}

// ChatCompletionContentPartImageParam is an image content part.
type ChatCompletionContentPartImageParam struct {
	ImageURL ChatCompletionContentPartImageImageURLParam `json:"image_url"`
	// The type of the content part. Always "image_url".
	Type ChatCompletionContentPartImageType `json:"type"`
}

// ChatCompletionContentPartInputAudioType is the type of an audio content part.
type ChatCompletionContentPartInputAudioType string

const ChatCompletionContentPartInputAudioTypeInputAudio ChatCompletionContentPartInputAudioType = "input_audio"

// ChatCompletionContentPartInputAudioInputAudioFormat is the encoding of
// audio input data.
type ChatCompletionContentPartInputAudioInputAudioFormat string

const (
	ChatCompletionContentPartInputAudioInputAudioFormatWAV ChatCompletionContentPartInputAudioInputAudioFormat = "wav"
	ChatCompletionContentPartInputAudioInputAudioFormatMP3 ChatCompletionContentPartInputAudioInputAudioFormat = "mp3"
)

// ChatCompletionContentPartInputAudioInputAudioParam carries the audio payload.
type ChatCompletionContentPartInputAudioInputAudioParam struct {
	// Base64 encoded audio data.
	Data string `json:"data"`
	// The format of the encoded audio data.
	Format ChatCompletionContentPartInputAudioInputAudioFormat `json:"format"`
}

// ChatCompletionContentPartInputAudioParam is an audio content part.
type ChatCompletionContentPartInputAudioParam struct {
	InputAudio ChatCompletionContentPartInputAudioInputAudioParam `json:"input_audio"`
	// The type of the content part. Always "input_audio".
	Type ChatCompletionContentPartInputAudioType `json:"type"`
}

// ChatCompletionContentPartUserUnionParam is a union of the content parts a
// user message may carry: text, image or audio.
type ChatCompletionContentPartUserUnionParam struct {
	TextContent       *ChatCompletionContentPartTextParam
	ImageContent      *ChatCompletionContentPartImageParam
	InputAudioContent *ChatCompletionContentPartInputAudioParam
}

func (c *ChatCompletionContentPartUserUnionParam) UnmarshalJSON(data []byte) error {
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() {
		return fmt.Errorf("chat content does not have type")
	}
	switch typ.String() {
	case string(ChatCompletionContentPartTextTypeText):
		var text ChatCompletionContentPartTextParam
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		c.TextContent = &text
	case string(ChatCompletionContentPartImageTypeImageURL):
		var image ChatCompletionContentPartImageParam
		if err := json.Unmarshal(data, &image); err != nil {
			return err
		}
		c.ImageContent = &image
	case string(ChatCompletionContentPartInputAudioTypeInputAudio):
		var audio ChatCompletionContentPartInputAudioParam
		if err := json.Unmarshal(data, &audio); err != nil {
			return err
		}
		c.InputAudioContent = &audio
	default:
		return fmt.Errorf("unknown ChatCompletionContentPartUnionParam type: %s", typ.String())
	}
	return nil
}

func (c ChatCompletionContentPartUserUnionParam) MarshalJSON() ([]byte, error) {
	switch {
	case c.TextContent != nil:
		return json.Marshal(c.TextContent)
	case c.ImageContent != nil:
		return json.Marshal(c.ImageContent)
	case c.InputAudioContent != nil:
		return json.Marshal(c.InputAudioContent)
	}
	return nil, fmt.Errorf("no content part set in ChatCompletionContentPartUserUnionParam")
}

// StringOrArray is a union of string, []string or
// []ChatCompletionContentPartTextParam. It backs the content field of
// system, developer and tool messages.
type StringOrArray struct {
	Value any
}

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	v, err := contentUnion("content", data)
	if err != nil {
		return err
	}
	s.Value = v
	return nil
}

func (s StringOrArray) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}

// StringOrUserRoleContentUnion is a union of string or the user content part
// array. It backs the content field of user messages.
type StringOrUserRoleContentUnion struct {
	Value any
}

func (s *StringOrUserRoleContentUnion) UnmarshalJSON(data []byte) error {
	idx, err := skipLeadingWhitespace("content", data, 0)
	if err != nil {
		return err
	}
	switch data[idx] {
	case '"':
		str, err := unquoteJSONString("content", data)
		if err != nil {
			return err
		}
		s.Value = str
		return nil
	case '[':
		var parts []ChatCompletionContentPartUserUnionParam
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		s.Value = parts
		return nil
	default:
		return fmt.Errorf("invalid content type (must be string or array)")
	}
}

func (s StringOrUserRoleContentUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}

// StringOrAssistantRoleContentUnion is a union of string, a single assistant
// content object or an array of them. It backs the content field of assistant
// messages.
type StringOrAssistantRoleContentUnion struct {
	Value any
}

func (s *StringOrAssistantRoleContentUnion) UnmarshalJSON(data []byte) error {
	idx, err := skipLeadingWhitespace("content", data, 0)
	if err != nil {
		return err
	}
	switch data[idx] {
	case 'n':
		// The decoder validates syntax before calling us, so this is null.
		// Null content is valid when the message carries tool calls.
		s.Value = nil
		return nil
	case '"':
		str, err := unquoteJSONString("content", data)
		if err != nil {
			return err
		}
		s.Value = str
		return nil
	case '{':
		var content ChatCompletionAssistantMessageParamContent
		if err := json.Unmarshal(data, &content); err != nil {
			return err
		}
		s.Value = content
		return nil
	case '[':
		var contents []ChatCompletionAssistantMessageParamContent
		if err := json.Unmarshal(data, &contents); err != nil {
			return err
		}
		s.Value = contents
		return nil
	default:
		return fmt.Errorf("invalid content type (must be string, object or array)")
	}
}

func (s StringOrAssistantRoleContentUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Value)
}

// ChatCompletionAssistantMessageParamContentType is the type of an assistant
// message content object.
type ChatCompletionAssistantMessageParamContentType string

const (
	ChatCompletionAssistantMessageParamContentTypeText    ChatCompletionAssistantMessageParamContentType = "text"
	ChatCompletionAssistantMessageParamContentTypeRefusal ChatCompletionAssistantMessageParamContentType = "refusal"
)

// ChatCompletionAssistantMessageParamContent is one assistant content object.
type ChatCompletionAssistantMessageParamContent struct {
	// The type of the content part.
	Type ChatCompletionAssistantMessageParamContentType `json:"type"`
	// The text content.
	Text *string `json:"text,omitempty"`
	// The refusal message.
	Refusal *string `json:"refusal,omitempty"`
}

// ChatCompletionSystemMessageParam is a system role message.
// https://platform.openai.com/docs/api-reference/chat/create#chat-create-messages
type ChatCompletionSystemMessageParam struct {
	// The contents of the system message.
	Content StringOrArray `json:"content"`
	// The role of the message author. Always "system".
	Role ChatMessageRole `json:"role"`
	// An optional name for the participant.
	Name string `json:"name,omitempty"`
}

// ChatCompletionDeveloperMessageParam is a developer role message, the o1+
// replacement for system messages.
type ChatCompletionDeveloperMessageParam struct {
	Content StringOrArray   `json:"content"`
	Role    ChatMessageRole `json:"role"`
	Name    string          `json:"name,omitempty"`
}

// ChatCompletionUserMessageParam is a user role message.
type ChatCompletionUserMessageParam struct {
	// The contents of the user message.
	Content StringOrUserRoleContentUnion `json:"content"`
	// The role of the message author. Always "user".
	Role ChatMessageRole `json:"role"`
	Name string          `json:"name,omitempty"`
}

// ChatCompletionToolMessageParam carries a tool invocation result back to the
// model.
type ChatCompletionToolMessageParam struct {
	// The contents of the tool message.
	Content StringOrArray `json:"content"`
	// The role of the message author. Always "tool".
	Role ChatMessageRole `json:"role"`
	// Tool call that this message is responding to.
	ToolCallID string `json:"tool_call_id"`
}

// ChatCompletionMessageToolCallType is the type of a tool call. Only
// functions exist today.
type ChatCompletionMessageToolCallType string

const ChatCompletionMessageToolCallTypeFunction ChatCompletionMessageToolCallType = "function"

// ChatCompletionMessageToolCallFunctionParam names the called function and
// carries its arguments as a JSON-encoded string.
type ChatCompletionMessageToolCallFunctionParam struct {
	// The name of the function to call.
	Name string `json:"name"`
	// The arguments to call the function with, as a JSON string. Streaming
	// deltas carry argument fragments that only concatenate into valid JSON
	// once the block is complete.
	Arguments string `json:"arguments"`
}

// ChatCompletionMessageToolCallParam is a tool call made by the model. In
// streaming responses ID and Function.Name arrive on the first fragment only
// and Index correlates subsequent argument fragments.
type ChatCompletionMessageToolCallParam struct {
	// The index of the tool call in streaming deltas.
	Index *int64 `json:"index,omitempty"`
	// The ID of the tool call.
	ID *string `json:"id,omitempty"`
	// The function that the model called.
	Function ChatCompletionMessageToolCallFunctionParam `json:"function"`
	// The type of the tool. Always "function".
	Type ChatCompletionMessageToolCallType `json:"type"`
}

// ChatCompletionAssistantMessageParam is an assistant role message, used to
// replay prior model turns including tool calls.
type ChatCompletionAssistantMessageParam struct {
	// The contents of the assistant message. Null is valid when tool calls
	// are present.
	Content StringOrAssistantRoleContentUnion `json:"content"`
	// The role of the message author. Always "assistant".
	Role ChatMessageRole `json:"role"`
	Name string          `json:"name,omitempty"`
	// The tool calls generated by the model.
	ToolCalls []ChatCompletionMessageToolCallParam `json:"tool_calls,omitempty"`
}

// ChatCompletionMessageParamUnion is a union over the five message roles.
// Type records the role the value was decoded from.
type ChatCompletionMessageParamUnion struct {
	Value any
	Type  ChatMessageRole
}

func (c *ChatCompletionMessageParamUnion) UnmarshalJSON(data []byte) error {
	role := gjson.GetBytes(data, "role")
	if !role.Exists() {
		return fmt.Errorf("chat message does not have role")
	}
	switch ChatMessageRole(role.String()) {
	case ChatMessageRoleSystem:
		var system ChatCompletionSystemMessageParam
		if err := json.Unmarshal(data, &system); err != nil {
			return err
		}
		c.Value, c.Type = system, ChatMessageRoleSystem
	case ChatMessageRoleDeveloper:
		var developer ChatCompletionDeveloperMessageParam
		if err := json.Unmarshal(data, &developer); err != nil {
			return err
		}
		c.Value, c.Type = developer, ChatMessageRoleDeveloper
	case ChatMessageRoleUser:
		var user ChatCompletionUserMessageParam
		if err := json.Unmarshal(data, &user); err != nil {
			return err
		}
		c.Value, c.Type = user, ChatMessageRoleUser
	case ChatMessageRoleAssistant:
		var assistant ChatCompletionAssistantMessageParam
		if err := json.Unmarshal(data, &assistant); err != nil {
			return err
		}
		c.Value, c.Type = assistant, ChatMessageRoleAssistant
	case ChatMessageRoleTool:
		var tool ChatCompletionToolMessageParam
		if err := json.Unmarshal(data, &tool); err != nil {
			return err
		}
		c.Value, c.Type = tool, ChatMessageRoleTool
	default:
		return fmt.Errorf("unknown ChatCompletionMessageParam type: %s", role.String())
	}
	return nil
}

func (c ChatCompletionMessageParamUnion) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value)
}

// FunctionDefinition declares a callable function.
// https://platform.openai.com/docs/api-reference/chat/create#chat-create-tools
type FunctionDefinition struct {
	// The name of the function to be called.
	Name string `json:"name"`
	// A description of what the function does.
	Description string `json:"description,omitempty"`
	// The parameters the function accepts, described as a JSON Schema object.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Whether to enable strict schema adherence.
	Strict bool `json:"strict,omitempty"`
}

// ToolType is the type of a tool declaration.
type ToolType string

const ToolTypeFunction ToolType = "function"

// Tool declares a tool the model may call.
type Tool struct {
	// The type of the tool. Always "function".
	Type ToolType `json:"type"`
	// The declared function.
	Function *FunctionDefinition `json:"function,omitempty"`
}

// ChatCompletionNamedToolChoiceFunction forces a specific function.
type ChatCompletionNamedToolChoiceFunction struct {
	Name string `json:"name"`
}

// ChatCompletionNamedToolChoice is the object form of tool_choice.
type ChatCompletionNamedToolChoice struct {
	// The type of the tool. Always "function".
	Type string `json:"type"`
	// The function to call.
	Function ChatCompletionNamedToolChoiceFunction `json:"function"`
}

// ChatCompletionResponseFormatJSONSchema constrains output to a JSON schema.
type ChatCompletionResponseFormatJSONSchema struct {
	// The name of the response format.
	Name string `json:"name"`
	// A description of what the response format is for.
	Description string `json:"description,omitempty"`
	// The schema for the response format, described as a JSON Schema object.
	Schema map[string]any `json:"schema"`
	// Whether to enable strict schema adherence.
	Strict bool `json:"strict,omitempty"`
}

// ChatCompletionResponseFormat selects the output format of the model.
type ChatCompletionResponseFormat struct {
	// "text", "json_object" or "json_schema".
	Type string `json:"type"`
	// Set when Type is "json_schema".
	JSONSchema *ChatCompletionResponseFormatJSONSchema `json:"json_schema,omitempty"`
}

// StreamOptions tunes streaming responses.
type StreamOptions struct {
	// If set, a final chunk with the token usage statistics is streamed
	// before the [DONE] sentinel.
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionModality is an output modality of the model.
type ChatCompletionModality string

const (
	ChatCompletionModalityText  ChatCompletionModality = "text"
	ChatCompletionModalityAudio ChatCompletionModality = "audio"
)

// ChatCompletionAudioVoice is the synthesized voice of audio output.
type ChatCompletionAudioVoice string

const (
	ChatCompletionAudioVoiceAlloy   ChatCompletionAudioVoice = "alloy"
	ChatCompletionAudioVoiceAsh     ChatCompletionAudioVoice = "ash"
	ChatCompletionAudioVoiceBallad  ChatCompletionAudioVoice = "ballad"
	ChatCompletionAudioVoiceCoral   ChatCompletionAudioVoice = "coral"
	ChatCompletionAudioVoiceEcho    ChatCompletionAudioVoice = "echo"
	ChatCompletionAudioVoiceNova    ChatCompletionAudioVoice = "nova"
	ChatCompletionAudioVoiceSage    ChatCompletionAudioVoice = "sage"
	ChatCompletionAudioVoiceShimmer ChatCompletionAudioVoice = "shimmer"
	ChatCompletionAudioVoiceVerse   ChatCompletionAudioVoice = "verse"
)

// ChatCompletionAudioFormat is the encoding of audio output.
type ChatCompletionAudioFormat string

const (
	ChatCompletionAudioFormatWav   ChatCompletionAudioFormat = "wav"
	ChatCompletionAudioFormatAAC   ChatCompletionAudioFormat = "aac"
	ChatCompletionAudioFormatMP3   ChatCompletionAudioFormat = "mp3"
	ChatCompletionAudioFormatFlac  ChatCompletionAudioFormat = "flac"
	ChatCompletionAudioFormatOpus  ChatCompletionAudioFormat = "opus"
	ChatCompletionAudioFormatPCM16 ChatCompletionAudioFormat = "pcm16"
)

// ChatCompletionAudioParam requests audio output.
type ChatCompletionAudioParam struct {
	Voice  ChatCompletionAudioVoice  `json:"voice,omitempty"`
	Format ChatCompletionAudioFormat `json:"format,omitempty"`
}

// PredictionContentType is the type of predicted output. Only "content"
// exists today.
type PredictionContentType string

const PredictionContentTypeContent PredictionContentType = "content"

// PredictionContent provides predicted output to shortcut regeneration of
// mostly-known content.
type PredictionContent struct {
	Type    PredictionContentType `json:"type"`
	Content StringOrArray         `json:"content"`
}

// WebSearchContextSize is the amount of search context retrieved.
type WebSearchContextSize string

const (
	WebSearchContextSizeLow    WebSearchContextSize = "low"
	WebSearchContextSizeMedium WebSearchContextSize = "medium"
	WebSearchContextSizeHigh   WebSearchContextSize = "high"
)

// WebSearchLocation is an approximate user location for search ranking.
type WebSearchLocation struct {
	City     string `json:"city,omitempty"`
	Country  string `json:"country,omitempty"`
	Region   string `json:"region,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// WebSearchUserLocation wraps the location with its type tag.
type WebSearchUserLocation struct {
	Type        string            `json:"type"`
	Approximate WebSearchLocation `json:"approximate"`
}

// WebSearchOptions enables built-in web search on search-preview models.
type WebSearchOptions struct {
	UserLocation      *WebSearchUserLocation `json:"user_location,omitempty"`
	SearchContextSize WebSearchContextSize   `json:"search_context_size,omitempty"`
}

// ChatCompletionRequest is the request body of POST /v1/chat/completions.
// https://platform.openai.com/docs/api-reference/chat/create
type ChatCompletionRequest struct {
	// ID of the model to use.
	Model string `json:"model"`
	// The messages of the conversation so far.
	Messages []ChatCompletionMessageParamUnion `json:"messages"`
	// Parameters for audio output.
	Audio *ChatCompletionAudioParam `json:"audio,omitempty"`
	// Number between -2.0 and 2.0.
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	// An upper bound for the number of tokens that can be generated,
	// including visible output and reasoning tokens.
	MaxCompletionTokens *int64 `json:"max_completion_tokens,omitempty"`
	// Deprecated upper bound for generated tokens. Still the only knob some
	// local runtimes honor.
	MaxTokens *int64 `json:"max_tokens,omitempty"`
	// Output types the model should generate.
	Modalities []ChatCompletionModality `json:"modalities,omitempty"`
	// How many chat completion choices to generate.
	N *int64 `json:"n,omitempty"`
	// Whether to enable parallel function calling during tool use.
	ParallelToolCalls *bool `json:"parallel_tool_calls,omitempty"`
	// Configuration for predicted output.
	PredictionContent *PredictionContent `json:"prediction,omitempty"`
	// Number between -2.0 and 2.0.
	PresencePenalty *float64 `json:"presence_penalty,omitempty"`
	// An object specifying the format that the model must output.
	ResponseFormat *ChatCompletionResponseFormat `json:"response_format,omitempty"`
	// Seed for deterministic sampling, best effort.
	Seed *int64 `json:"seed,omitempty"`
	// The latency tier to use for processing the request.
	ServiceTier *string `json:"service_tier,omitempty"`
	// Up to 4 sequences where the API will stop generating. String or array
	// of strings.
	Stop any `json:"stop,omitempty"`
	// If set, partial message deltas are sent as server-sent events.
	Stream bool `json:"stream,omitempty"`
	// Options for streaming responses. Only set when Stream is true.
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	// What sampling temperature to use.
	Temperature *float64 `json:"temperature,omitempty"`
	// Controls which, if any, tool is called by the model. String
	// ("none", "auto", "required") or ChatCompletionNamedToolChoice.
	ToolChoice any `json:"tool_choice,omitempty"`
	// A list of tools the model may call.
	Tools []Tool `json:"tools,omitempty"`
	// An alternative to sampling with temperature.
	TopP *float64 `json:"top_p,omitempty"`
	// A unique identifier representing the end-user.
	User string `json:"user,omitempty"`
	// Options for the built-in web search tool.
	WebSearchOptions *WebSearchOptions `json:"web_search_options,omitempty"`
}

// ChatCompletionChoicesFinishReason is the reason the model stopped
// generating tokens.
type ChatCompletionChoicesFinishReason string

const (
	ChatCompletionChoicesFinishReasonStop          ChatCompletionChoicesFinishReason = "stop"
	ChatCompletionChoicesFinishReasonLength        ChatCompletionChoicesFinishReason = "length"
	ChatCompletionChoicesFinishReasonToolCalls     ChatCompletionChoicesFinishReason = "tool_calls"
	ChatCompletionChoicesFinishReasonContentFilter ChatCompletionChoicesFinishReason = "content_filter"
)

// URLCitation locates a web search citation within the message text.
type URLCitation struct {
	// The index of the last character of the citation in the message.
	EndIndex int64 `json:"end_index"`
	// The index of the first character of the citation in the message.
	StartIndex int64 `json:"start_index"`
	// The title of the web resource.
	Title string `json:"title"`
	// The URL of the web resource.
	URL string `json:"url"`
}

// Annotation annotates a span of the message content.
type Annotation struct {
	// The type of the annotation. Always "url_citation" today.
	Type string `json:"type"`
	// Set when Type is "url_citation".
	URLCitation *URLCitation `json:"url_citation,omitempty"`
}

// ChatCompletionResponseChoiceMessageAudio is audio output in a response.
type ChatCompletionResponseChoiceMessageAudio struct {
	// Base64 encoded audio bytes.
	Data string `json:"data"`
	// The Unix timestamp of when this audio response will no longer be
	// accessible on the server.
	ExpiresAt int64 `json:"expires_at"`
	// Unique identifier for this audio response.
	ID string `json:"id"`
	// Transcript of the audio generated by the model.
	Transcript string `json:"transcript"`
}

// ChatCompletionResponseChoiceMessage is the generated message of one choice.
type ChatCompletionResponseChoiceMessage struct {
	// The contents of the message.
	Content *string `json:"content,omitempty"`
	// The chain-of-thought emitted by reasoning models on vLLM, LM Studio
	// and Ollama style runtimes. Not part of the upstream OpenAI schema.
	ReasoningContent *string `json:"reasoning_content,omitempty"`
	// The role of the author of this message.
	Role string `json:"role,omitempty"`
	// Annotations of the message, populated by web search.
	// Pointer to a slice so an empty array survives a round trip.
	Annotations *[]Annotation `json:"annotations,omitempty"`
	// The tool calls generated by the model.
	ToolCalls []ChatCompletionMessageToolCallParam `json:"tool_calls,omitempty"`
	// Audio output, present when audio modality was requested.
	Audio *ChatCompletionResponseChoiceMessageAudio `json:"audio,omitempty"`
}

// ChatCompletionResponseChoice is one generated completion.
type ChatCompletionResponseChoice struct {
	// The index of the choice in the list of choices.
	Index int64 `json:"index"`
	// The generated message.
	Message ChatCompletionResponseChoiceMessage `json:"message"`
	// The reason the model stopped generating tokens.
	FinishReason ChatCompletionChoicesFinishReason `json:"finish_reason,omitempty"`
}

// CompletionTokensDetails breaks down the completion token count.
type CompletionTokensDetails struct {
	TextTokens               int `json:"text_tokens,omitempty"`
	AcceptedPredictionTokens int `json:"accepted_prediction_tokens,omitempty"`
	AudioTokens              int `json:"audio_tokens,omitempty"`
	ReasoningTokens          int `json:"reasoning_tokens,omitempty"`
	RejectedPredictionTokens int `json:"rejected_prediction_tokens,omitempty"`
}

// PromptTokensDetails breaks down the prompt token count.
type PromptTokensDetails struct {
	TextTokens   int `json:"text_tokens,omitempty"`
	AudioTokens  int `json:"audio_tokens,omitempty"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// ChatCompletionResponseUsage is the token accounting of a completion.
type ChatCompletionResponseUsage struct {
	CompletionTokens        int                      `json:"completion_tokens"`
	PromptTokens            int                      `json:"prompt_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
}

// ChatCompletionResponse is the response body of POST /v1/chat/completions.
// https://platform.openai.com/docs/api-reference/chat/object
type ChatCompletionResponse struct {
	// A unique identifier for the chat completion.
	ID string `json:"id"`
	// A list of chat completion choices.
	Choices []ChatCompletionResponseChoice `json:"choices"`
	// The Unix timestamp of when the chat completion was created.
	Created JSONUNIXTime `json:"created"`
	// The model used for the chat completion.
	Model string `json:"model"`
	// The service tier used for processing the request.
	ServiceTier string `json:"service_tier,omitempty"`
	// The backend configuration fingerprint.
	SystemFingerprint string `json:"system_fingerprint,omitempty"`
	// The object type. Always "chat.completion".
	Object string `json:"object"`
	// Usage statistics for the completion request.
	Usage ChatCompletionResponseUsage `json:"usage"`
}

// ChatCompletionResponseChunkChoiceDelta is the incremental message update of
// a streaming chunk.
type ChatCompletionResponseChunkChoiceDelta struct {
	Content          *string `json:"content,omitempty"`
	ReasoningContent *string `json:"reasoning_content,omitempty"`
	Role             string  `json:"role,omitempty"`
	// Pointer to a slice so an empty array survives a round trip.
	Annotations *[]Annotation                        `json:"annotations,omitempty"`
	ToolCalls   []ChatCompletionMessageToolCallParam `json:"tool_calls,omitempty"`
}

// ChatCompletionResponseChunkChoice is one choice of a streaming chunk.
type ChatCompletionResponseChunkChoice struct {
	Index        int64                                   `json:"index"`
	Delta        *ChatCompletionResponseChunkChoiceDelta `json:"delta,omitempty"`
	FinishReason ChatCompletionChoicesFinishReason       `json:"finish_reason,omitempty"`
}

// ChatCompletionResponseChunk is one SSE event of a streaming completion.
// https://platform.openai.com/docs/api-reference/chat/streaming
type ChatCompletionResponseChunk struct {
	ID                string                              `json:"id"`
	Object            string                              `json:"object"`
	Created           JSONUNIXTime                        `json:"created"`
	Model             string                              `json:"model"`
	ServiceTier       string                              `json:"service_tier,omitempty"`
	SystemFingerprint string                              `json:"system_fingerprint,omitempty"`
	Choices           []ChatCompletionResponseChunkChoice `json:"choices,omitempty"`
	// Usage is only present on the final chunk when stream_options
	// include_usage was requested.
	Usage *ChatCompletionResponseUsage `json:"usage,omitempty"`
	// Padding emitted by some backends to mask token lengths.
	Obfuscation string `json:"obfuscation,omitempty"`
}

// ErrorType is the error detail of a chat completions error body.
type ErrorType struct {
	// A human-readable description of the error.
	Message string `json:"message"`
	// The category of the error, e.g. "invalid_request_error".
	Type string `json:"type,omitempty"`
	// The parameter that caused the error, if any.
	Param *string `json:"param,omitempty"`
	// The error code. String on OpenAI, numeric on some local runtimes.
	Code any `json:"code,omitempty"`
}

// ErrorResponse is the error envelope returned by chat completions
// endpoints.
type ErrorResponse struct {
	Error ErrorType `json:"error"`
}

// JSONUNIXTime marshals as integer Unix seconds and tolerates fractional
// timestamps emitted by some runtimes on the way in.
type JSONUNIXTime time.Time

func (t JSONUNIXTime) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, time.Time(t).Unix(), 10), nil
}

func (t *JSONUNIXTime) UnmarshalJSON(data []byte) error {
	var sec float64
	if err := json.Unmarshal(data, &sec); err != nil {
		return err
	}
	*t = JSONUNIXTime(time.Unix(int64(sec), 0))
	return nil
}
