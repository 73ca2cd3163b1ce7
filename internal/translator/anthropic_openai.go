// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"k8s.io/utils/ptr"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/apischema/openai"
)

// NewAnthropicToOpenAI returns a translator speaking the chat completions
// dialect of the openai, lmstudio and ollama families. modelName is the
// concrete upstream model substituted into the outbound body.
func NewAnthropicToOpenAI(modelName string) MessagesTranslator {
	return &anthropicToOpenAITranslator{modelName: modelName}
}

type anthropicToOpenAITranslator struct {
	modelName string
	// requestModel is the virtual model the client asked for, echoed back on
	// every canonical response.
	requestModel string
	parser       *openAIStreamParser
}

// responseModel is the model echoed on canonical responses: clients see the
// virtual name they asked for, never the concrete upstream one.
func (t *anthropicToOpenAITranslator) responseModel() string {
	if t.requestModel != "" {
		return t.requestModel
	}
	return t.modelName
}

// RequestBody implements [MessagesTranslator.RequestBody].
func (t *anthropicToOpenAITranslator) RequestBody(_ []byte, req *anthropic.MessagesRequest) ([]byte, error) {
	t.requestModel = req.Model

	out := &openai.ChatCompletionRequest{
		Model:       t.modelName,
		MaxTokens:   ptr.To(int64(req.MaxTokens)),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.Stream {
		// The final chunk must report usage so metrics and cooldown math see
		// real token counts.
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}
	if req.Metadata != nil && req.Metadata.UserID != nil {
		out.User = *req.Metadata.UserID
	}

	msgs, err := openAIMessages(req)
	if err != nil {
		return nil, err
	}
	out.Messages = msgs

	if len(req.Tools) > 0 {
		tools, err := openAITools(req.Tools)
		if err != nil {
			return nil, err
		}
		out.Tools = tools
		if req.ToolChoice != nil {
			out.ToolChoice, out.ParallelToolCalls = openAIToolChoice(req.ToolChoice)
		}
	}

	return json.Marshal(out)
}

// openAIMessages converts the canonical conversation, prepending the system
// prompt as a leading system role message.
func openAIMessages(req *anthropic.MessagesRequest) ([]openai.ChatCompletionMessageParamUnion, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := req.System.Flatten(); sys != "" {
		msgs = append(msgs, openAISystemMessage(sys))
	}
	for i := range req.Messages {
		converted, err := openAIMessage(&req.Messages[i])
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, converted...)
	}
	return msgs, nil
}

func openAISystemMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		Type: openai.ChatMessageRoleSystem,
		Value: openai.ChatCompletionSystemMessageParam{
			Role:    openai.ChatMessageRoleSystem,
			Content: openai.StringOrArray{Value: text},
		},
	}
}

// openAIMessage converts one canonical message. A single canonical message
// may expand to several chat completions entries because tool results travel
// as separate tool role messages there.
func openAIMessage(msg *anthropic.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	switch msg.Role {
	case anthropic.MessageRoleSystem:
		text, ok := flattenTextContent(msg.Content)
		if !ok {
			return nil, fmt.Errorf("system message content must be text")
		}
		return []openai.ChatCompletionMessageParamUnion{openAISystemMessage(text)}, nil
	case anthropic.MessageRoleUser:
		return openAIUserMessages(msg)
	case anthropic.MessageRoleAssistant:
		m, err := openAIAssistantMessage(msg)
		if err != nil {
			return nil, err
		}
		return []openai.ChatCompletionMessageParamUnion{m}, nil
	default:
		return nil, fmt.Errorf("unsupported message role %q", msg.Role)
	}
}

func openAIUserMessages(msg *anthropic.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	if msg.Content.Text != nil {
		return []openai.ChatCompletionMessageParamUnion{{
			Type: openai.ChatMessageRoleUser,
			Value: openai.ChatCompletionUserMessageParam{
				Role:    openai.ChatMessageRoleUser,
				Content: openai.StringOrUserRoleContentUnion{Value: *msg.Content.Text},
			},
		}}, nil
	}

	var out []openai.ChatCompletionMessageParamUnion
	var rest []anthropic.ContentBlock
	for _, b := range msg.Content.Blocks {
		if b.Type == anthropic.ContentBlockTypeToolResult {
			out = append(out, openai.ChatCompletionMessageParamUnion{
				Type: openai.ChatMessageRoleTool,
				Value: openai.ChatCompletionToolMessageParam{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: b.ToolUseID,
					Content:    openai.StringOrArray{Value: toolResultText(b.Content)},
				},
			})
			continue
		}
		rest = append(rest, b)
	}
	if len(rest) == 0 {
		return out, nil
	}

	user := openai.ChatCompletionUserMessageParam{Role: openai.ChatMessageRoleUser}
	if text, ok := flattenTextContent(anthropic.ContentOfBlocks(rest...)); ok {
		user.Content = openai.StringOrUserRoleContentUnion{Value: text}
	} else {
		parts, err := openAIUserParts(rest)
		if err != nil {
			return nil, err
		}
		user.Content = openai.StringOrUserRoleContentUnion{Value: parts}
	}
	return append(out, openai.ChatCompletionMessageParamUnion{Type: openai.ChatMessageRoleUser, Value: user}), nil
}

func openAIUserParts(blocks []anthropic.ContentBlock) ([]openai.ChatCompletionContentPartUserUnionParam, error) {
	parts := make([]openai.ChatCompletionContentPartUserUnionParam, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case anthropic.ContentBlockTypeText:
			parts = append(parts, openai.ChatCompletionContentPartUserUnionParam{
				TextContent: &openai.ChatCompletionContentPartTextParam{
					Type: string(openai.ChatCompletionContentPartTextTypeText),
					Text: b.Text,
				},
			})
		case anthropic.ContentBlockTypeImage:
			if b.Source == nil {
				return nil, fmt.Errorf("image block has no source")
			}
			var url string
			switch b.Source.Type {
			case "base64":
				url = buildDataURI(b.Source.MediaType, b.Source.Data)
			case "url":
				url = b.Source.URL
			default:
				return nil, fmt.Errorf("unsupported image source type %q", b.Source.Type)
			}
			parts = append(parts, openai.ChatCompletionContentPartUserUnionParam{
				ImageContent: &openai.ChatCompletionContentPartImageParam{
					Type:     openai.ChatCompletionContentPartImageTypeImageURL,
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: url},
				},
			})
		default:
			return nil, fmt.Errorf("unsupported content block type %q in user message", b.Type)
		}
	}
	return parts, nil
}

func openAIAssistantMessage(msg *anthropic.Message) (openai.ChatCompletionMessageParamUnion, error) {
	out := openai.ChatCompletionAssistantMessageParam{Role: openai.ChatMessageRoleAssistant}
	if msg.Content.Text != nil {
		out.Content = openai.StringOrAssistantRoleContentUnion{Value: *msg.Content.Text}
	} else {
		var texts []string
		for _, b := range msg.Content.Blocks {
			switch b.Type {
			case anthropic.ContentBlockTypeText:
				texts = append(texts, b.Text)
			case anthropic.ContentBlockTypeToolUse:
				args := string(b.Input)
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   ptr.To(b.ID),
					Type: openai.ChatCompletionMessageToolCallTypeFunction,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      b.Name,
						Arguments: args,
					},
				})
			case anthropic.ContentBlockTypeThinking:
				// Chat completions has no slot for prior-turn reasoning.
			default:
				return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported content block type %q in assistant message", b.Type)
			}
		}
		if len(texts) > 0 {
			out.Content = openai.StringOrAssistantRoleContentUnion{Value: strings.Join(texts, "\n\n")}
		}
	}
	return openai.ChatCompletionMessageParamUnion{Type: openai.ChatMessageRoleAssistant, Value: out}, nil
}

func openAITools(tools []anthropic.Tool) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		fn := &openai.FunctionDefinition{Name: tool.Name, Description: tool.Description}
		if len(tool.InputSchema) > 0 {
			var params map[string]any
			if err := json.Unmarshal(tool.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("tool %q: invalid input_schema: %w", tool.Name, err)
			}
			fn.Parameters = params
		}
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return out, nil
}

func openAIToolChoice(choice *anthropic.ToolChoice) (any, *bool) {
	var parallel *bool
	if choice.DisableParallelToolUse != nil {
		parallel = ptr.To(!*choice.DisableParallelToolUse)
	}
	switch choice.Type {
	case anthropic.ToolChoiceTypeAuto:
		return "auto", parallel
	case anthropic.ToolChoiceTypeAny:
		return "required", parallel
	case anthropic.ToolChoiceTypeNone:
		return "none", parallel
	case anthropic.ToolChoiceTypeTool:
		return openai.ChatCompletionNamedToolChoice{
			Type:     "function",
			Function: openai.ChatCompletionNamedToolChoiceFunction{Name: choice.Name},
		}, parallel
	default:
		return nil, parallel
	}
}

// ResponseBody implements [MessagesTranslator.ResponseBody].
func (t *anthropicToOpenAITranslator) ResponseBody(body io.Reader) (*anthropic.MessagesResponse, TokenUsage, error) {
	var resp openai.ChatCompletionResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("failed to unmarshal chat completions response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, TokenUsage{}, fmt.Errorf("chat completions response has no choices")
	}
	choice := resp.Choices[0]

	out := &anthropic.MessagesResponse{
		ID:      resp.ID,
		Type:    anthropic.MessageObjectType,
		Role:    anthropic.MessageRoleAssistantValue,
		Model:   t.responseModel(),
		Content: []anthropic.ContentBlock{},
	}
	if out.ID == "" {
		out.ID = newMessageID()
	}

	msg := choice.Message
	if msg.ReasoningContent != nil && *msg.ReasoningContent != "" {
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type:     anthropic.ContentBlockTypeThinking,
			Thinking: *msg.ReasoningContent,
		})
	}
	if msg.Content != nil && *msg.Content != "" {
		out.Content = append(out.Content, anthropic.TextBlock(*msg.Content))
	}
	for _, call := range msg.ToolCalls {
		out.Content = append(out.Content, toolUseBlockFromCall(call))
	}

	stop := stopReasonFromFinish(choice.FinishReason, len(msg.ToolCalls) > 0)
	out.StopReason = &stop

	usage := TokenUsage{
		InputTokens:  uint32(resp.Usage.PromptTokens),     //nolint:gosec
		OutputTokens: uint32(resp.Usage.CompletionTokens), //nolint:gosec
		TotalTokens:  uint32(resp.Usage.TotalTokens),      //nolint:gosec
	}
	out.Usage = anthropic.Usage{
		InputTokens:  float64(usage.InputTokens),
		OutputTokens: float64(usage.OutputTokens),
	}
	return out, usage, nil
}

// ResponseStream implements [MessagesTranslator.ResponseStream].
func (t *anthropicToOpenAITranslator) ResponseStream(data []byte, endOfStream bool) ([]anthropic.StreamEvent, TokenUsage, error) {
	if t.parser == nil {
		t.parser = newOpenAIStreamParser(t.responseModel())
	}
	return t.parser.parse(data, endOfStream)
}

// ResponseError implements [MessagesTranslator.ResponseError].
func (t *anthropicToOpenAITranslator) ResponseError(statusCode int, body io.Reader) (*anthropic.ErrorResponse, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read error body: %w", err)
	}
	message := string(raw)
	var upstream openai.ErrorResponse
	if err := json.Unmarshal(raw, &upstream); err == nil && upstream.Error.Message != "" {
		message = upstream.Error.Message
	}
	return newErrorResponse(statusCode, message), nil
}

// toolUseBlockFromCall converts one tool call, parsing the JSON-encoded
// arguments. Arguments that do not parse are preserved for diagnosis under a
// _raw_arguments key rather than dropped.
func toolUseBlockFromCall(call openai.ChatCompletionMessageToolCallParam) anthropic.ContentBlock {
	id := newToolUseID()
	if call.ID != nil && *call.ID != "" {
		id = *call.ID
	}
	return anthropic.ToolUseBlock(id, call.Function.Name, toolInputJSON(call.Function.Arguments))
}

// toolInputJSON turns an arguments string into a tool_use input payload.
func toolInputJSON(args string) json.RawMessage {
	switch {
	case args == "":
		return json.RawMessage(`{}`)
	case json.Valid([]byte(args)):
		return json.RawMessage(args)
	default:
		raw, _ := json.Marshal(map[string]string{"_raw_arguments": args})
		return raw
	}
}

// stopReasonFromFinish maps a finish_reason onto the canonical stop reason.
// The actual tool calls win over the reported reason in both directions: a
// response carrying tool_use blocks must say tool_use even when the provider
// reported plain stop, and stop_reason=tool_use without a single tool_use
// block would break the canonical invariant, so a bare "tool_calls" finish
// demotes to end_turn.
func stopReasonFromFinish(reason openai.ChatCompletionChoicesFinishReason, hasToolCalls bool) anthropic.StopReason {
	if hasToolCalls {
		return anthropic.StopReasonToolUse
	}
	switch reason {
	case openai.ChatCompletionChoicesFinishReasonLength:
		return anthropic.StopReasonMaxTokens
	case openai.ChatCompletionChoicesFinishReasonContentFilter:
		return anthropic.StopReasonStopSequence
	default:
		return anthropic.StopReasonEndTurn
	}
}
