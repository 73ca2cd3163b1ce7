// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"google.golang.org/genai"
	"k8s.io/utils/ptr"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/apischema/gemini"
)

// NewAnthropicToGemini returns a [MessagesTranslator] implementation for the
// gemini provider family speaking the generateContent dialect. modelName is
// the concrete upstream model; the protocol layer places it in the URL path,
// so unlike the chat completions dialects it never appears in the body.
//
// This is created per request and is not thread-safe.
func NewAnthropicToGemini(modelName string) MessagesTranslator {
	return &anthropicToGeminiTranslator{modelName: modelName}
}

type anthropicToGeminiTranslator struct {
	modelName string
	// requestModel is the virtual model from the incoming request, echoed in
	// responses so clients never see upstream names.
	requestModel string
	parser       *geminiStreamParser
}

func (t *anthropicToGeminiTranslator) responseModel() string {
	if t.requestModel != "" {
		return t.requestModel
	}
	return t.modelName
}

// RequestBody converts a canonical request to the generateContent body.
func (t *anthropicToGeminiTranslator) RequestBody(_ []byte, req *anthropic.MessagesRequest) ([]byte, error) {
	t.requestModel = req.Model

	contents, systemTexts, err := geminiContents(req.Messages)
	if err != nil {
		return nil, err
	}
	out := &gemini.GenerateContentRequest{
		Contents:         contents,
		GenerationConfig: geminiGenerationConfig(req),
	}

	// systemInstruction is the only system slot the API has, so the system
	// field and any system role messages found in the list merge into it.
	system := req.System.Flatten()
	if len(systemTexts) > 0 {
		if system != "" {
			systemTexts = append([]string{system}, systemTexts...)
		}
		system = strings.Join(systemTexts, "\n\n")
	}
	if system != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	if len(req.Tools) > 0 {
		tool, err := geminiTool(req.Tools)
		if err != nil {
			return nil, err
		}
		// All function declarations share one tools element. Listing them as
		// separate elements is rejected by the API.
		out.Tools = []gemini.Tool{tool}
		if req.ToolChoice != nil {
			out.ToolConfig = geminiToolConfig(req.ToolChoice)
		}
	}
	return json.Marshal(out)
}

// geminiContents converts canonical messages to Gemini contents. System role
// messages found in the list come back as separate texts for the caller to
// fold into systemInstruction.
func geminiContents(messages []anthropic.Message) ([]genai.Content, []string, error) {
	contents := make([]genai.Content, 0, len(messages))
	var systemTexts []string
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case anthropic.MessageRoleSystem:
			text, ok := flattenTextContent(msg.Content)
			if !ok {
				return nil, nil, fmt.Errorf("message %d: system message content must be text", i)
			}
			systemTexts = append(systemTexts, text)
		case anthropic.MessageRoleUser:
			parts, err := geminiUserParts(msg.Content)
			if err != nil {
				return nil, nil, fmt.Errorf("message %d: %w", i, err)
			}
			contents = append(contents, genai.Content{Role: genai.RoleUser, Parts: parts})
		case anthropic.MessageRoleAssistant:
			parts, err := geminiModelParts(msg.Content)
			if err != nil {
				return nil, nil, fmt.Errorf("message %d: %w", i, err)
			}
			contents = append(contents, genai.Content{Role: genai.RoleModel, Parts: parts})
		default:
			return nil, nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}
	return contents, systemTexts, nil
}

func geminiUserParts(content anthropic.MessageContent) ([]*genai.Part, error) {
	if content.Text != nil {
		return []*genai.Part{{Text: *content.Text}}, nil
	}
	parts := make([]*genai.Part, 0, len(content.Blocks))
	for _, block := range content.Blocks {
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			parts = append(parts, &genai.Part{Text: block.Text})
		case anthropic.ContentBlockTypeToolResult:
			// Tool results travel as plain text rather than functionResponse
			// parts: Gemini requires functionResponse to immediately follow
			// the functionCall turn, which the canonical history does not
			// guarantee after a conversation has been resumed or truncated.
			parts = append(parts, &genai.Part{
				Text: fmt.Sprintf("Tool %q result: %s", block.ToolUseID, toolResultText(block.Content)),
			})
		case anthropic.ContentBlockTypeImage:
			part, err := geminiImagePart(block.Source)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		default:
			return nil, fmt.Errorf("unsupported content block type %q in user message", block.Type)
		}
	}
	return parts, nil
}

func geminiModelParts(content anthropic.MessageContent) ([]*genai.Part, error) {
	if content.Text != nil {
		return []*genai.Part{{Text: *content.Text}}, nil
	}
	parts := make([]*genai.Part, 0, len(content.Blocks))
	for _, block := range content.Blocks {
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			parts = append(parts, &genai.Part{Text: block.Text})
		case anthropic.ContentBlockTypeToolUse:
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("tool_use %q: input is not a JSON object: %w", block.ID, err)
				}
			}
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: block.ID, Name: block.Name, Args: args},
			})
		case anthropic.ContentBlockTypeThinking:
			// Prior-turn reasoning has no replay slot in generateContent.
		default:
			return nil, fmt.Errorf("unsupported content block type %q in assistant message", block.Type)
		}
	}
	return parts, nil
}

func geminiImagePart(source *anthropic.ImageSource) (*genai.Part, error) {
	if source == nil {
		return nil, fmt.Errorf("image block has no source")
	}
	switch source.Type {
	case "base64":
		data, err := base64.StdEncoding.DecodeString(source.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 image data: %w", err)
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: source.MediaType, Data: data}}, nil
	case "url":
		if strings.HasPrefix(source.URL, "data:") {
			mimeType, data, err := parseDataURI(source.URL)
			if err != nil {
				return nil, fmt.Errorf("invalid image data URI: %w", err)
			}
			return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}, nil
		}
		return &genai.Part{FileData: &genai.FileData{MIMEType: source.MediaType, FileURI: source.URL}}, nil
	default:
		return nil, fmt.Errorf("unsupported image source type %q", source.Type)
	}
}

func geminiTool(tools []anthropic.Tool) (gemini.Tool, error) {
	declarations := make([]gemini.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declaration := gemini.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
		if len(tool.InputSchema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return gemini.Tool{}, fmt.Errorf("tool %q: invalid input_schema: %w", tool.Name, err)
			}
			if len(schema) > 0 {
				parameters, err := geminiToolParameters(schema)
				if err != nil {
					return gemini.Tool{}, fmt.Errorf("tool %q: %w", tool.Name, err)
				}
				// Argument-free tools omit parameters entirely, the API
				// rejects an empty schema object.
				if len(parameters) > 0 {
					declaration.Parameters = parameters
				}
			}
		}
		declarations = append(declarations, declaration)
	}
	return gemini.Tool{FunctionDeclarations: declarations}, nil
}

func geminiToolConfig(choice *anthropic.ToolChoice) *genai.ToolConfig {
	config := &genai.FunctionCallingConfig{}
	switch choice.Type {
	case anthropic.ToolChoiceTypeAuto:
		config.Mode = genai.FunctionCallingConfigModeAuto
	case anthropic.ToolChoiceTypeAny:
		config.Mode = genai.FunctionCallingConfigModeAny
	case anthropic.ToolChoiceTypeTool:
		config.Mode = genai.FunctionCallingConfigModeAny
		config.AllowedFunctionNames = []string{choice.Name}
	case anthropic.ToolChoiceTypeNone:
		config.Mode = genai.FunctionCallingConfigModeNone
	default:
		return nil
	}
	return &genai.ToolConfig{FunctionCallingConfig: config}
}

func geminiGenerationConfig(req *anthropic.MessagesRequest) *genai.GenerationConfig {
	config := &genai.GenerationConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens) //nolint:gosec
	}
	if req.Temperature != nil {
		config.Temperature = ptr.To(float32(*req.Temperature))
	}
	if req.TopP != nil {
		config.TopP = ptr.To(float32(*req.TopP))
	}
	if req.TopK != nil {
		config.TopK = ptr.To(float32(*req.TopK))
	}
	if len(req.StopSequences) > 0 {
		config.StopSequences = req.StopSequences
	}
	if req.Thinking.Enabled() {
		thinking := &genai.GenerationConfigThinkingConfig{IncludeThoughts: true}
		if req.Thinking.BudgetTokens > 0 {
			thinking.ThinkingBudget = ptr.To(int32(req.Thinking.BudgetTokens)) //nolint:gosec
		}
		config.ThinkingConfig = thinking
	}
	return config
}

// ResponseBody converts a non-streaming generateContent response.
func (t *anthropicToGeminiTranslator) ResponseBody(body io.Reader) (*anthropic.MessagesResponse, TokenUsage, error) {
	var resp genai.GenerateContentResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("failed to unmarshal generateContent response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, TokenUsage{}, fmt.Errorf("generateContent response has no candidates")
	}
	candidate := resp.Candidates[0]

	out := &anthropic.MessagesResponse{
		ID:      geminiMessageID(resp.ResponseID),
		Type:    anthropic.MessageObjectType,
		Role:    anthropic.MessageRoleAssistantValue,
		Model:   t.responseModel(),
		Content: []anthropic.ContentBlock{},
	}

	hasFunctionCall := false
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			block, ok := geminiPartToBlock(part)
			if !ok {
				continue
			}
			if block.Type == anthropic.ContentBlockTypeToolUse {
				hasFunctionCall = true
			}
			out.Content = append(out.Content, block)
		}
	}

	stop := geminiStopReason(candidate.FinishReason, hasFunctionCall)
	out.StopReason = &stop

	usage := geminiUsage(resp.UsageMetadata)
	out.Usage = anthropic.Usage{
		InputTokens:  float64(usage.InputTokens),
		OutputTokens: float64(usage.OutputTokens),
	}
	return out, usage, nil
}

// geminiPartToBlock converts one response part. Parts carrying none of the
// modelled payloads (executable code, code results) are skipped.
func geminiPartToBlock(part *genai.Part) (anthropic.ContentBlock, bool) {
	switch {
	case part == nil:
		return anthropic.ContentBlock{}, false
	case part.FunctionCall != nil:
		id := part.FunctionCall.ID
		if id == "" {
			id = newToolUseID()
		}
		input, err := json.Marshal(part.FunctionCall.Args)
		if err != nil || part.FunctionCall.Args == nil {
			input = []byte("{}")
		}
		return anthropic.ToolUseBlock(id, part.FunctionCall.Name, input), true
	case part.Thought:
		return anthropic.ContentBlock{Type: anthropic.ContentBlockTypeThinking, Thinking: part.Text}, true
	case part.Text != "":
		return anthropic.TextBlock(part.Text), true
	default:
		return anthropic.ContentBlock{}, false
	}
}

func geminiStopReason(reason genai.FinishReason, hasFunctionCall bool) anthropic.StopReason {
	// A function call wins over whatever finishReason reports, the caller is
	// expected to run the tool.
	if hasFunctionCall {
		return anthropic.StopReasonToolUse
	}
	switch reason {
	case genai.FinishReasonMaxTokens:
		return anthropic.StopReasonMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII, genai.FinishReasonImageSafety:
		// Content policy terminations have no canonical equivalent; report
		// them as stop_sequence so clients see a non-natural stop.
		return anthropic.StopReasonStopSequence
	default:
		return anthropic.StopReasonEndTurn
	}
}

func geminiUsage(metadata *genai.GenerateContentResponseUsageMetadata) TokenUsage {
	if metadata == nil {
		return TokenUsage{}
	}
	// Thought tokens bill as output but are reported separately.
	output := metadata.CandidatesTokenCount + metadata.ThoughtsTokenCount
	return TokenUsage{
		InputTokens:  uint32(metadata.PromptTokenCount), //nolint:gosec
		OutputTokens: uint32(output),                    //nolint:gosec
		TotalTokens:  uint32(metadata.TotalTokenCount),  //nolint:gosec
	}
}

func geminiMessageID(responseID string) string {
	if responseID == "" {
		return newMessageID()
	}
	return "msg_" + responseID
}

// ResponseStream converts one decoded streamGenerateContent frame.
func (t *anthropicToGeminiTranslator) ResponseStream(data []byte, endOfStream bool) ([]anthropic.StreamEvent, TokenUsage, error) {
	if t.parser == nil {
		t.parser = newGeminiStreamParser(t.responseModel())
	}
	return t.parser.parse(data, endOfStream)
}

// ResponseError converts a google.rpc error envelope to the canonical error
// shape. Some deployments wrap the envelope in a single-element array.
func (t *anthropicToGeminiTranslator) ResponseError(statusCode int, body io.Reader) (*anthropic.ErrorResponse, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read error response body: %w", err)
	}
	var envelope gemini.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		var envelopes []gemini.ErrorResponse
		if err := json.Unmarshal(raw, &envelopes); err == nil && len(envelopes) > 0 {
			envelope = envelopes[0]
		}
	}
	if envelope.Error == nil || envelope.Error.Message == "" {
		return newErrorResponse(statusCode, strings.TrimSpace(string(raw))), nil
	}
	message := envelope.Error.Message
	if envelope.Error.Status != "" {
		message = envelope.Error.Status + ": " + message
	}
	return newErrorResponse(statusCode, message), nil
}
