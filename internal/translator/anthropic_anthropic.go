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

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/sjson"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
)

// sjsonOptions is shared by the passthrough body rewrites. Optimistic is
// safe here: the front server has already validated the body as a JSON
// object.
var sjsonOptions = &sjson.Options{Optimistic: true}

// metadataRoutingKeys are gateway extensions inside the metadata bag. The
// upstream Messages API rejects metadata fields it does not know, so they
// are removed before forwarding.
var metadataRoutingKeys = []string{
	"metadata.conversation_id",
	"metadata.request_id",
	"metadata.background",
	"metadata.thinking",
	"metadata.search",
}

// NewAnthropicPassthrough returns the [MessagesTranslator] for upstreams
// that already speak the Messages wire format. The body passes through with
// surgical sjson edits instead of a decode/re-encode round trip, so request
// fields this gateway does not model survive unchanged.
//
// This is created per request and is not thread-safe.
func NewAnthropicPassthrough(modelName string) MessagesTranslator {
	return &anthropicPassthroughTranslator{modelName: modelName}
}

type anthropicPassthroughTranslator struct {
	modelName string
	// requestModel is the virtual model from the incoming request, echoed in
	// responses so clients never see upstream names.
	requestModel string
	usage        TokenUsage
}

func (t *anthropicPassthroughTranslator) responseModel() string {
	if t.requestModel != "" {
		return t.requestModel
	}
	return t.modelName
}

// RequestBody rewrites the model name and the stream flag and drops the
// gateway's private metadata keys. Everything else passes through verbatim.
func (t *anthropicPassthroughTranslator) RequestBody(raw []byte, req *anthropic.MessagesRequest) ([]byte, error) {
	t.requestModel = req.Model

	out, err := sjson.SetBytesOptions(raw, "model", t.modelName, sjsonOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to set model name: %w", err)
	}
	// Stream reflects the upstream leg the pipeline chose, not necessarily
	// what the client asked for.
	if req.Stream {
		out, err = sjson.SetBytesOptions(out, "stream", true, sjsonOptions)
	} else {
		out, err = sjson.DeleteBytes(out, "stream")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set stream flag: %w", err)
	}
	for _, key := range metadataRoutingKeys {
		if out, err = sjson.DeleteBytes(out, key); err != nil {
			return nil, fmt.Errorf("failed to drop %s: %w", key, err)
		}
	}
	return out, nil
}

// ResponseBody reshapes nothing. The body decodes once into the canonical
// envelope and once into the official SDK message, whose usage block tracks
// the API's token accounting additions.
func (t *anthropicPassthroughTranslator) ResponseBody(body io.Reader) (*anthropic.MessagesResponse, TokenUsage, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("failed to read response body: %w", err)
	}
	out := &anthropic.MessagesResponse{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("failed to unmarshal messages response: %w", err)
	}
	var msg anthropicsdk.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("failed to unmarshal messages response: %w", err)
	}
	u := msg.Usage
	usage := TokenUsage{
		InputTokens:  uint32(u.InputTokens),                  //nolint:gosec
		OutputTokens: uint32(u.OutputTokens),                 //nolint:gosec
		TotalTokens:  uint32(u.InputTokens + u.OutputTokens), //nolint:gosec
	}

	// Clients address virtual models; the upstream name never leaks back.
	out.Model = t.responseModel()
	if out.ID == "" {
		out.ID = newMessageID()
	}
	if out.Content == nil {
		out.Content = []anthropic.ContentBlock{}
	}
	return out, usage, nil
}

// ResponseStream forwards upstream events, rewriting the model echo and
// harvesting usage along the way. Frames that do not parse as a known event
// type are dropped rather than failing the stream, the upstream API adds
// event types without notice.
func (t *anthropicPassthroughTranslator) ResponseStream(data []byte, endOfStream bool) ([]anthropic.StreamEvent, TokenUsage, error) {
	if endOfStream {
		return nil, t.usage, nil
	}
	event, err := anthropic.ParseStreamEvent(data)
	if err != nil {
		return nil, t.usage, nil
	}
	switch ev := event.(type) {
	case *anthropic.MessageStartEvent:
		ev.Message.Model = t.responseModel()
		t.usage.InputTokens = uint32(ev.Message.Usage.InputTokens)   //nolint:gosec
		t.usage.OutputTokens = uint32(ev.Message.Usage.OutputTokens) //nolint:gosec
	case *anthropic.MessageDeltaEvent:
		if ev.Usage != nil {
			// input_tokens only appears in newer deltas; keep the
			// message_start value when absent.
			if ev.Usage.InputTokens > 0 {
				t.usage.InputTokens = uint32(ev.Usage.InputTokens) //nolint:gosec
			}
			t.usage.OutputTokens = uint32(ev.Usage.OutputTokens) //nolint:gosec
		}
	}
	t.usage.TotalTokens = t.usage.InputTokens + t.usage.OutputTokens
	return []anthropic.StreamEvent{event}, t.usage, nil
}

// ResponseError passes the upstream error envelope through when it already
// parses as one, otherwise it wraps the raw body in a fresh envelope.
func (t *anthropicPassthroughTranslator) ResponseError(statusCode int, body io.Reader) (*anthropic.ErrorResponse, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read error response body: %w", err)
	}
	var envelope anthropic.ErrorResponse
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		if envelope.Type == "" {
			envelope.Type = "error"
		}
		if envelope.Error.Type == "" {
			envelope.Error.Type = errorTypeForStatus(statusCode)
		}
		return &envelope, nil
	}
	return newErrorResponse(statusCode, strings.TrimSpace(string(raw))), nil
}
