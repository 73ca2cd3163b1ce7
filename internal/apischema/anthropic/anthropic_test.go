// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

func TestMessageContent_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		jsonStr string
		want    MessageContent
		wantErr bool
	}{
		{
			name:    "string content",
			jsonStr: `"Hello, world!"`,
			want:    MessageContent{Text: ptr.To("Hello, world!")},
		},
		{
			name:    "array content",
			jsonStr: `[{"type":"text","text":"hi"},{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"NYC"}}]`,
			want: MessageContent{Blocks: []ContentBlock{
				{Type: ContentBlockTypeText, Text: "hi"},
				{Type: ContentBlockTypeToolUse, ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"NYC"}`)},
			}},
		},
		{
			name:    "invalid content",
			jsonStr: `12345`,
			want:    MessageContent{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mc MessageContent
			err := mc.UnmarshalJSON([]byte(tt.jsonStr))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, mc)
		})
	}
}

func TestMessageContent_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   MessageContent
		want string
	}{
		{
			name: "string content",
			in:   ContentOfText("hi"),
			want: `"hi"`,
		},
		{
			name: "block content",
			in:   ContentOfBlocks(TextBlock("hi")),
			want: `[{"type":"text","text":"hi"}]`,
		},
		{
			name: "empty",
			in:   MessageContent{},
			want: `[]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := json.Marshal(tt.in)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestSystemPrompt(t *testing.T) {
	t.Run("string form", func(t *testing.T) {
		var s SystemPrompt
		require.NoError(t, json.Unmarshal([]byte(`"be brief"`), &s))
		require.Equal(t, "be brief", s.Flatten())
		out, err := json.Marshal(s)
		require.NoError(t, err)
		require.JSONEq(t, `"be brief"`, string(out))
	})
	t.Run("block form", func(t *testing.T) {
		var s SystemPrompt
		require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"be"},{"type":"text","text":"brief"}]`), &s))
		require.Equal(t, "be\n\nbrief", s.Flatten())
	})
	t.Run("invalid form", func(t *testing.T) {
		var s SystemPrompt
		require.Error(t, json.Unmarshal([]byte(`42`), &s))
	})
	t.Run("nil flattens empty", func(t *testing.T) {
		var s *SystemPrompt
		require.Empty(t, s.Flatten())
	})
}

func TestToolUseBlock_EmptyInput(t *testing.T) {
	b := ToolUseBlock("toolu_1", "ls", nil)
	out, err := json.Marshal(b)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"tool_use","id":"toolu_1","name":"ls","input":{}}`, string(out))
}

func TestContentBlock_WireZeroValues(t *testing.T) {
	// content_block_start blocks carry their empty payload explicitly.
	out, err := json.Marshal(TextBlock(""))
	require.NoError(t, err)
	require.Equal(t, `{"type":"text","text":""}`, string(out))

	out, err = json.Marshal(ContentBlock{Type: ContentBlockTypeThinking})
	require.NoError(t, err)
	require.Equal(t, `{"type":"thinking","thinking":""}`, string(out))
}

func TestToolResultBlock_Wire(t *testing.T) {
	b := ToolResultBlock("toolu_1", "ok", false)
	out, err := json.Marshal(b)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"}`, string(out))
}

func TestMessagesRequest_RoundTrip(t *testing.T) {
	in := `{
		"model":"default",
		"max_tokens":100,
		"system":"stay on task",
		"messages":[
			{"role":"user","content":"hello"},
			{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"NYC"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"sunny"}]}
		],
		"tools":[{"name":"get_weather","description":"d","input_schema":{"type":"object"}}],
		"tool_choice":{"type":"auto"},
		"temperature":0.5,
		"stop_sequences":["END"],
		"metadata":{"user_id":"u1","conversation_id":"c1"},
		"stream":true
	}`
	var req MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(in), &req))
	require.Equal(t, "default", req.Model)
	require.Equal(t, 100, req.MaxTokens)
	require.Len(t, req.Messages, 3)
	require.Equal(t, MessageRoleAssistant, req.Messages[1].Role)
	require.Equal(t, "get_weather", req.Messages[1].Content.Blocks[0].Name)
	require.Equal(t, "toolu_1", req.Messages[2].Content.Blocks[0].ToolUseID)
	require.Equal(t, "stay on task", req.System.Flatten())
	require.Equal(t, ptr.To(0.5), req.Temperature)
	require.True(t, req.Stream)
	require.Equal(t, ptr.To("c1"), req.Metadata.ConversationID)

	// Round trip preserves the semantic fields.
	out, err := json.Marshal(&req)
	require.NoError(t, err)
	var again MessagesRequest
	require.NoError(t, json.Unmarshal(out, &again))
	require.Equal(t, req, again)
}

func TestParseStreamEvent(t *testing.T) {
	tests := []struct {
		name    string
		jsonStr string
		exp     StreamEvent
		wantErr bool
	}{
		{
			name:    "message_start",
			jsonStr: `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"m","content":[],"stop_reason":null,"usage":{"input_tokens":472,"output_tokens":2}}}`,
			exp: &MessageStartEvent{
				Type: StreamEventTypeMessageStart,
				Message: MessagesResponse{
					ID:      "msg_1",
					Type:    "message",
					Role:    "assistant",
					Model:   "m",
					Content: []ContentBlock{},
					Usage:   Usage{InputTokens: 472, OutputTokens: 2},
				},
			},
		},
		{
			name:    "content_block_start",
			jsonStr: `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			exp: &ContentBlockStartEvent{
				Type:         StreamEventTypeContentBlockStart,
				Index:        0,
				ContentBlock: ContentBlock{Type: ContentBlockTypeText},
			},
		},
		{
			name:    "content_block_delta",
			jsonStr: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Okay"}}`,
			exp: &ContentBlockDeltaEvent{
				Type:  StreamEventTypeContentBlockDelta,
				Index: 0,
				Delta: BlockDelta{Type: BlockDeltaTypeText, Text: "Okay"},
			},
		},
		{
			name:    "content_block_stop",
			jsonStr: `{"type":"content_block_stop","index":1}`,
			exp:     &ContentBlockStopEvent{Type: StreamEventTypeContentBlockStop, Index: 1},
		},
		{
			name:    "message_delta",
			jsonStr: `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":89}}`,
			exp: &MessageDeltaEvent{
				Type:  StreamEventTypeMessageDelta,
				Delta: MessageDeltaBody{StopReason: StopReasonToolUse},
				Usage: &Usage{OutputTokens: 89},
			},
		},
		{
			name:    "message_stop",
			jsonStr: `{"type":"message_stop"}`,
			exp:     &MessageStopEvent{Type: StreamEventTypeMessageStop},
		},
		{
			name:    "ping",
			jsonStr: `{"type":"ping"}`,
			exp:     &PingEvent{Type: StreamEventTypePing},
		},
		{
			name:    "error",
			jsonStr: `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`,
			exp:     &ErrorEvent{Type: StreamEventTypeError, Error: ErrorDetail{Type: "overloaded_error", Message: "busy"}},
		},
		{
			name:    "type field does not exist",
			jsonStr: `{"foo":"bar"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			jsonStr: `{"type":"banana"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseStreamEvent([]byte(tt.jsonStr))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.exp, ev)
		})
	}
}

func TestStreamEvent_EmitWire(t *testing.T) {
	tests := []struct {
		name string
		ev   StreamEvent
		want string
	}{
		{
			name: "text delta",
			ev:   NewTextDelta(0, "Hi"),
			want: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		},
		{
			name: "input json delta",
			ev:   NewInputJSONDelta(1, `{"city":"NYC"}`),
			want: `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"NYC\"}"}}`,
		},
		{
			name: "message delta",
			ev:   NewMessageDelta(StopReasonEndTurn, &Usage{OutputTokens: 3}),
			want: `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":0,"output_tokens":3}}`,
		},
		{
			name: "message stop",
			ev:   NewMessageStop(),
			want: `{"type":"message_stop"}`,
		},
		{
			name: "error event",
			ev:   NewErrorEvent("api_error", "upstream gone"),
			want: `{"type":"error","error":{"type":"api_error","message":"upstream gone"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := json.Marshal(tt.ev)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(out))

			// Emitted events parse back to the same type.
			back, err := ParseStreamEvent(out)
			require.NoError(t, err)
			require.Equal(t, tt.ev.EventType(), back.EventType())
		})
	}
}

func TestNewMessageStart_ForcesEmptySkeleton(t *testing.T) {
	stop := StopReasonEndTurn
	ev := NewMessageStart(MessagesResponse{
		ID:         "msg_1",
		Type:       MessageObjectType,
		Role:       MessageRoleAssistantValue,
		Model:      "default",
		Content:    []ContentBlock{TextBlock("already done")},
		StopReason: &stop,
	})
	require.Empty(t, ev.Message.Content)
	require.Nil(t, ev.Message.StopReason)
}
