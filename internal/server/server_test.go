// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"k8s.io/utils/ptr"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func testConfig(providers map[string]*config.Provider, routes map[string]config.RouteTargets) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			RequestTimeoutMillis: 10_000,
			MaxRetries:           2,
			CooldownBaseMillis:   60_000,
			CooldownCapMillis:    300_000,
		},
		Providers: providers,
		Routing:   config.RoutingConfig{Routes: routes},
		Flow:      config.FlowConfig{RetryBackoffBaseMillis: 1},
	}
}

func openaiProvider(baseURL string, models ...string) *config.Provider {
	return &config.Provider{
		Protocol:          config.FamilyOpenAI,
		APIBaseURL:        baseURL,
		APIKey:            config.KeyList{"sk-one", "sk-two"},
		Models:            models,
		KeyCooldownMillis: 60_000,
	}
}

type gateway struct {
	http   *httptest.Server
	server *Server
	board  *router.Board
}

func newGateway(t *testing.T, cfg *config.Config, mutate ...func(*Options)) *gateway {
	t.Helper()
	bps, err := pipeline.BuildBlueprints(cfg)
	require.NoError(t, err)
	asm := &pipeline.Assembler{Client: upstream.NewClient(), Logger: testLogger()}
	set, report := asm.Assemble(bps)
	require.Zero(t, report.Failed)
	board := router.NewBoard(cfg.Server.CooldownBase(), cfg.Server.CooldownCap())
	rt := router.New(set, board, cfg.Routing.LongContextThreshold, cfg.Server.DestroyOnBlacklist, testLogger())

	opts := Options{Config: cfg, Set: set, Board: board, Router: rt, Logger: testLogger()}
	for _, fn := range mutate {
		fn(&opts)
	}
	s := New(opts)
	h := httptest.NewServer(s.Handler())
	t.Cleanup(h.Close)
	return &gateway{http: h, server: s, board: board}
}

func (g *gateway) post(t *testing.T, path, body string, header map[string]string) *http.Response {
	t.Helper()
	resp, err := g.postRaw(path, body, header)
	require.NoError(t, err)
	return resp
}

// postRaw never touches the testing.T so it is safe to call off the test
// goroutine.
func (g *gateway) postRaw(path, body string, header map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, g.http.URL+path, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	return g.http.Client().Do(req)
}

func (g *gateway) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, g.http.URL+path, nil)
	require.NoError(t, err)
	resp, err := g.http.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), "body: %s", raw)
	return v
}

// chatUpstream answers every call with a one-sentence chat completion.
func chatUpstream(content string, calls *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1736000000,
			"model": "m1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`, content)
	}))
}

func failingUpstream(status int, body string, calls *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

func TestMessagesHappyPath(t *testing.T) {
	var calls int
	up := chatUpstream("hello", &calls)
	defer up.Close()
	g := newGateway(t, testConfig(
		map[string]*config.Provider{"p1": openaiProvider(up.URL, "m1")},
		map[string]config.RouteTargets{"default": {{Provider: "p1", Model: "m1"}}}))

	resp := g.post(t, "/v1/messages",
		`{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"x-request-id": "req-42"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, "req-42", resp.Header.Get("x-request-id"))

	got := decodeBody[anthropic.MessagesResponse](t, resp)
	want := anthropic.MessagesResponse{
		ID:         "chatcmpl-1",
		Type:       anthropic.MessageObjectType,
		Role:       anthropic.MessageRoleAssistantValue,
		Model:      "default",
		Content:    []anthropic.ContentBlock{anthropic.TextBlock("hello")},
		StopReason: ptr.To(anthropic.StopReasonEndTurn),
		Usage:      anthropic.Usage{InputTokens: 1, OutputTokens: 1},
	}
	require.Empty(t, cmp.Diff(want, got))
	require.Equal(t, 1, calls)
}

func TestMessagesToolRoundTrip(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"created": 1736000000,
			"model": "m1",
			"choices": [{"index": 0, "message": {"role": "assistant", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"NYC\"}"}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 4, "total_tokens": 9}
		}`)
	}))
	defer up.Close()
	g := newGateway(t, testConfig(
		map[string]*config.Provider{"p1": openaiProvider(up.URL, "m1")},
		map[string]config.RouteTargets{"default": {{Provider: "p1", Model: "m1"}}}))

	resp := g.post(t, "/v1/messages", `{
		"model": "default",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "weather in NYC?"}],
		"tools": [{"name": "get_weather", "description": "Look up the weather.",
			"input_schema": {"type": "object", "properties": {"city": {"type": "string"}}, "required": ["city"]}}]
	}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody[anthropic.MessagesResponse](t, resp)
	require.Equal(t, ptr.To(anthropic.StopReasonToolUse), got.StopReason)
	require.Len(t, got.Content, 1)
	require.Equal(t, anthropic.ContentBlockTypeToolUse, got.Content[0].Type)
	require.Equal(t, "call_1", got.Content[0].ID)
	require.Equal(t, "get_weather", got.Content[0].Name)
	require.JSONEq(t, `{"city":"NYC"}`, string(got.Content[0].Input))
}

func TestMessagesTextualToolCallExtraction(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{
			"id": "chatcmpl-3", "object": "chat.completion", "created": 1736000000, "model": "m1",
			"choices": []any{map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Sure.\n\nTool call: Bash({\"command\":\"ls\"})\n\nDone.",
				},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 8, "total_tokens": 11},
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer up.Close()

	provider := openaiProvider(up.URL, "m1")
	provider.ResponseFixes = []config.FixTag{config.FixExtractTextualToolCalls}
	g := newGateway(t, testConfig(
		map[string]*config.Provider{"p1": provider},
		map[string]config.RouteTargets{"default": {{Provider: "p1", Model: "m1"}}}))

	resp := g.post(t, "/v1/messages",
		`{"model":"default","max_tokens":100,"messages":[{"role":"user","content":"list files"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody[anthropic.MessagesResponse](t, resp)
	require.Equal(t, ptr.To(anthropic.StopReasonToolUse), got.StopReason)
	require.Len(t, got.Content, 2)

	text := got.Content[0]
	require.Equal(t, anthropic.ContentBlockTypeText, text.Type)
	require.Contains(t, text.Text, "Sure.")
	require.Contains(t, text.Text, "Done.")
	require.NotContains(t, text.Text, "Tool call")

	tool := got.Content[1]
	require.Equal(t, anthropic.ContentBlockTypeToolUse, tool.Type)
	require.Equal(t, "Bash", tool.Name)
	require.JSONEq(t, `{"command":"ls"}`, string(tool.Input))
}

func TestMessagesRecoverableFailover(t *testing.T) {
	var aCalls, bCalls int
	a := failingUpstream(503, `{"error": {"message": "overloaded", "type": "server_error"}}`, &aCalls)
	defer a.Close()
	b := chatUpstream("rescued", &bCalls)
	defer b.Close()

	g := newGateway(t, testConfig(
		map[string]*config.Provider{
			"a": openaiProvider(a.URL, "m1"),
			"b": openaiProvider(b.URL, "m1"),
		},
		map[string]config.RouteTargets{"default": {
			{Provider: "a", Model: "m1"},
			{Provider: "b", Model: "m1"},
		}}))

	resp := g.post(t, "/v1/messages",
		`{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decodeBody[anthropic.MessagesResponse](t, resp)
	require.Equal(t, []anthropic.ContentBlock{anthropic.TextBlock("rescued")}, got.Content)
	require.Equal(t, 1, aCalls)
	require.Equal(t, 1, bCalls)
	require.Equal(t, router.StatusBlocked, g.board.Status("pipeline_a_m1"))
	require.Equal(t, router.StatusHealthy, g.board.Status("pipeline_b_m1"))
}

func TestMessagesNonRecoverableBlacklist(t *testing.T) {
	var aCalls, bCalls int
	a := failingUpstream(401, `{"error": {"message": "bad key", "type": "invalid_request_error"}}`, &aCalls)
	defer a.Close()
	b := chatUpstream("served by b", &bCalls)
	defer b.Close()

	g := newGateway(t, testConfig(
		map[string]*config.Provider{
			"a": openaiProvider(a.URL, "m1"),
			"b": openaiProvider(b.URL, "m1"),
		},
		map[string]config.RouteTargets{"default": {
			{Provider: "a", Model: "m1"},
			{Provider: "b", Model: "m1"},
		}}))

	body := `{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`
	resp := g.post(t, "/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, 1, aCalls)
	require.Equal(t, 1, bCalls)
	require.Equal(t, router.StatusBlacklisted, g.board.Status("pipeline_a_m1"))

	// The blacklist persists: the next request never touches a.
	resp = g.post(t, "/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, 1, aCalls)
	require.Equal(t, 2, bCalls)
}

func TestMessagesConversationQueueing(t *testing.T) {
	var mu sync.Mutex
	var events []string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tag := "second"
		if strings.Contains(string(body), "first") {
			tag = "first"
		}
		mu.Lock()
		events = append(events, "start:"+tag)
		mu.Unlock()
		if tag == "first" {
			time.Sleep(150 * time.Millisecond)
		}
		mu.Lock()
		events = append(events, "end:"+tag)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": "chatcmpl-%s",
			"object": "chat.completion",
			"created": 1736000000,
			"model": "m1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "%s done"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`, tag, tag)
	}))
	defer up.Close()

	g := newGateway(t, testConfig(
		map[string]*config.Provider{"p1": openaiProvider(up.URL, "m1")},
		map[string]config.RouteTargets{"default": {{Provider: "p1", Model: "m1"}}}))

	header := map[string]string{
		"x-session-id":      "sess-1",
		"x-conversation-id": "conv-1",
	}
	requestBody := func(marker string) string {
		return fmt.Sprintf(`{"model":"default","max_tokens":50,"messages":[{"role":"user","content":%q}]}`, marker)
	}

	type result struct {
		status int
		err    error
	}
	results := make(chan result, 2)
	send := func(marker string) {
		resp, err := g.postRaw("/v1/messages", requestBody(marker), header)
		if err != nil {
			results <- result{err: err}
			return
		}
		resp.Body.Close()
		results <- result{status: resp.StatusCode}
	}

	go send("first")
	// Only submit the second request once the first is inflight, so the
	// ordering below is forced by conversation FIFO, not by racing POSTs.
	require.Eventually(t, func() bool {
		return g.server.Flow().Stats().Processing == 1
	}, 5*time.Second, time.Millisecond)
	go send("second")

	for range 2 {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, http.StatusOK, r.status)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"start:first", "end:first", "start:second", "end:second"}, events,
		"second request must not reach the upstream before the first completes")
}

func TestMessagesStreaming(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Pa"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"ris"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":7,"total_tokens":16}}`,
	}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer up.Close()

	g := newGateway(t, testConfig(
		map[string]*config.Provider{"p1": openaiProvider(up.URL, "m1")},
		map[string]config.RouteTargets{"default": {{Provider: "p1", Model: "m1"}}}))

	resp := g.post(t, "/v1/messages",
		`{"model":"default","max_tokens":50,"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	names, payloads := parseSSE(t, string(raw))
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)
	require.JSONEq(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Pa"}}`, payloads[2])
	require.JSONEq(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ris"}}`, payloads[3])
	require.Contains(t, payloads[5], `"stop_reason":"end_turn"`)
}

// parseSSE splits a complete SSE body into event names and data payloads.
func parseSSE(t *testing.T, body string) (names, payloads []string) {
	t.Helper()
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2, "malformed SSE block %q", block)
		names = append(names, strings.TrimPrefix(lines[0], "event: "))
		payloads = append(payloads, strings.TrimPrefix(lines[1], "data: "))
	}
	return names, payloads
}

func TestMessagesRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer up.Close()

	cfg := testConfig(
		map[string]*config.Provider{"p1": openaiProvider(up.URL, "m1")},
		map[string]config.RouteTargets{"default": {{Provider: "p1", Model: "m1"}}})
	cfg.Server.RequestTimeoutMillis = 100
	g := newGateway(t, cfg)

	resp := g.post(t, "/v1/messages",
		`{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	got := decodeBody[anthropic.ErrorResponse](t, resp)
	require.Equal(t, "error", got.Type)
	require.Equal(t, "timeout_error", got.Error.Type)
}

func TestMessagesQueueFull(t *testing.T) {
	gate := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1736000000, "model": "m1",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`)
	}))
	defer up.Close()

	cfg := testConfig(
		map[string]*config.Provider{"p1": openaiProvider(up.URL, "m1")},
		map[string]config.RouteTargets{"default": {{Provider: "p1", Model: "m1"}}})
	cfg.Flow.MaxRequestsPerConversation = 1
	g := newGateway(t, cfg)

	header := map[string]string{"x-session-id": "s1", "x-conversation-id": "c1"}
	body := `{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`

	type result struct {
		status int
		err    error
	}
	firstDone := make(chan result, 1)
	go func() {
		resp, err := g.postRaw("/v1/messages", body, header)
		if err != nil {
			firstDone <- result{err: err}
			return
		}
		resp.Body.Close()
		firstDone <- result{status: resp.StatusCode}
	}()

	// Wait until the first request occupies the conversation slot.
	require.Eventually(t, func() bool {
		return g.server.Flow().Stats().Processing == 1
	}, 5*time.Second, time.Millisecond)

	resp := g.post(t, "/v1/messages", body, header)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	got := decodeBody[anthropic.ErrorResponse](t, resp)
	require.Equal(t, "rate_limit_error", got.Error.Type)
	require.Contains(t, got.Error.Message, "server overloaded")

	close(gate)
	first := <-firstDone
	require.NoError(t, first.err)
	require.Equal(t, http.StatusOK, first.status)
}

func TestMessagesValidation(t *testing.T) {
	var calls int
	up := chatUpstream("unused", &calls)
	defer up.Close()
	g := newGateway(t, testConfig(
		map[string]*config.Provider{"p1": openaiProvider(up.URL, "m1")},
		map[string]config.RouteTargets{"default": {{Provider: "p1", Model: "m1"}}}))

	for _, tc := range []struct {
		name    string
		body    string
		header  map[string]string
		wantMsg string
	}{
		{
			name:    "malformed json",
			body:    `{"model":"default"`,
			wantMsg: "malformed request body",
		},
		{
			name:    "unknown field",
			body:    `{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}],"frobnicate":true}`,
			wantMsg: "unknown field",
		},
		{
			name:    "missing max_tokens",
			body:    `{"model":"default","messages":[{"role":"user","content":"hi"}]}`,
			wantMsg: "max_tokens is required",
		},
		{
			name:    "max_tokens too large",
			body:    `{"model":"default","max_tokens":300000,"messages":[{"role":"user","content":"hi"}]}`,
			wantMsg: "max_tokens must be at most 200000",
		},
		{
			name:    "empty messages",
			body:    `{"model":"default","max_tokens":50,"messages":[]}`,
			wantMsg: "messages",
		},
		{
			name:    "unknown role",
			body:    `{"model":"default","max_tokens":50,"messages":[{"role":"robot","content":"hi"}]}`,
			wantMsg: `unknown role "robot"`,
		},
		{
			name: "too many stop sequences",
			body: `{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}],` +
				`"stop_sequences":["a","b","c","d","e"]}`,
			wantMsg: "stop_sequences must be at most 4",
		},
		{
			name: "broken tool schema",
			body: `{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}],` +
				`"tools":[{"name":"t","input_schema":{"type":123}}]}`,
			wantMsg: "input_schema is not a valid JSON schema",
		},
		{
			name:    "unknown priority header",
			body:    `{"model":"default","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`,
			header:  map[string]string{"x-priority": "urgent"},
			wantMsg: `unknown priority "urgent"`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp := g.post(t, "/v1/messages", tc.body, tc.header)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			got := decodeBody[anthropic.ErrorResponse](t, resp)
			require.Equal(t, "error", got.Type)
			require.Equal(t, "invalid_request_error", got.Error.Type)
			require.Contains(t, got.Error.Message, tc.wantMsg)
		})
	}
	require.Zero(t, calls, "validation failures must never reach an upstream")
}
