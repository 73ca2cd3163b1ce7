// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/upstream"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func routerConfig(providers map[string]*config.Provider, routes map[string]config.RouteTargets) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			RequestTimeoutMillis: 5_000,
			MaxRetries:           2,
			CooldownBaseMillis:   60_000,
			CooldownCapMillis:    300_000,
		},
		Providers: providers,
		Routing:   config.RoutingConfig{Routes: routes},
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

func buildRouter(t *testing.T, cfg *config.Config) (*Router, *Board) {
	t.Helper()
	bps, err := pipeline.BuildBlueprints(cfg)
	require.NoError(t, err)
	asm := &pipeline.Assembler{Client: upstream.NewClient(), Logger: testLogger()}
	set, report := asm.Assemble(bps)
	require.Zero(t, report.Failed)
	board := NewBoard(cfg.Server.CooldownBase(), cfg.Server.CooldownCap())
	return New(set, board, cfg.Routing.LongContextThreshold, cfg.Server.DestroyOnBlacklist, testLogger()), board
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
			"model": "m",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
		}`, content)
	}))
}

// failingUpstream answers every call with the given error status and body.
func failingUpstream(status int, body string, calls *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

func messagesRequest() *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     "claude-fast",
		MaxTokens: 128,
		Messages: []anthropic.Message{
			{Role: anthropic.MessageRoleUser, Content: anthropic.ContentOfText("Weather in Paris?")},
		},
	}
}

func newExchange(t *testing.T, req *anthropic.MessagesRequest) *pipeline.Exchange {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return &pipeline.Exchange{
		RequestID: "req-1",
		Raw:       raw,
		Request:   req,
	}
}

func TestRouterResolve(t *testing.T) {
	models := []string{"m-default", "m-bg", "m-tools", "m-long", "m-think", "m-search", "m-fast"}
	cfg := routerConfig(
		map[string]*config.Provider{"prov": openaiProvider("http://127.0.0.1:0", models...)},
		map[string]config.RouteTargets{
			"default":     {{Provider: "prov", Model: "m-default"}},
			"background":  {{Provider: "prov", Model: "m-bg"}},
			"tooluse":     {{Provider: "prov", Model: "m-tools"}},
			"longcontext": {{Provider: "prov", Model: "m-long"}},
			"thinking":    {{Provider: "prov", Model: "m-think"}},
			"search":      {{Provider: "prov", Model: "m-search"}},
			"claude-fast": {{Provider: "prov", Model: "m-fast"}},
		})
	cfg.Routing.LongContextThreshold = 50
	rt, _ := buildRouter(t, cfg)

	long := strings.Repeat("x", 51)
	tool := anthropic.Tool{Name: "get_weather"}
	tests := []struct {
		name string
		req  *anthropic.MessagesRequest
		want string
	}{
		{
			name: "plain request",
			req:  &anthropic.MessagesRequest{Model: "claude-sonnet"},
			want: "default",
		},
		{
			name: "model naming a route",
			req:  &anthropic.MessagesRequest{Model: "claude-fast"},
			want: "claude-fast",
		},
		{
			name: "default model still runs heuristics",
			req: &anthropic.MessagesRequest{
				Model:    "default",
				Metadata: &anthropic.Metadata{Background: true},
			},
			want: "background",
		},
		{
			name: "background outranks tools",
			req: &anthropic.MessagesRequest{
				Model:    "claude-sonnet",
				Metadata: &anthropic.Metadata{Background: true},
				Tools:    []anthropic.Tool{tool},
			},
			want: "background",
		},
		{
			name: "tools",
			req:  &anthropic.MessagesRequest{Model: "claude-sonnet", Tools: []anthropic.Tool{tool}},
			want: "tooluse",
		},
		{
			name: "tools outrank long context",
			req: &anthropic.MessagesRequest{
				Model: "claude-sonnet",
				Tools: []anthropic.Tool{tool},
				Messages: []anthropic.Message{
					{Role: anthropic.MessageRoleUser, Content: anthropic.ContentOfText(long)},
				},
			},
			want: "tooluse",
		},
		{
			name: "long conversation",
			req: &anthropic.MessagesRequest{
				Model: "claude-sonnet",
				Messages: []anthropic.Message{
					{Role: anthropic.MessageRoleUser, Content: anthropic.ContentOfText(long)},
				},
			},
			want: "longcontext",
		},
		{
			name: "long system prompt",
			req: &anthropic.MessagesRequest{
				Model:  "claude-sonnet",
				System: &anthropic.SystemPrompt{Text: &long},
			},
			want: "longcontext",
		},
		{
			name: "thinking configuration",
			req: &anthropic.MessagesRequest{
				Model:    "claude-sonnet",
				Thinking: &anthropic.Thinking{Type: "enabled", BudgetTokens: 2048},
			},
			want: "thinking",
		},
		{
			name: "thinking metadata hint",
			req: &anthropic.MessagesRequest{
				Model:    "claude-sonnet",
				Metadata: &anthropic.Metadata{Thinking: true},
			},
			want: "thinking",
		},
		{
			name: "search metadata hint",
			req: &anthropic.MessagesRequest{
				Model:    "claude-sonnet",
				Metadata: &anthropic.Metadata{Search: true},
			},
			want: "search",
		},
		{
			name: "nil request",
			req:  nil,
			want: "default",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rt.Resolve(tc.req))
		})
	}
}

func TestRouterResolveFallsBackToDefault(t *testing.T) {
	cfg := routerConfig(
		map[string]*config.Provider{"prov": openaiProvider("http://127.0.0.1:0", "m")},
		map[string]config.RouteTargets{"default": {{Provider: "prov", Model: "m"}}})
	rt, _ := buildRouter(t, cfg)

	// Categories without a configured route land on default.
	require.Equal(t, "default", rt.Resolve(&anthropic.MessagesRequest{
		Metadata: &anthropic.Metadata{Background: true},
	}))
	require.Equal(t, "default", rt.Resolve(&anthropic.MessagesRequest{
		Tools: []anthropic.Tool{{Name: "get_weather"}},
	}))
	require.Equal(t, "default", rt.Resolve(&anthropic.MessagesRequest{
		Thinking: &anthropic.Thinking{Type: "enabled"},
	}))
	require.Equal(t, "default", rt.Resolve(&anthropic.MessagesRequest{
		Metadata: &anthropic.Metadata{Search: true},
	}))
}

func TestRouterPick(t *testing.T) {
	cfg := routerConfig(
		map[string]*config.Provider{"prov": openaiProvider("http://127.0.0.1:0", "m-a", "m-b", "m-c")},
		map[string]config.RouteTargets{"default": {
			{Provider: "prov", Model: "m-a"},
			{Provider: "prov", Model: "m-b"},
			{Provider: "prov", Model: "m-c"},
		}})
	rt, board := buildRouter(t, cfg)
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	board.now = clk.now

	ids := rt.RouteIDs("default")
	require.Equal(t, []string{
		"pipeline_prov_m-a",
		"pipeline_prov_m-b",
		"pipeline_prov_m-c",
	}, ids)

	// A fresh board keeps the configured priority order.
	picked, err := rt.Pick("default")
	require.NoError(t, err)
	require.Equal(t, ids[0], picked)

	// A cooling-down pipeline is skipped.
	board.ReportFailure(ids[0])
	picked, err = rt.Pick("default")
	require.NoError(t, err)
	require.Equal(t, ids[1], picked)

	// A blacklisted pipeline is skipped too.
	board.Blacklist(ids[1])
	picked, err = rt.Pick("default")
	require.NoError(t, err)
	require.Equal(t, ids[2], picked)

	// Once the cooldown expires the first pipeline is selectable again, but
	// its surviving streak demotes it behind the clean third one.
	clk.advance(time.Minute)
	picked, err = rt.Pick("default")
	require.NoError(t, err)
	require.Equal(t, ids[2], picked)

	// Success forgives the streak and priority order rules again.
	board.ReportSuccess(ids[0])
	picked, err = rt.Pick("default")
	require.NoError(t, err)
	require.Equal(t, ids[0], picked)

	_, err = rt.Pick("nope")
	apiErr := apierror.AsError(err)
	require.Equal(t, apierror.KindRouting, apiErr.Kind)
	require.Contains(t, apiErr.Message, `no pipelines serve route "nope"`)

	board.Blacklist(ids[0])
	board.Blacklist(ids[2])
	_, err = rt.Pick("default")
	apiErr = apierror.AsError(err)
	require.Equal(t, apierror.KindUpstreamServer, apiErr.Kind)
	require.Contains(t, apiErr.Message, `no healthy pipeline for route "default"`)
}

func TestRouterPickTieBreak(t *testing.T) {
	cfg := routerConfig(
		map[string]*config.Provider{"prov": openaiProvider("http://127.0.0.1:0", "m-a", "m-b")},
		map[string]config.RouteTargets{"default": {
			{Provider: "prov", Model: "m-a"},
			{Provider: "prov", Model: "m-b"},
		}})
	rt, board := buildRouter(t, cfg)
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	board.now = clk.now

	// Fail b after a so both carry a one-failure streak with different
	// timestamps once the cooldowns expire.
	board.ReportFailure("pipeline_prov_m-a")
	clk.advance(time.Second)
	board.ReportFailure("pipeline_prov_m-b")
	clk.advance(time.Minute)

	picked, err := rt.Pick("default")
	require.NoError(t, err)
	require.Equal(t, "pipeline_prov_m-a", picked, "the earlier failure should win the tie")
}

func TestDispatchFailover(t *testing.T) {
	var primaryCalls, backupCalls int
	primary := failingUpstream(503, `{"error": {"message": "overloaded", "type": "server_error", "code": 503}}`, &primaryCalls)
	defer primary.Close()
	backup := chatUpstream("From backup.", &backupCalls)
	defer backup.Close()

	cfg := routerConfig(
		map[string]*config.Provider{
			"prim": openaiProvider(primary.URL, "m"),
			"back": openaiProvider(backup.URL, "m"),
		},
		map[string]config.RouteTargets{"default": {
			{Provider: "prim", Model: "m"},
			{Provider: "back", Model: "m"},
		}})
	rt, board := buildRouter(t, cfg)

	ex := newExchange(t, messagesRequest())
	require.NoError(t, rt.Dispatch(t.Context(), ex))

	require.Equal(t, 1, primaryCalls)
	require.Equal(t, 1, backupCalls)
	require.Equal(t, "default", ex.RouteName)
	require.Equal(t, "pipeline_back_m", ex.PipelineID)
	require.NotNil(t, ex.Response)
	require.Equal(t, "From backup.", ex.Response.Content[0].Text)

	require.Equal(t, StatusBlocked, board.Status("pipeline_prim_m"))
	require.Equal(t, StatusHealthy, board.Status("pipeline_back_m"))
}

func TestDispatchBlacklistsAuthFailure(t *testing.T) {
	var primaryCalls, backupCalls int
	primary := failingUpstream(401, `{"error": {"message": "bad key", "type": "invalid_api_key", "code": 401}}`, &primaryCalls)
	defer primary.Close()
	backup := chatUpstream("Still here.", &backupCalls)
	defer backup.Close()

	cfg := routerConfig(
		map[string]*config.Provider{
			"prim": openaiProvider(primary.URL, "m"),
			"back": openaiProvider(backup.URL, "m"),
		},
		map[string]config.RouteTargets{"default": {
			{Provider: "prim", Model: "m"},
			{Provider: "back", Model: "m"},
		}})
	rt, board := buildRouter(t, cfg)

	require.NoError(t, rt.Dispatch(t.Context(), newExchange(t, messagesRequest())))
	require.Equal(t, StatusBlacklisted, board.Status("pipeline_prim_m"))

	// The blacklist holds: the second request goes straight to the backup.
	require.NoError(t, rt.Dispatch(t.Context(), newExchange(t, messagesRequest())))
	require.Equal(t, 1, primaryCalls)
	require.Equal(t, 2, backupCalls)
}

func TestDispatchDestroyOnBlacklist(t *testing.T) {
	var primaryCalls, backupCalls int
	primary := failingUpstream(404, `{"error": {"message": "model not found", "type": "not_found_error", "code": 404}}`, &primaryCalls)
	defer primary.Close()
	backup := chatUpstream("Covered.", &backupCalls)
	defer backup.Close()

	cfg := routerConfig(
		map[string]*config.Provider{
			"prim": openaiProvider(primary.URL, "m"),
			"back": openaiProvider(backup.URL, "m"),
		},
		map[string]config.RouteTargets{"default": {
			{Provider: "prim", Model: "m"},
			{Provider: "back", Model: "m"},
		}})
	cfg.Server.DestroyOnBlacklist = true
	rt, board := buildRouter(t, cfg)

	require.NoError(t, rt.Dispatch(t.Context(), newExchange(t, messagesRequest())))
	require.Equal(t, StatusDestroyed, board.Status("pipeline_prim_m"))
	require.Equal(t, []string{"pipeline_back_m"}, rt.RouteIDs("default"))

	// Gone for good: not even an operator reset revives it.
	board.Reset("pipeline_prim_m")
	require.Equal(t, StatusDestroyed, board.Status("pipeline_prim_m"))
	require.Equal(t, 1, primaryCalls)
	require.Equal(t, 1, backupCalls)
}

func TestDispatchTerminalSurfaces(t *testing.T) {
	var calls int
	srv := failingUpstream(400, `{"error": {"message": "bad input", "type": "invalid_request_error", "code": 400}}`, &calls)
	defer srv.Close()

	cfg := routerConfig(
		map[string]*config.Provider{"prov": openaiProvider(srv.URL, "m")},
		map[string]config.RouteTargets{"default": {{Provider: "prov", Model: "m"}}})
	rt, board := buildRouter(t, cfg)

	ex := newExchange(t, messagesRequest())
	err := rt.Dispatch(t.Context(), ex)
	require.Error(t, err)

	apiErr := apierror.AsError(err)
	require.Equal(t, 400, apiErr.UpstreamStatus)
	require.Equal(t, "req-1", apiErr.RequestID)
	require.NotContains(t, apiErr.Message, "attempts")

	require.Equal(t, 1, calls)
	require.NotNil(t, ex.ErrorEnvelope)
	require.Contains(t, ex.ErrorEnvelope.Error.Message, "bad input")

	// Terminal failures do not change the pipeline's standing.
	require.Equal(t, StatusHealthy, board.Status("pipeline_prov_m"))
}

func TestDispatchBudgetExhausted(t *testing.T) {
	var calls int
	srv := failingUpstream(503, `{"error": {"message": "overloaded", "type": "server_error", "code": 503}}`, &calls)
	defer srv.Close()

	cfg := routerConfig(
		map[string]*config.Provider{"prov": openaiProvider(srv.URL, "m")},
		map[string]config.RouteTargets{"default": {{Provider: "prov", Model: "m"}}})
	rt, board := buildRouter(t, cfg)

	// Step the clock past the cooldown cap on every read so the pipeline has
	// healed by the time the loop picks again; only the retry budget can
	// stop it.
	step := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	board.now = func() time.Time {
		step = step.Add(10 * time.Minute)
		return step
	}

	err := rt.Dispatch(t.Context(), newExchange(t, messagesRequest()))
	require.Error(t, err)

	apiErr := apierror.AsError(err)
	require.Equal(t, apierror.KindUpstreamServer, apiErr.Kind)
	require.Equal(t, 503, apiErr.UpstreamStatus)
	require.Contains(t, apiErr.Message, "after 3 attempts")
	require.Equal(t, 3, calls)
}

func TestDispatchNoHealthyPipeline(t *testing.T) {
	var calls int
	srv := chatUpstream("unused", &calls)
	defer srv.Close()

	cfg := routerConfig(
		map[string]*config.Provider{"prov": openaiProvider(srv.URL, "m")},
		map[string]config.RouteTargets{"default": {{Provider: "prov", Model: "m"}}})
	rt, board := buildRouter(t, cfg)
	board.Blacklist("pipeline_prov_m")

	err := rt.Dispatch(t.Context(), newExchange(t, messagesRequest()))
	require.Error(t, err)

	apiErr := apierror.AsError(err)
	require.Equal(t, apierror.KindUpstreamServer, apiErr.Kind)
	require.Equal(t, "req-1", apiErr.RequestID)
	require.Zero(t, calls)
}

func TestDispatchStaysOnRoute(t *testing.T) {
	var bgCalls, defaultCalls int
	bg := failingUpstream(503, `{"error": {"message": "overloaded", "type": "server_error", "code": 503}}`, &bgCalls)
	defer bg.Close()
	def := chatUpstream("unused", &defaultCalls)
	defer def.Close()

	cfg := routerConfig(
		map[string]*config.Provider{
			"bgprov":  openaiProvider(bg.URL, "m"),
			"defprov": openaiProvider(def.URL, "m"),
		},
		map[string]config.RouteTargets{
			"default":    {{Provider: "defprov", Model: "m"}},
			"background": {{Provider: "bgprov", Model: "m"}},
		})
	rt, _ := buildRouter(t, cfg)

	req := messagesRequest()
	req.Metadata = &anthropic.Metadata{Background: true}
	ex := newExchange(t, req)

	err := rt.Dispatch(t.Context(), ex)
	require.Error(t, err)
	require.Equal(t, "background", ex.RouteName)
	require.Equal(t, 503, apierror.AsError(err).UpstreamStatus)

	// Failover never spills onto another route, healthy or not.
	require.Equal(t, 1, bgCalls)
	require.Zero(t, defaultCalls)
}

func TestDispatchRecordsFailoverMetrics(t *testing.T) {
	var primaryCalls, backupCalls int
	primary := failingUpstream(429, `{"error": {"message": "slow down", "type": "rate_limit_exceeded", "code": 429}}`, &primaryCalls)
	defer primary.Close()
	backup := chatUpstream("Fine.", &backupCalls)
	defer backup.Close()

	cfg := routerConfig(
		map[string]*config.Provider{
			"prim": openaiProvider(primary.URL, "m"),
			"back": openaiProvider(backup.URL, "m"),
		},
		map[string]config.RouteTargets{"default": {
			{Provider: "prim", Model: "m"},
			{Provider: "back", Model: "m"},
		}})
	rt, _ := buildRouter(t, cfg)

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	msgs := metrics.NewMessages(meter)
	msgs.StartRequest()

	ex := newExchange(t, messagesRequest())
	ex.Metrics = msgs
	require.NoError(t, rt.Dispatch(t.Context(), ex))
	require.Equal(t, 1, primaryCalls)
	require.Equal(t, 1, backupCalls)

	require.Equal(t, 1.0, counterTotal(t, reader, "modelmux.pipeline.switches"))
	require.Equal(t, 1.0, counterTotal(t, reader, "modelmux.upstream.key_cooldowns"))
}

// counterTotal sums every data point of the named counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) float64 {
	t.Helper()
	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &data))

	total := 0.0
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[float64])
			require.True(t, ok, "metric %s is not a float64 sum", name)
			for _, p := range sum.DataPoints {
				total += p.Value
			}
		}
	}
	return total
}

func TestRouterDestroy(t *testing.T) {
	var primaryCalls, backupCalls int
	primary := chatUpstream("From primary.", &primaryCalls)
	defer primary.Close()
	backup := chatUpstream("From backup.", &backupCalls)
	defer backup.Close()

	cfg := routerConfig(
		map[string]*config.Provider{
			"prim": openaiProvider(primary.URL, "m"),
			"back": openaiProvider(backup.URL, "m"),
		},
		map[string]config.RouteTargets{"default": {
			{Provider: "prim", Model: "m"},
			{Provider: "back", Model: "m"},
		}})
	rt, board := buildRouter(t, cfg)

	rt.Destroy("pipeline_prim_m")
	require.Equal(t, []string{"pipeline_back_m"}, rt.RouteIDs("default"))
	require.Equal(t, StatusDestroyed, board.Status("pipeline_prim_m"))

	require.NoError(t, rt.Dispatch(t.Context(), newExchange(t, messagesRequest())))
	require.Zero(t, primaryCalls)
	require.Equal(t, 1, backupCalls)

	// Not even a reset brings a destroyed pipeline back.
	board.Reset("pipeline_prim_m")
	require.Equal(t, StatusDestroyed, board.Status("pipeline_prim_m"))
}
