// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/debugtrace"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/protocol"
	"github.com/modelmux/modelmux/internal/translator"
)

// StreamItem is one canonical event from the producer goroutine, or its
// terminal error. After an item with Err set, the channel closes.
type StreamItem struct {
	Event anthropic.StreamEvent
	Err   error
}

// streamChannelDepth buffers the producer so slow clients do not stall the
// frame scanner on every event.
const streamChannelDepth = 16

// Exchange carries one request through the six layers and back. Each stage
// reads the artifacts of earlier stages and writes its own. An Exchange
// serves exactly one Execute call; pipelines themselves are stateless and
// shared.
type Exchange struct {
	// RequestID is the client-visible correlation id. The client layer
	// assigns one when empty.
	RequestID string
	// Raw is the canonical request body exactly as the client sent it.
	Raw []byte
	// Request is Raw decoded. Layer mutations (Stream) are authoritative
	// over Raw for the transformer.
	Request *anthropic.MessagesRequest
	// ClientStream records whether the client asked for server-sent events.
	ClientStream bool
	// Trace records layer transitions when debug mode is on. Nil is inert.
	Trace *debugtrace.RequestTrace
	// Metrics is the per-request instrument surface. Nil is inert.
	Metrics metrics.Messages

	// RouteName is the route the dispatcher resolved for this request. All
	// failover attempts stay within it.
	RouteName string

	// Stamped by the router layer.
	PipelineID   string
	VirtualModel string
	// UpstreamStreaming is the leg decision: false when the client wants a
	// buffered response, the provider cannot stream, or response fixes
	// force buffering. The transformer copies it into Request.Stream.
	UpstreamStreaming bool

	// Provider-native request artifacts.
	ProviderBody   []byte
	OutboundURL    string
	OutboundHeader http.Header

	// Upstream call artifacts, owned by the server layer.
	Key               string
	UpstreamStatus    int
	UpstreamHeader    http.Header
	UpstreamBody      io.ReadCloser
	UpstreamErrorBody []byte
	cancelUpstream    context.CancelFunc

	// Response artifacts.
	ProviderResponse []byte
	Response         *anthropic.MessagesResponse
	// Events is non-nil exactly when the client streams. The producer
	// goroutine closes it after the final event or a terminal error.
	Events <-chan StreamItem
	// Usage is final once the buffered response is translated, or once
	// Events closes.
	Usage translator.TokenUsage
	// ErrorEnvelope carries the translated upstream error when Execute
	// fails on a provider error body.
	ErrorEnvelope *anthropic.ErrorResponse

	xlat            translator.MessagesTranslator
	frames          *protocol.FrameScanner
	producerStarted bool
}

// Reset clears every per-attempt artifact so the dispatcher can replay the
// exchange on another pipeline. Identity, the canonical request, and the
// per-request trace and metrics handles survive. Only valid after a failed
// Execute, which never leaves a producer goroutine behind.
func (ex *Exchange) Reset() {
	ex.closeUpstream()
	ex.PipelineID = ""
	ex.VirtualModel = ""
	ex.UpstreamStreaming = false
	ex.ProviderBody = nil
	ex.OutboundURL = ""
	ex.OutboundHeader = nil
	ex.Key = ""
	ex.UpstreamStatus = 0
	ex.UpstreamHeader = nil
	ex.UpstreamErrorBody = nil
	ex.ProviderResponse = nil
	ex.Response = nil
	ex.Events = nil
	ex.Usage = translator.TokenUsage{}
	ex.ErrorEnvelope = nil
	ex.xlat = nil
	ex.frames = nil
	ex.producerStarted = false
}

// closeUpstream releases the upstream body and its call context. Idempotent;
// exactly one goroutine calls it per exchange (the producer once started,
// Execute otherwise).
func (ex *Exchange) closeUpstream() {
	if ex.UpstreamBody != nil {
		_ = ex.UpstreamBody.Close()
		ex.UpstreamBody = nil
	}
	if ex.cancelUpstream != nil {
		ex.cancelUpstream()
		ex.cancelUpstream = nil
	}
}

// traceRequestPayload is the per-layer snapshot dumped on the request path.
func (ex *Exchange) traceRequestPayload(kind LayerKind) any {
	switch kind {
	case LayerClient:
		return map[string]any{
			"requestId": ex.RequestID,
			"stream":    ex.ClientStream,
			"body":      rawJSON(ex.Raw),
		}
	case LayerRouter:
		return map[string]any{
			"route":             ex.RouteName,
			"pipelineId":        ex.PipelineID,
			"virtualModel":      ex.VirtualModel,
			"upstreamStreaming": ex.UpstreamStreaming,
		}
	case LayerTransformer, LayerCompatibility:
		return map[string]any{"body": rawJSON(ex.ProviderBody)}
	case LayerProtocol:
		return map[string]any{
			"url":     ex.OutboundURL,
			"headers": ex.OutboundHeader,
		}
	case LayerServer:
		return map[string]any{
			"url":       ex.OutboundURL,
			"bodyBytes": len(ex.ProviderBody),
		}
	}
	return nil
}

// traceResponsePayload is the per-layer snapshot dumped on the response path.
func (ex *Exchange) traceResponsePayload(kind LayerKind) any {
	switch kind {
	case LayerServer:
		return map[string]any{
			"status":    ex.UpstreamStatus,
			"streaming": ex.UpstreamStreaming,
		}
	case LayerCompatibility, LayerProtocol:
		if ex.UpstreamStreaming {
			return map[string]any{"streaming": true}
		}
		return map[string]any{"body": rawJSON(ex.ProviderResponse)}
	case LayerTransformer, LayerClient:
		if ex.Events != nil {
			return map[string]any{"streaming": true}
		}
		return map[string]any{"response": ex.Response}
	case LayerRouter:
		return map[string]any{"pipelineId": ex.PipelineID}
	}
	return nil
}

// rawJSON keeps wire bodies readable in trace files instead of base64.
func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
