// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/compat"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/protocol"
	"github.com/modelmux/modelmux/internal/translator"
	"github.com/modelmux/modelmux/internal/upstream"
)

// Layer is one pipeline stage. Layers are constructed once per pipeline and
// shared across concurrent exchanges, so they hold no request state; every
// artifact lives on the Exchange.
type Layer interface {
	Name() string
	ProcessRequest(ctx context.Context, ex *Exchange) error
	ProcessResponse(ctx context.Context, ex *Exchange) error
}

// clientLayer guards the canonical envelope at both ends of the chain.
type clientLayer struct{}

func (clientLayer) Name() string { return string(LayerClient) }

func (clientLayer) ProcessRequest(_ context.Context, ex *Exchange) error {
	if ex.Request == nil || len(ex.Raw) == 0 {
		return apierror.New(apierror.KindInternal, "exchange carries no canonical request")
	}
	if ex.RequestID == "" {
		ex.RequestID = uuid.NewString()
	}
	return nil
}

func (clientLayer) ProcessResponse(_ context.Context, ex *Exchange) error {
	if ex.Events == nil && ex.Response == nil {
		return apierror.New(apierror.KindInternal, "pipeline produced no canonical response")
	}
	return nil
}

// routerLayer stamps the pipeline identity onto the exchange and decides the
// upstream leg: streaming passes through only when the client streams, the
// provider can stream, and no response fix forces buffering.
type routerLayer struct {
	pipelineID    string
	forceBuffered bool
}

func (routerLayer) Name() string { return string(LayerRouter) }

func (l routerLayer) ProcessRequest(_ context.Context, ex *Exchange) error {
	ex.PipelineID = l.pipelineID
	ex.VirtualModel = ex.Request.Model
	ex.UpstreamStreaming = ex.ClientStream && !l.forceBuffered
	return nil
}

func (routerLayer) ProcessResponse(context.Context, *Exchange) error { return nil }

// transformerLayer converts between the canonical envelope and the
// provider-native schema. Translators keep per-request parser state, so one
// is created per exchange from the factory.
type transformerLayer struct {
	factory   func() translator.MessagesTranslator
	chunkSize int
}

func (transformerLayer) Name() string { return string(LayerTransformer) }

func (l transformerLayer) ProcessRequest(_ context.Context, ex *Exchange) error {
	ex.xlat = l.factory()
	ex.Request.Stream = ex.UpstreamStreaming
	body, err := ex.xlat.RequestBody(ex.Raw, ex.Request)
	if err != nil {
		return apierror.Wrap(apierror.KindTransform, err, "request translation failed: %v", err)
	}
	ex.ProviderBody = body
	return nil
}

func (l transformerLayer) ProcessResponse(ctx context.Context, ex *Exchange) error {
	if ex.UpstreamStreaming {
		l.startProducer(ctx, ex)
		return nil
	}

	resp, usage, err := ex.xlat.ResponseBody(bytes.NewReader(ex.ProviderResponse))
	if err != nil {
		return apierror.Wrap(apierror.KindTransform, err, "response translation failed: %v", err)
	}
	ex.Response = resp
	ex.Usage = usage

	// A streaming client over a buffered leg gets the canonical sequence
	// synthesized from the complete response.
	if ex.ClientStream {
		l.startSimulated(ctx, ex, translator.SimulateStream(resp, l.chunkSize))
	}
	return nil
}

// startProducer wires the canonical event channel over the live frame
// stream. The goroutine owns the channel and the upstream body; it closes
// both on completion, error or ctx cancellation.
func (l transformerLayer) startProducer(ctx context.Context, ex *Exchange) {
	ch := make(chan StreamItem, streamChannelDepth)
	ex.Events = ch
	ex.producerStarted = true

	go func() {
		defer close(ch)
		defer ex.closeUpstream()
		for {
			frame, err := ex.frames.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				emit(ctx, ch, StreamItem{Err: streamReadError(err)})
				return
			}
			events, usage, err := ex.xlat.ResponseStream(frame.Data, false)
			if err != nil {
				emit(ctx, ch, StreamItem{Err: apierror.Wrap(apierror.KindTransform, err, "stream translation failed: %v", err)})
				return
			}
			ex.Usage = usage
			for _, ev := range events {
				if !emit(ctx, ch, StreamItem{Event: ev}) {
					return
				}
			}
		}
		events, usage, err := ex.xlat.ResponseStream(nil, true)
		if err != nil {
			emit(ctx, ch, StreamItem{Err: apierror.Wrap(apierror.KindTransform, err, "stream translation failed: %v", err)})
			return
		}
		ex.Usage = usage
		for _, ev := range events {
			if !emit(ctx, ch, StreamItem{Event: ev}) {
				return
			}
		}
	}()
}

// startSimulated replays pre-built events. The upstream body is already
// consumed and closed by the server layer on the buffered leg.
func (transformerLayer) startSimulated(ctx context.Context, ex *Exchange, events []anthropic.StreamEvent) {
	ch := make(chan StreamItem, streamChannelDepth)
	ex.Events = ch
	ex.producerStarted = true

	go func() {
		defer close(ch)
		defer ex.closeUpstream()
		for _, ev := range events {
			if !emit(ctx, ch, StreamItem{Event: ev}) {
				return
			}
		}
	}()
}

// translateError converts an upstream error body into the canonical
// envelope. Called by Execute outside the layer walk, after the server
// layer surfaced the status error.
func (l transformerLayer) translateError(ex *Exchange, status int, body []byte) *anthropic.ErrorResponse {
	xlat := ex.xlat
	if xlat == nil {
		xlat = l.factory()
	}
	envelope, err := xlat.ResponseError(status, bytes.NewReader(body))
	if err != nil {
		return nil
	}
	return envelope
}

// emit sends one item unless the client went away.
func emit(ctx context.Context, ch chan<- StreamItem, item StreamItem) bool {
	select {
	case ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamReadError keeps taxonomy errors intact and maps raw transport
// failures mid-stream to the upstream server kind.
func streamReadError(err error) error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return err
	}
	return apierror.Wrap(apierror.KindUpstreamServer, err, "upstream stream failed: %v", err)
}

// protocolLayer speaks the provider family's HTTP dialect: endpoint shape,
// protocol headers, and SSE framing on the way back.
type protocolLayer struct {
	dialect *protocol.Dialect
}

func (protocolLayer) Name() string { return string(LayerProtocol) }

func (l protocolLayer) ProcessRequest(_ context.Context, ex *Exchange) error {
	ex.OutboundURL = l.dialect.Endpoint(ex.UpstreamStreaming)
	h := make(http.Header)
	l.dialect.ApplyHeaders(h, ex.UpstreamStreaming)
	ex.OutboundHeader = h
	return nil
}

func (l protocolLayer) ProcessResponse(_ context.Context, ex *Exchange) error {
	if !ex.UpstreamStreaming {
		return nil
	}
	if err := protocol.CheckEventStream(ex.UpstreamHeader); err != nil {
		return err
	}
	ex.frames = protocol.NewFrameScanner(ex.UpstreamBody)
	return nil
}

// compatLayer applies the provider's quirk profile: parameter clamps and
// capability strips outbound, response fixes on buffered bodies inbound.
type compatLayer struct {
	layer *compat.Layer
}

func (compatLayer) Name() string { return string(LayerCompatibility) }

func (l compatLayer) ProcessRequest(_ context.Context, ex *Exchange) error {
	ex.ProviderBody = l.layer.PrepareRequest(ex.ProviderBody)
	return nil
}

func (l compatLayer) ProcessResponse(_ context.Context, ex *Exchange) error {
	if !ex.UpstreamStreaming {
		ex.ProviderResponse = l.layer.FixResponse(ex.ProviderResponse)
	}
	return nil
}

// serverLayer executes the HTTP call: key rotation, auth attachment, the
// per-call timeout, and upstream status interpretation.
type serverLayer struct {
	client       *upstream.Client
	ring         *upstream.Keyring
	family       config.Family
	providerName string
	timeout      time.Duration
}

func (serverLayer) Name() string { return string(LayerServer) }

func (l serverLayer) ProcessRequest(ctx context.Context, ex *Exchange) error {
	key, err := l.ring.Pick()
	if err != nil {
		// Every key is cooling down or disabled. The ring heals as
		// cooldowns lapse or when an operator resets it, so the error
		// kind classifies recoverable, not as an auth failure.
		return apierror.Wrap(apierror.KindRateLimit, err, "provider %s has no usable API key: %v", l.providerName, err)
	}
	ex.Key = key

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	ex.cancelUpstream = cancel
	resp, err := l.client.Do(callCtx, &upstream.Request{
		URL:    ex.OutboundURL,
		Header: ex.OutboundHeader,
		Body:   ex.ProviderBody,
		Family: l.family,
		Key:    key,
	})
	if err != nil {
		return err
	}
	ex.UpstreamStatus = resp.StatusCode
	ex.UpstreamHeader = resp.Header
	ex.UpstreamBody = resp.Body
	return nil
}

func (l serverLayer) ProcessResponse(_ context.Context, ex *Exchange) error {
	if ex.UpstreamStatus >= http.StatusBadRequest {
		body := upstream.ReadErrorBody(ex.UpstreamBody)
		ex.UpstreamBody = nil
		ex.UpstreamErrorBody = body
		l.reportOutcome(ex.Key, ex.UpstreamStatus)
		return upstream.StatusError(ex.UpstreamStatus, body)
	}

	l.ring.ReportSuccess(ex.Key)
	if ex.UpstreamStreaming {
		// The frame scanner takes the body from here; the producer
		// goroutine releases it.
		return nil
	}

	body, err := io.ReadAll(ex.UpstreamBody)
	ex.closeUpstream()
	if err != nil {
		return apierror.Wrap(apierror.KindUpstreamServer, err, "reading upstream response failed: %v", err)
	}
	ex.ProviderResponse = body
	return nil
}

// reportOutcome feeds the keyring's health tracking. Client-side 4xx other
// than auth and rate limits say nothing about the key.
func (l serverLayer) reportOutcome(key string, status int) {
	switch {
	case status == http.StatusTooManyRequests:
		l.ring.ReportRateLimited(key)
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status >= http.StatusInternalServerError:
		l.ring.ReportFailure(key)
	}
}
