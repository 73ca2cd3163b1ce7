// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/compat"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/debugtrace"
	"github.com/modelmux/modelmux/internal/protocol"
	"github.com/modelmux/modelmux/internal/translator"
	"github.com/modelmux/modelmux/internal/upstream"
)

// Pipeline is the constructed six-layer chain for one (provider, model)
// pair. It holds no request state and is shared across concurrent
// exchanges for its whole lifetime.
type Pipeline struct {
	ID           string
	ProviderName string
	Model        string
	Family       config.Family
	RetryBudget  int

	layers      [6]Layer
	transformer transformerLayer
	ring        *upstream.Keyring

	// err is set when layer construction failed; every Execute call
	// surfaces it. The pipeline stays registered so the health board can
	// hold its id blacklisted.
	err error
}

// Execute drives the exchange through all six layers: request path 1→6,
// response path 6→1. On error the failing layer is annotated into the
// returned apierror.Error, and an upstream error body, when present, is
// translated into the canonical envelope on the exchange.
//
// For streaming exchanges Execute returns once the upstream status is known
// and ex.Events is wired; the producer goroutine owns the channel and the
// upstream body from then on.
func (p *Pipeline) Execute(ctx context.Context, ex *Exchange) error {
	err := p.run(ctx, ex)
	if err != nil {
		apiErr := apierror.AsError(err)
		if apiErr.UpstreamStatus != 0 && len(ex.UpstreamErrorBody) > 0 {
			ex.ErrorEnvelope = p.transformer.translateError(ex, apiErr.UpstreamStatus, ex.UpstreamErrorBody)
		}
	}
	if !ex.producerStarted {
		ex.closeUpstream()
	}
	return err
}

func (p *Pipeline) run(ctx context.Context, ex *Exchange) error {
	if p.err != nil {
		// Copy before stamping: the construction error is shared across
		// every request hitting this blacklisted pipeline.
		src := apierror.AsError(p.err)
		return apierror.New(src.Kind, "%s", src.Message).
			WithLayer(src.SourceLayer).
			WithRequestID(ex.RequestID)
	}
	for _, layer := range p.layers {
		if err := layer.ProcessRequest(ctx, ex); err != nil {
			return p.annotate(err, layer, ex)
		}
		ex.Trace.Record(layer.Name(), debugtrace.DirectionRequest,
			ex.traceRequestPayload(LayerKind(layer.Name())))
	}
	for i := len(p.layers) - 1; i >= 0; i-- {
		layer := p.layers[i]
		if err := layer.ProcessResponse(ctx, ex); err != nil {
			return p.annotate(err, layer, ex)
		}
		ex.Trace.Record(layer.Name(), debugtrace.DirectionResponse,
			ex.traceResponsePayload(LayerKind(layer.Name())))
	}
	return nil
}

// annotate stamps the failing layer and request id. WithLayer keeps the
// first stamp, so layers that pre-annotate win.
func (p *Pipeline) annotate(err error, layer Layer, ex *Exchange) error {
	return apierror.AsError(err).WithLayer(layer.Name()).WithRequestID(ex.RequestID)
}

// Healthy reports whether construction succeeded.
func (p *Pipeline) Healthy() bool { return p.err == nil }

// Keys snapshots the pipeline's key health for /stats.
func (p *Pipeline) Keys() []upstream.KeyStatus {
	if p.ring == nil {
		return nil
	}
	return p.ring.Snapshot()
}

// ResetKeys restores every key to rotation. Operator surface.
func (p *Pipeline) ResetKeys() {
	if p.ring != nil {
		p.ring.Reset()
	}
}

// Set is the immutable pipeline registry built once at startup: pipelines
// by id plus the route→ids index, both read lock-free afterwards.
type Set struct {
	pipelines map[string]*Pipeline
	routes    map[string][]string
}

// Pipeline resolves an id.
func (s *Set) Pipeline(id string) (*Pipeline, bool) {
	p, ok := s.pipelines[id]
	return p, ok
}

// RouteIDs returns the priority-ordered pipeline ids serving a route, or
// nil for an unknown route.
func (s *Set) RouteIDs(route string) []string { return s.routes[route] }

// Routes returns the route names, sorted.
func (s *Set) Routes() []string {
	names := make([]string, 0, len(s.routes))
	for name := range s.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IDs returns every pipeline id, sorted.
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.pipelines))
	for id := range s.pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of distinct pipelines.
func (s *Set) Len() int { return len(s.pipelines) }

// Report summarizes one assembly run.
type Report struct {
	Healthy int
	Failed  int
	// Errors holds one construction error per failed blueprint.
	Errors []error
	// FailedIDs lists the pipelines to register blacklisted.
	FailedIDs []string
}

// Assembler constructs pipelines from blueprints. The HTTP client is shared
// by every server layer; the tracer may be nil.
type Assembler struct {
	Client *upstream.Client
	Logger *slog.Logger
}

// Assemble builds the pipeline set. Individual construction failures never
// abort the run: the failed pipeline is registered with its error so the
// health board can blacklist the id, and the report carries the details.
// Blueprints sharing an id (one pair serving several routes) construct once
// and index every route.
func (a *Assembler) Assemble(bps []Blueprint) (*Set, *Report) {
	if a.Logger == nil {
		a.Logger = slog.New(slog.DiscardHandler)
	}
	set := &Set{
		pipelines: make(map[string]*Pipeline, len(bps)),
		routes:    make(map[string][]string, len(bps)),
	}
	report := &Report{}

	for i := range bps {
		bp := &bps[i]
		if existing, ok := set.pipelines[bp.ID]; ok {
			set.routes[bp.RouteName] = append(set.routes[bp.RouteName], existing.ID)
			continue
		}

		p := a.build(bp)
		if p.err != nil {
			report.Failed++
			report.Errors = append(report.Errors, p.err)
			report.FailedIDs = append(report.FailedIDs, bp.ID)
			a.Logger.Warn("pipeline construction failed",
				slog.String("pipeline", bp.ID),
				slog.String("error", p.err.Error()))
		} else {
			report.Healthy++
			a.Logger.Debug("pipeline assembled",
				slog.String("pipeline", bp.ID),
				slog.String("route", bp.RouteName),
				slog.String("endpoint", bp.Endpoint))
		}
		set.pipelines[bp.ID] = p
		set.routes[bp.RouteName] = append(set.routes[bp.RouteName], bp.ID)
	}
	return set, report
}

func (a *Assembler) build(bp *Blueprint) *Pipeline {
	p := &Pipeline{
		ID:           bp.ID,
		ProviderName: bp.ProviderName,
		Model:        bp.Model,
		RetryBudget:  bp.RetryBudget,
	}
	if err := bp.Validate(); err != nil {
		p.err = err
		return p
	}
	p.Family = bp.Provider.Protocol

	factory, err := translatorFactory(bp.Provider.Protocol, bp.Model)
	if err != nil {
		p.err = apierror.AsError(err).WithLayer(string(LayerTransformer))
		return p
	}

	compatLyr := compat.New(bp.Provider, a.Logger)
	forceBuffered := compatLyr.Buffered() || !bp.Provider.SupportsStreaming()

	ring := upstream.NewKeyring(bp.Provider)
	ring.StartAt(bp.KeyIndex)
	p.ring = ring

	p.transformer = transformerLayer{factory: factory, chunkSize: bp.Provider.StreamChunkSize}
	p.layers = [6]Layer{
		clientLayer{},
		routerLayer{pipelineID: bp.ID, forceBuffered: forceBuffered},
		p.transformer,
		protocolLayer{dialect: protocol.New(bp.Provider, bp.Model)},
		compatLayer{layer: compatLyr},
		serverLayer{
			client:       a.Client,
			ring:         ring,
			family:       bp.Provider.Protocol,
			providerName: bp.ProviderName,
			timeout:      bp.Timeout,
		},
	}
	return p
}

// translatorFactory picks the transformer family. Translators keep
// per-request state, so pipelines store the constructor, not an instance.
func translatorFactory(family config.Family, model string) (func() translator.MessagesTranslator, error) {
	switch {
	case family == config.FamilyAnthropic:
		return func() translator.MessagesTranslator { return translator.NewAnthropicPassthrough(model) }, nil
	case family == config.FamilyGemini:
		return func() translator.MessagesTranslator { return translator.NewAnthropicToGemini(model) }, nil
	case family.ChatCompletions():
		return func() translator.MessagesTranslator { return translator.NewAnthropicToOpenAI(model) }, nil
	default:
		return nil, apierror.New(apierror.KindConfiguration, "no translator for protocol family %q", family)
	}
}
