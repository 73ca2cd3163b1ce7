// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pipeline assembles and drives the six-layer processing chain that
// carries one Messages exchange to an upstream provider and back. Blueprints
// are materialized from configuration once at startup, assembled into
// reusable Pipeline values, and selected per request by the router.
package pipeline

import (
	"time"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/protocol"
)

// LayerKind names one of the six fixed pipeline stages.
type LayerKind string

const (
	LayerClient        LayerKind = "client"
	LayerRouter        LayerKind = "router"
	LayerTransformer   LayerKind = "transformer"
	LayerProtocol      LayerKind = "protocol"
	LayerCompatibility LayerKind = "compatibility"
	LayerServer        LayerKind = "server"
)

// layerOrder is the fixed stage order. Every blueprint carries all six
// descriptors even when a stage is a no-op for its provider.
var layerOrder = [6]LayerKind{
	LayerClient, LayerRouter, LayerTransformer,
	LayerProtocol, LayerCompatibility, LayerServer,
}

// LayerSpec describes one stage of a blueprint.
type LayerSpec struct {
	Kind LayerKind `json:"kind"`
	// Config holds the stage's display settings for the validate command
	// and /status. Secrets never appear here, only counts and names.
	Config map[string]any `json:"config,omitempty"`
}

// Blueprint is the buildable description of one pipeline: everything the
// assembler needs to construct six layer objects, and nothing live. Keys are
// referenced by index, never embedded.
type Blueprint struct {
	ID           string           `json:"id"`
	RouteName    string           `json:"routeName"`
	Provider     *config.Provider `json:"-"`
	ProviderName string           `json:"provider"`
	Model        string           `json:"model"`
	Endpoint     string           `json:"endpoint"`
	KeyIndex     int              `json:"keyIndex"`
	Timeout      time.Duration    `json:"timeout"`
	RetryBudget  int              `json:"retryBudget"`
	Layers       [6]LayerSpec     `json:"layers"`
}

// Validate rejects blueprints the assembler must not attempt.
func (b *Blueprint) Validate() error {
	if b.ID == "" {
		return apierror.New(apierror.KindConfiguration, "blueprint has no id")
	}
	if b.Endpoint == "" {
		return apierror.New(apierror.KindConfiguration, "blueprint %s has no endpoint", b.ID)
	}
	if b.Provider == nil {
		return apierror.New(apierror.KindConfiguration, "blueprint %s has no provider", b.ID)
	}
	if b.Model == "" {
		return apierror.New(apierror.KindConfiguration, "blueprint %s has no model", b.ID)
	}
	for i, spec := range b.Layers {
		if spec.Kind != layerOrder[i] {
			return apierror.New(apierror.KindConfiguration,
				"blueprint %s layer %d is %q, want %q", b.ID, i+1, spec.Kind, layerOrder[i])
		}
	}
	return nil
}

// PipelineID is the provider+model scoped identity shared by every route
// that targets the same pair.
func PipelineID(provider, model string) string {
	return "pipeline_" + provider + "_" + model
}

// BuildBlueprints turns the validated configuration into one blueprint per
// (route, target), priority order preserved within each route. Routes are
// walked in sorted name order so the output is deterministic.
func BuildBlueprints(cfg *config.Config) ([]Blueprint, error) {
	table, err := cfg.RoutingTable()
	if err != nil {
		return nil, apierror.Wrap(apierror.KindConfiguration, err, "routing table rejected: %v", err)
	}

	var bps []Blueprint
	seenPerRoute := make(map[string]bool)
	pipelinesPerProvider := make(map[string]int)
	keyIndexByID := make(map[string]int)

	for _, route := range cfg.Routing.RouteNames() {
		for _, target := range table.Routes[route] {
			id := PipelineID(target.Provider, target.Model)
			routeKey := route + "\x00" + id
			if seenPerRoute[routeKey] {
				return nil, apierror.New(apierror.KindConfiguration,
					"route %q lists target %q twice", route, target.String())
			}
			seenPerRoute[routeKey] = true

			provider := cfg.Providers[target.Provider]
			keyIndex, ok := keyIndexByID[id]
			if !ok {
				if n := len(provider.APIKey); n > 0 {
					keyIndex = pipelinesPerProvider[target.Provider] % n
				}
				keyIndexByID[id] = keyIndex
				pipelinesPerProvider[target.Provider]++
			}

			bp := Blueprint{
				ID:           id,
				RouteName:    route,
				Provider:     provider,
				ProviderName: target.Provider,
				Model:        target.Model,
				Endpoint:     protocol.New(provider, target.Model).Endpoint(false),
				KeyIndex:     keyIndex,
				Timeout:      provider.Timeout(cfg.RequestTimeout()),
				RetryBudget:  cfg.Server.MaxRetries,
				Layers:       layerSpecs(provider, target.Model),
			}
			if err := bp.Validate(); err != nil {
				return nil, err
			}
			bps = append(bps, bp)
		}
	}
	return bps, nil
}

func layerSpecs(p *config.Provider, model string) [6]LayerSpec {
	return [6]LayerSpec{
		{Kind: LayerClient},
		{Kind: LayerRouter},
		{Kind: LayerTransformer, Config: map[string]any{
			"family": string(p.Protocol),
			"model":  model,
		}},
		{Kind: LayerProtocol, Config: map[string]any{
			"family":  string(p.Protocol),
			"baseUrl": p.APIBaseURL,
		}},
		{Kind: LayerCompatibility, Config: map[string]any{
			"fixes":     len(p.ResponseFixes),
			"streaming": p.SupportsStreaming(),
		}},
		{Kind: LayerServer, Config: map[string]any{
			"keys":     len(p.APIKey),
			"rotation": string(p.KeyRotation),
		}},
	}
}
