// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package protocol frames provider exchanges on the wire. A Dialect knows
// the endpoint layout and protocol headers of one provider family; the
// server-sent event scanner is shared by every streaming dialect.
package protocol

import (
	"mime"
	"net/http"
	"strings"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/config"
)

// Dialect is the wire framing for one provider and model pair. It owns the
// URL layout and protocol headers of an exchange; authentication headers
// belong to the upstream layer, which owns key selection.
type Dialect struct {
	family  config.Family
	baseURL string
	model   string
	version string
}

// New builds the dialect for exchanges against the given provider. The
// model is the provider-native model name, already mapped from the virtual
// one.
func New(provider *config.Provider, model string) *Dialect {
	return &Dialect{
		family:  provider.Protocol,
		baseURL: provider.APIBaseURL,
		model:   model,
		version: provider.AnthropicVersion,
	}
}

// Endpoint returns the URL the exchange posts to. Streaming changes the URL
// only for the gemini family, which splits the operation across two RPC
// methods; the other families signal streaming in the request body.
func (d *Dialect) Endpoint(streaming bool) string {
	switch d.family {
	case config.FamilyGemini:
		method := ":generateContent"
		if streaming {
			method = ":streamGenerateContent?alt=sse"
		}
		return joinBase(d.baseURL, "v1beta", "/models/"+d.model+method)
	case config.FamilyAnthropic:
		return joinBase(d.baseURL, "v1", "/messages")
	default:
		return joinBase(d.baseURL, "v1", "/chat/completions")
	}
}

// ApplyHeaders sets the protocol headers for one exchange.
func (d *Dialect) ApplyHeaders(h http.Header, streaming bool) {
	h.Set("Content-Type", "application/json")
	if streaming {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	if d.family == config.FamilyAnthropic {
		h.Set("anthropic-version", d.version)
	}
}

// joinBase joins the configured base URL with the dialect path. The join is
// idempotent over the API version segment so a base may be configured as
// either "https://host" or "https://host/v1".
func joinBase(base, version, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/"+version) {
		base += "/" + version
	}
	return base + path
}

// CheckEventStream inspects the Content-Type of a streaming exchange and
// rejects responses that announce a non-SSE body, such as a local server
// answering a stream request with plain JSON. Absent or unparseable
// Content-Types pass; FrameScanner still guards the body framing itself.
func CheckEventStream(h http.Header) error {
	ct := h.Get("Content-Type")
	if ct == "" {
		return nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt == "text/event-stream" {
		return nil
	}
	return apierror.New(apierror.KindUpstreamProtocol,
		"upstream answered a streaming request with Content-Type %q", mt)
}
