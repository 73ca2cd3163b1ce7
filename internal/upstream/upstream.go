// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package upstream is the server layer: it owns the outbound HTTP client,
// API key selection and health, and the mapping of upstream failures onto
// the error taxonomy.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/version"
)

const (
	// responseHeaderTimeout backstops providers that accept the connection
	// and never answer. Generous: reasoning models hold the first byte for
	// a long time, and the per-request context deadline governs overall.
	responseHeaderTimeout = 5 * time.Minute
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	// maxIdleConnsPerHost is raised from the stdlib default of 2; the
	// gateway funnels every request at a handful of provider hosts.
	maxIdleConnsPerHost = 32

	// errorBodyLimit caps how much of an upstream error body is read into
	// memory and error messages.
	errorBodyLimit = 64 << 10
)

// Request is one outbound provider exchange, fully formed by the protocol
// and compatibility layers.
type Request struct {
	// URL is the endpoint the exchange posts to.
	URL string
	// Header carries the protocol headers. Auth is attached on send.
	Header http.Header
	// Body is the provider-native request payload.
	Body []byte
	// Family selects the auth header style.
	Family config.Family
	// Key is the API key to spend on this exchange. Empty sends no auth
	// header at all, which keyless local servers expect.
	Key string
}

// Response is the provider's answer with the body left streaming. The
// caller owns Body and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client is the shared outbound HTTP client. One instance serves every
// pipeline; the transport pools connections per provider host.
type Client struct {
	http *http.Client
}

// NewClient builds the tuned shared client. Compression is disabled so SSE
// frames are never held back in a decoder buffer, and the transport is
// wrapped for trace propagation.
func NewClient() *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}
	return &Client{
		http: &http.Client{Transport: otelhttp.NewTransport(transport)},
	}
}

// Do posts the exchange and returns the response with its body streaming.
// Per-request deadlines arrive on ctx; the pipeline derives them from the
// provider timeout. Transport failures come back as taxonomy errors with
// classifier-friendly wording. HTTP error statuses are not consumed here:
// the pipeline reads the body for error translation and maps the status
// via StatusError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, err, "failed to build upstream request")
	}
	if req.Header != nil {
		hreq.Header = req.Header.Clone()
	}
	hreq.Header.Set("User-Agent", "modelmux/"+version.String())
	applyAuth(hreq.Header, req.Family, req.Key)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, transportError(err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// applyAuth attaches the family's auth header. The anthropic-version
// header is protocol, not auth, and is already present.
func applyAuth(h http.Header, family config.Family, key string) {
	if key == "" {
		return
	}
	switch family {
	case config.FamilyAnthropic:
		h.Set("x-api-key", key)
	case config.FamilyGemini:
		h.Set("x-goog-api-key", key)
	default:
		h.Set("Authorization", "Bearer "+key)
	}
}

// transportError maps a client-side send failure onto the taxonomy. The
// wording carries "timeout" and "connection" keywords the router's error
// classifier keys on.
func transportError(err error) *apierror.Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return apierror.Wrap(apierror.KindUpstreamTimeout, err, "upstream request timeout: %v", err)
	case errors.Is(err, context.Canceled):
		return apierror.Wrap(apierror.KindInternal, err, "upstream request canceled: %v", err)
	default:
		return apierror.Wrap(apierror.KindUpstreamServer, err, "upstream connection failed: %v", err)
	}
}

// StatusError maps an upstream HTTP error status onto the taxonomy. The
// body head rides in the message so the classifier sees provider wording
// such as "rate limit" or "overloaded".
func StatusError(status int, body []byte) *apierror.Error {
	var kind apierror.Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = apierror.KindAuth
	case status == http.StatusTooManyRequests:
		kind = apierror.KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = apierror.KindUpstreamTimeout
	default:
		kind = apierror.KindUpstreamServer
	}
	return apierror.New(kind, "upstream returned status %d: %s", status, headText(body)).
		WithUpstreamStatus(status)
}

// ReadErrorBody drains an error response up to errorBodyLimit and closes
// it. Read errors surrender whatever arrived.
func ReadErrorBody(r io.ReadCloser) []byte {
	defer r.Close()
	body, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	return body
}

// headText renders the head of an error body for a message.
func headText(b []byte) string {
	const limit = 400
	b = bytes.TrimSpace(b)
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
