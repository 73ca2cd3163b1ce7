// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package apierror defines the error taxonomy shared by every gateway layer.
// Errors carry enough context to pick an HTTP status, an Anthropic error
// envelope type, and a retry classification without string matching at the
// surface.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind names the failure category. Kinds are stable identifiers; handlers
// and the switching controller branch on them.
type Kind string

const (
	KindConfiguration    Kind = "configuration_error"
	KindValidation       Kind = "validation_error"
	KindRouting          Kind = "routing_error"
	KindAuth             Kind = "auth_error"
	KindRateLimit        Kind = "rate_limit_error"
	KindUpstreamServer   Kind = "upstream_server_error"
	KindUpstreamTimeout  Kind = "upstream_timeout_error"
	KindUpstreamProtocol Kind = "upstream_protocol_error"
	KindTransform        Kind = "transform_error"
	KindInternal         Kind = "internal_error"
)

// Error is the single error shape that crosses layer boundaries.
type Error struct {
	Kind        Kind   `json:"kind"`
	Message     string `json:"message"`
	SourceLayer string `json:"sourceLayer,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	// UpstreamStatus is the HTTP status returned by the provider, when the
	// failure originated upstream. Zero otherwise.
	UpstreamStatus int `json:"upstreamStatusCode,omitempty"`

	cause error
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that unwraps to cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.SourceLayer != "" {
		return fmt.Sprintf("%s: %s (layer %s)", e.Kind, e.Message, e.SourceLayer)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithLayer records the pipeline layer the error escaped from. The first
// layer to stamp wins; outer wrappers must not overwrite attribution.
func (e *Error) WithLayer(layer string) *Error {
	if e.SourceLayer == "" {
		e.SourceLayer = layer
	}
	return e
}

// WithRequestID attaches the gateway request id.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithUpstreamStatus records the provider's HTTP status.
func (e *Error) WithUpstreamStatus(status int) *Error {
	e.UpstreamStatus = status
	return e
}

// AsError extracts an *Error from err's chain. Errors that are not part of
// the taxonomy come back as KindInternal so callers always have a kind to
// act on.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error(), cause: err}
}

// HTTPStatus maps the error onto the status the front server answers with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		if e.UpstreamStatus == http.StatusForbidden {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindRouting:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstreamServer, KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindConfiguration, KindTransform, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AnthropicType maps the error onto the `error.type` value of the Anthropic
// error envelope, which is what clients of /v1/messages key off.
func (e *Error) AnthropicType() string {
	switch e.Kind {
	case KindValidation:
		return "invalid_request_error"
	case KindAuth:
		if e.UpstreamStatus == http.StatusForbidden {
			return "permission_error"
		}
		return "authentication_error"
	case KindRouting:
		return "not_found_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindUpstreamServer, KindUpstreamProtocol:
		return "api_error"
	case KindUpstreamTimeout:
		return "timeout_error"
	default:
		return "api_error"
	}
}

// Terminal reports whether the error must be surfaced to the client without
// any pipeline switching. Client-side kinds are never retried; the
// switching controller applies finer status-based rules for upstream kinds.
func (e *Error) Terminal() bool {
	switch e.Kind {
	case KindValidation, KindTransform, KindConfiguration:
		return true
	}
	switch e.UpstreamStatus {
	case http.StatusBadRequest,
		http.StatusRequestEntityTooLarge,
		http.StatusRequestURITooLong,
		http.StatusUnsupportedMediaType:
		return true
	}
	return false
}
