// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package translator converts Messages exchanges between the canonical
// Anthropic envelope and the dialect each provider family speaks. One
// translator instance serves exactly one exchange: request out, response
// (or stream) back in.
package translator

import (
	"io"
	"net/http"

	"github.com/modelmux/modelmux/internal/apischema/anthropic"
)

// MessagesTranslator translates one Messages exchange between the canonical
// envelope and a provider-native API schema.
//
// This is created per request and is not thread-safe: the streaming methods
// keep parser state across frames.
type MessagesTranslator interface {
	// RequestBody translates the canonical request into the provider-native
	// request body.
	// 	- `raw` is the canonical request body as received from the client,
	// 	  preserved so passthrough providers keep fields the gateway does not
	// 	  model.
	// 	- `req` is the same body parsed into the [anthropic.MessagesRequest].
	// 	  Mutations made by earlier layers (Stream) are authoritative over
	// 	  `raw`.
	RequestBody(raw []byte, req *anthropic.MessagesRequest) ([]byte, error)

	// ResponseBody translates a complete provider-native response body into
	// the canonical response.
	//  - This returns `tokenUsage` extracted from the body; it feeds metrics
	//    and never fails the translation when absent.
	ResponseBody(body io.Reader) (*anthropic.MessagesResponse, TokenUsage, error)

	// ResponseStream translates one decoded provider stream frame into zero
	// or more canonical events. The final call passes endOfStream=true with
	// empty data so buffered state (partial tool arguments, stop reason,
	// usage) flushes.
	//  - The returned usage is cumulative; the value from the endOfStream
	//    call is final.
	ResponseStream(data []byte, endOfStream bool) ([]anthropic.StreamEvent, TokenUsage, error)

	// ResponseError translates a provider-native error body into the
	// canonical error envelope. Bodies that do not parse as the provider's
	// error schema surface verbatim as the message, so no upstream detail is
	// lost.
	ResponseError(statusCode int, body io.Reader) (*anthropic.ErrorResponse, error)
}

// TokenUsage represents the token usage reported by the provider in the
// response body.
type TokenUsage struct {
	// InputTokens is the number of tokens consumed from the input.
	InputTokens uint32
	// OutputTokens is the number of tokens consumed from the output.
	OutputTokens uint32
	// TotalTokens is the total number of tokens consumed.
	TotalTokens uint32
}

// newErrorResponse builds the canonical error envelope for an upstream
// failure.
func newErrorResponse(statusCode int, message string) *anthropic.ErrorResponse {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &anthropic.ErrorResponse{
		Type:  "error",
		Error: anthropic.ErrorDetail{Type: errorTypeForStatus(statusCode), Message: message},
	}
}

// errorTypeForStatus maps an upstream HTTP status onto the error taxonomy of
// the canonical envelope.
// https://docs.claude.com/en/api/errors
func errorTypeForStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
