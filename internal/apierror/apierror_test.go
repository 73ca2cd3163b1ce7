// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	e := New(KindRateLimit, "provider %s throttled", "p1")
	require.Equal(t, "rate_limit_error: provider p1 throttled", e.Error())

	e.WithLayer("server")
	require.Equal(t, "rate_limit_error: provider p1 throttled (layer server)", e.Error())
}

func TestWithLayerFirstStampWins(t *testing.T) {
	e := New(KindUpstreamServer, "boom").WithLayer("server").WithLayer("transformer")
	require.Equal(t, "server", e.SourceLayer)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	e := Wrap(KindUpstreamServer, cause, "call failed")
	require.ErrorIs(t, e, cause)
}

func TestAsError(t *testing.T) {
	t.Run("taxonomy error", func(t *testing.T) {
		orig := New(KindAuth, "bad key").WithUpstreamStatus(http.StatusUnauthorized)
		wrapped := fmt.Errorf("dispatch: %w", orig)
		got := AsError(wrapped)
		require.Same(t, orig, got)
	})
	t.Run("foreign error becomes internal", func(t *testing.T) {
		got := AsError(errors.New("whatever"))
		require.Equal(t, KindInternal, got.Kind)
		require.Equal(t, "whatever", got.Message)
	})
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"validation", New(KindValidation, "x"), http.StatusBadRequest},
		{"auth 401", New(KindAuth, "x").WithUpstreamStatus(401), http.StatusUnauthorized},
		{"auth 403", New(KindAuth, "x").WithUpstreamStatus(403), http.StatusForbidden},
		{"routing", New(KindRouting, "x"), http.StatusNotFound},
		{"rate limit", New(KindRateLimit, "x"), http.StatusTooManyRequests},
		{"upstream server", New(KindUpstreamServer, "x").WithUpstreamStatus(503), http.StatusBadGateway},
		{"upstream protocol", New(KindUpstreamProtocol, "x"), http.StatusBadGateway},
		{"timeout", New(KindUpstreamTimeout, "x"), http.StatusGatewayTimeout},
		{"transform", New(KindTransform, "x"), http.StatusInternalServerError},
		{"internal", New(KindInternal, "x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestAnthropicType(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"validation", New(KindValidation, "x"), "invalid_request_error"},
		{"auth", New(KindAuth, "x"), "authentication_error"},
		{"auth 403", New(KindAuth, "x").WithUpstreamStatus(403), "permission_error"},
		{"routing", New(KindRouting, "x"), "not_found_error"},
		{"rate limit", New(KindRateLimit, "x"), "rate_limit_error"},
		{"upstream", New(KindUpstreamServer, "x"), "api_error"},
		{"timeout", New(KindUpstreamTimeout, "x"), "timeout_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.err.AnthropicType())
		})
	}
}

func TestTerminal(t *testing.T) {
	require.True(t, New(KindValidation, "x").Terminal())
	require.True(t, New(KindTransform, "x").Terminal())
	require.True(t, New(KindUpstreamServer, "x").WithUpstreamStatus(400).Terminal())
	require.True(t, New(KindUpstreamServer, "x").WithUpstreamStatus(413).Terminal())
	require.True(t, New(KindUpstreamServer, "x").WithUpstreamStatus(414).Terminal())
	require.True(t, New(KindUpstreamServer, "x").WithUpstreamStatus(415).Terminal())
	require.False(t, New(KindUpstreamServer, "x").WithUpstreamStatus(503).Terminal())
	require.False(t, New(KindRateLimit, "x").WithUpstreamStatus(429).Terminal())
	require.False(t, New(KindAuth, "x").WithUpstreamStatus(401).Terminal())
}
