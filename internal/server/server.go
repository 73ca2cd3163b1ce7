// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package server is the front HTTP surface: the Anthropic-compatible
// /v1/messages endpoint plus the health, status, stats, shutdown and
// metrics side doors. It owns the flow controller and is the only layer
// that writes to clients.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/debugtrace"
	"github.com/modelmux/modelmux/internal/flow"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/router"
)

// Options carries the assembled engine into the server.
type Options struct {
	Config *config.Config
	Set    *pipeline.Set
	Board  *router.Board
	Router *router.Router
	// Tracer may be nil; requests then carry no trace.
	Tracer *debugtrace.Tracer
	// Metrics builds one instrument surface per request. Nil disables
	// request metrics.
	Metrics metrics.MessagesFactory
	// MetricsHandler serves GET /metrics. Nil removes the route.
	MetricsHandler http.Handler
	// Shutdown is invoked by POST /shutdown to stop the process.
	Shutdown func()
	Logger   *slog.Logger
}

// Server handles the inbound HTTP surface.
type Server struct {
	cfg            *config.Config
	set            *pipeline.Set
	board          *router.Board
	router         *router.Router
	flow           *flow.Controller
	tracer         *debugtrace.Tracer
	metricsFactory metrics.MessagesFactory
	metricsHandler http.Handler
	shutdown       func()
	logger         *slog.Logger
	validate       *validator.Validate
	started        time.Time
}

// New wires the server and its flow controller.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:            opts.Config,
		set:            opts.Set,
		board:          opts.Board,
		router:         opts.Router,
		tracer:         opts.Tracer,
		metricsFactory: opts.Metrics,
		metricsHandler: opts.MetricsHandler,
		shutdown:       opts.Shutdown,
		logger:         logger,
		validate:       newRequestValidator(),
		started:        time.Now(),
	}
	s.flow = flow.New(opts.Config.Flow, s.dispatch, logger)
	return s
}

// newRequestValidator reports violations under the wire field names.
func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the route tree.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Post("/v1/messages", s.handleMessages)
	mux.Get("/health", s.handleHealth)
	mux.Get("/status", s.handleStatus)
	mux.Get("/stats", s.handleStats)
	mux.Post("/shutdown", s.handleShutdown)
	mux.Post("/reset", s.handleReset)
	if s.metricsHandler != nil {
		mux.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	return mux
}

// Run drives the flow controller's idle sweeper until ctx fires.
func (s *Server) Run(ctx context.Context) error {
	return s.flow.Run(ctx)
}

// Flow exposes the scheduler, mainly so operators and tests can reach
// CancelConversation and Stats without another seam.
func (s *Server) Flow() *flow.Controller { return s.flow }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the Anthropic error envelope. A translated upstream
// envelope wins over the taxonomy rendering when one survived the exchange,
// so clients see what the provider actually said.
func (s *Server) writeError(w http.ResponseWriter, requestID string, err error, envelope *anthropic.ErrorResponse) {
	e := apierror.AsError(err)
	if e.RequestID == "" {
		e = e.WithRequestID(requestID)
	}
	s.logger.Warn("request failed",
		slog.String("requestId", requestID),
		slog.String("kind", string(e.Kind)),
		slog.String("layer", e.SourceLayer),
		slog.Int("status", e.HTTPStatus()),
		slog.String("error", e.Error()))

	body := anthropic.ErrorResponse{
		Type:  "error",
		Error: anthropic.ErrorDetail{Type: e.AnthropicType(), Message: e.Message},
	}
	if envelope != nil && envelope.Error.Message != "" {
		body = *envelope
	}
	writeJSON(w, e.HTTPStatus(), body)
}
