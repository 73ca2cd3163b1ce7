// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package router resolves a route for each canonical request and drives the
// failover loop across the pipelines serving it, backed by a health board
// that remembers how each pipeline has been behaving.
package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/apierror"
	"github.com/modelmux/modelmux/internal/apischema/anthropic"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/pipeline"
)

// Route names with built-in selection heuristics. Operators can add routes
// under any other name and address them directly via the model field.
const (
	RouteDefault     = "default"
	RouteBackground  = "background"
	RouteToolUse     = "tooluse"
	RouteLongContext = "longcontext"
	RouteThinking    = "thinking"
	RouteSearch      = "search"
)

// Router owns route resolution and failover. It holds its own copy of the
// route index so Destroy can drop a pipeline without touching the shared
// set.
type Router struct {
	set       *pipeline.Set
	board     *Board
	logger    *slog.Logger
	threshold int
	destroy   bool

	mu     sync.Mutex
	routes map[string][]string
}

// New builds a router over an assembled pipeline set. threshold is the
// character count beyond which a conversation routes to longcontext; zero
// picks the configuration default. destroy removes blacklisted pipelines
// from their routes for good rather than leaving them to an operator reset.
func New(set *pipeline.Set, board *Board, threshold int, destroy bool, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if threshold <= 0 {
		threshold = config.DefaultLongContextThreshold
	}
	routes := make(map[string][]string, len(set.Routes()))
	for _, route := range set.Routes() {
		routes[route] = append([]string(nil), set.RouteIDs(route)...)
	}
	return &Router{
		set:       set,
		board:     board,
		logger:    logger,
		threshold: threshold,
		destroy:   destroy,
		routes:    routes,
	}
}

// Resolve picks the route for a request. A model that names a configured
// route is honored directly; otherwise the category heuristics run in fixed
// order, and categories without a configured route fall back to default.
func (r *Router) Resolve(req *anthropic.MessagesRequest) string {
	if req == nil {
		return RouteDefault
	}
	if req.Model != "" && req.Model != RouteDefault && r.hasRoute(req.Model) {
		return req.Model
	}
	route := r.categorize(req)
	if !r.hasRoute(route) {
		return RouteDefault
	}
	return route
}

// categorize applies the selection heuristics. Background work outranks
// everything; tool availability outranks conversation size; thinking and
// search only claim requests when their routes exist, like the rest.
func (r *Router) categorize(req *anthropic.MessagesRequest) string {
	meta := req.Metadata
	if meta != nil && meta.Background {
		return RouteBackground
	}
	if len(req.Tools) > 0 && r.hasRoute(RouteToolUse) {
		return RouteToolUse
	}
	if textLength(req) > r.threshold && r.hasRoute(RouteLongContext) {
		return RouteLongContext
	}
	if (req.Thinking.Enabled() || (meta != nil && meta.Thinking)) && r.hasRoute(RouteThinking) {
		return RouteThinking
	}
	if meta != nil && meta.Search && r.hasRoute(RouteSearch) {
		return RouteSearch
	}
	return RouteDefault
}

// textLength sums the characters of the system prompt and of every text and
// thinking block in the conversation, the signal for long-context routing.
func textLength(req *anthropic.MessagesRequest) int {
	n := len(req.System.Flatten())
	for _, msg := range req.Messages {
		if msg.Content.Text != nil {
			n += len(*msg.Content.Text)
			continue
		}
		for _, b := range msg.Content.Blocks {
			n += len(b.Text) + len(b.Thinking)
		}
	}
	return n
}

// Pick returns the best pipeline id on the route: healthy candidates in
// their configured priority order, demoted by failure streak and then by
// how recently they last failed.
func (r *Router) Pick(route string) (string, error) {
	ids := r.routeIDs(route)
	if len(ids) == 0 {
		return "", apierror.New(apierror.KindRouting, "no pipelines serve route %q", route)
	}
	type candidate struct {
		id          string
		streak      int
		lastFailure time.Time
	}
	healthy := make([]candidate, 0, len(ids))
	for _, id := range ids {
		if !r.board.Healthy(id) {
			continue
		}
		streak, last := r.board.rank(id)
		healthy = append(healthy, candidate{id, streak, last})
	}
	// Exhaustion is an upstream-side condition, not a routing one: the
	// route exists, its pipelines are all cooling down or blacklisted, and
	// a later attempt may find one healed.
	if len(healthy) == 0 {
		return "", apierror.New(apierror.KindUpstreamServer, "no healthy pipeline for route %q", route)
	}
	sort.SliceStable(healthy, func(i, j int) bool {
		if healthy[i].streak != healthy[j].streak {
			return healthy[i].streak < healthy[j].streak
		}
		return healthy[i].lastFailure.Before(healthy[j].lastFailure)
	})
	return healthy[0].id, nil
}

// Dispatch resolves the route and drives the failover loop: pick, execute,
// classify. Terminal errors surface as-is; non-recoverable failures
// blacklist the pipeline and switch; recoverable ones cool the pipeline
// down and retry while the budget lasts. Switching never leaves the
// resolved route.
func (r *Router) Dispatch(ctx context.Context, ex *pipeline.Exchange) error {
	route := r.Resolve(ex.Request)
	ex.RouteName = route
	if ex.Metrics != nil {
		ex.Metrics.SetRoute(route)
	}

	var lastErr *apierror.Error
	for attempt := 1; ; attempt++ {
		id, err := r.Pick(route)
		if err != nil {
			if lastErr == nil {
				return apierror.AsError(err).WithRequestID(ex.RequestID)
			}
			return surface(lastErr, attempt-1)
		}
		p, ok := r.set.Pipeline(id)
		if !ok {
			return apierror.New(apierror.KindInternal, "pipeline %q missing from the set", id).
				WithRequestID(ex.RequestID)
		}
		if attempt > 1 {
			ex.Reset()
		}
		if ex.Metrics != nil {
			ex.Metrics.SetProvider(p.ProviderName, p.Family)
		}

		execErr := p.Execute(ctx, ex)
		if execErr == nil {
			r.board.ReportSuccess(id)
			return nil
		}
		lastErr = apierror.AsError(execErr)

		class := Classify(lastErr)
		r.logger.Warn("pipeline attempt failed",
			slog.String("requestId", ex.RequestID),
			slog.String("route", route),
			slog.String("pipeline", id),
			slog.Int("attempt", attempt),
			slog.String("class", class.String()),
			slog.String("error", lastErr.Error()))

		switch class {
		case Terminal:
			return surface(lastErr, attempt)
		case NonRecoverable:
			if r.destroy {
				r.Destroy(id)
			} else {
				r.board.Blacklist(id)
			}
		case Recoverable:
			r.board.ReportFailure(id)
			if lastErr.Kind == apierror.KindRateLimit && ex.Metrics != nil {
				ex.Metrics.RecordKeyCooldown(ctx)
			}
			if attempt > p.RetryBudget {
				return surface(lastErr, attempt)
			}
		}
		if ex.Metrics != nil {
			ex.Metrics.RecordPipelineSwitch(ctx, string(lastErr.Kind))
		}
		// A gone client fails every further attempt the same way.
		if ctx.Err() != nil {
			return surface(lastErr, attempt)
		}
	}
}

// Destroy takes the pipeline out of every route for good.
func (r *Router) Destroy(id string) {
	r.board.Destroy(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	for route, ids := range r.routes {
		kept := ids[:0]
		for _, x := range ids {
			if x != id {
				kept = append(kept, x)
			}
		}
		r.routes[route] = kept
	}
}

// Routes lists the route names in sorted order.
func (r *Router) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.routes))
	for route := range r.routes {
		out = append(out, route)
	}
	sort.Strings(out)
	return out
}

// RouteIDs returns the pipeline ids still serving the route, in priority
// order.
func (r *Router) RouteIDs(route string) []string {
	return r.routeIDs(route)
}

func (r *Router) routeIDs(route string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.routes[route]...)
}

func (r *Router) hasRoute(route string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes[route]) > 0
}

// surface annotates the final error with the attempt count once failover
// actually happened.
func surface(err *apierror.Error, attempts int) error {
	if attempts <= 1 {
		return err
	}
	out := apierror.New(err.Kind, "after %d attempts: %s", attempts, err.Message).
		WithLayer(err.SourceLayer).
		WithRequestID(err.RequestID)
	if err.UpstreamStatus != 0 {
		out = out.WithUpstreamStatus(err.UpstreamStatus)
	}
	return out
}
