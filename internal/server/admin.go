// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/modelmux/modelmux/internal/flow"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/upstream"
	"github.com/modelmux/modelmux/internal/version"
)

type healthResponse struct {
	Overall   string          `json:"overall"`
	Healthy   int             `json:"healthy"`
	Total     int             `json:"total"`
	Providers map[string]bool `json:"providers"`
	Timestamp string          `json:"timestamp"`
}

// handleHealth reports provider liveness: a provider counts as healthy
// while any of its pipelines does.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	providers := make(map[string]bool)
	for _, id := range s.set.IDs() {
		p, ok := s.set.Pipeline(id)
		if !ok {
			continue
		}
		providers[p.ProviderName] = providers[p.ProviderName] ||
			(p.Healthy() && s.board.Healthy(id))
	}
	healthy := 0
	for _, up := range providers {
		if up {
			healthy++
		}
	}

	overall, status := "healthy", http.StatusOK
	switch {
	case healthy == 0:
		overall, status = "unhealthy", http.StatusServiceUnavailable
	case healthy < len(providers):
		overall = "degraded"
	}
	writeJSON(w, status, healthResponse{
		Overall:   overall,
		Healthy:   healthy,
		Total:     len(providers),
		Providers: providers,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type statusResponse struct {
	Server       string   `json:"server"`
	Version      string   `json:"version"`
	Architecture string   `json:"architecture"`
	Uptime       string   `json:"uptime"`
	Providers    []string `json:"providers"`
	Debug        bool     `json:"debug"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	providers := make([]string, 0, len(s.cfg.Providers))
	for name := range s.cfg.Providers {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	writeJSON(w, http.StatusOK, statusResponse{
		Server:       "modelmux",
		Version:      version.String(),
		Architecture: "six-layer-pipeline",
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Providers:    providers,
		Debug:        s.cfg.Debug.Enabled,
	})
}

type statsResponse struct {
	Flow      flow.Stats                      `json:"flow"`
	Pipelines map[string]router.View          `json:"pipelines"`
	Keys      map[string][]upstream.KeyStatus `json:"keys"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	keys := make(map[string][]upstream.KeyStatus)
	views := make(map[string]router.View)
	for _, id := range s.set.IDs() {
		if p, ok := s.set.Pipeline(id); ok {
			keys[id] = p.Keys()
			views[id] = s.board.View(id)
		}
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Flow:      s.flow.Stats(),
		Pipelines: views,
		Keys:      keys,
	})
}

// handleReset clears cooldowns and blacklists and restores every API key
// to rotation. Pipelines that failed assembly stay blacklisted; a broken
// configuration does not heal over HTTP.
func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	reset := 0
	for _, id := range s.set.IDs() {
		p, ok := s.set.Pipeline(id)
		if !ok || !p.Healthy() {
			continue
		}
		s.board.Reset(id)
		p.ResetKeys()
		reset++
	}
	s.logger.Info("operator reset", slog.Int("pipelines", reset))
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "pipelines": reset})
}

// handleShutdown acknowledges first so the 202 reaches the caller before
// the listener starts draining.
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if s.shutdown != nil {
		s.logger.Info("shutdown requested over http")
		s.shutdown()
	}
}
