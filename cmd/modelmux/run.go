// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/modelmux/modelmux/internal/debugtrace"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/pipeline"
	"github.com/modelmux/modelmux/internal/pprof"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/server"
	"github.com/modelmux/modelmux/internal/upstream"
	"github.com/modelmux/modelmux/internal/version"
)

// shutdownGrace bounds how long draining waits once the gateway is asked
// to stop.
const shutdownGrace = 5 * time.Second

// run assembles the gateway from the configuration and serves until ctx is
// canceled or a client calls /shutdown.
func run(ctx context.Context, c cmdRun, stdout, stderr io.Writer) error {
	cfg, err := readConfig(c.Config, c.Debug)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Debug {
		cfg.Debug.LogLevel = "debug"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Debug.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Debug.LogLevel, err)
	}
	source := c.Config
	if source == "" {
		source = "environment"
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	logger.Info("starting modelmux",
		slog.String("version", version.String()),
		slog.String("config", source))
	pprof.Run(ctx, logger)

	bps, err := pipeline.BuildBlueprints(cfg)
	if err != nil {
		return err
	}
	asm := &pipeline.Assembler{Client: upstream.NewClient(), Logger: logger}
	set, report := asm.Assemble(bps)
	for _, aerr := range report.Errors {
		logger.Warn("pipeline failed to assemble", slog.String("error", aerr.Error()))
	}
	if report.Healthy == 0 {
		return fmt.Errorf("none of the %d configured pipelines assembled", set.Len())
	}

	board := router.NewBoard(cfg.Server.CooldownBase(), cfg.Server.CooldownCap())
	for _, id := range report.FailedIDs {
		board.Blacklist(id)
	}
	rt := router.New(set, board, cfg.Routing.LongContextThreshold, cfg.Server.DestroyOnBlacklist, logger)
	tracer := debugtrace.New(cfg.Debug.Enabled, cfg.Debug.LogDir, cfg.Server.Port, logger)

	// The Prometheus reader always backs /metrics; the env may add console
	// or OTLP exporters on top.
	promRegistry := prometheus.NewRegistry()
	promReader, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus reader: %w", err)
	}
	meter, metricsShutdown, err := metrics.NewMeterFromEnv(ctx, stdout, promReader)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := server.New(server.Options{
		Config:         cfg,
		Set:            set,
		Board:          board,
		Router:         rt,
		Tracer:         tracer,
		Metrics:        metrics.NewMessagesFactory(meter),
		MetricsHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		Shutdown:       cancel,
		Logger:         logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger.Info("gateway listening",
		slog.String("address", lis.Addr().String()),
		slog.Int("pipelines", set.Len()),
		slog.Int("healthy", report.Healthy))
	for _, route := range set.Routes() {
		logger.Info("route registered",
			slog.String("route", route),
			slog.Int("targets", len(set.RouteIDs(route))))
	}

	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if serveErr := httpServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		// Session sweeper; exits cleanly when the group context ends.
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelGrace := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancelGrace()
		if sderr := httpServer.Shutdown(shutdownCtx); sderr != nil {
			logger.Error("http server did not drain in time", slog.String("error", sderr.Error()))
		}
		if sderr := metricsShutdown(shutdownCtx); sderr != nil {
			logger.Error("metrics shutdown failed", slog.String("error", sderr.Error()))
		}
		return nil
	})
	err = g.Wait()
	logger.Info("gateway stopped")
	return err
}
