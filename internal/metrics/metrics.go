// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics instruments the gateway with OpenTelemetry following the
// Generative AI semantic conventions, with a Prometheus reader always wired
// for the /metrics endpoint.
package metrics

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewMeterFromEnv assembles the MeterProvider. The Prometheus reader always
// participates so the /metrics endpoint works with no configuration; the
// standard OTEL_* variables can add one more exporter next to it:
//
//   - OTEL_SDK_DISABLED=true keeps the provider Prometheus-only.
//   - OTEL_METRICS_EXPORTER selects none, console, prometheus, or otlp.
//   - OTEL_EXPORTER_OTLP_ENDPOINT or OTEL_EXPORTER_OTLP_METRICS_ENDPOINT
//     implies OTLP when no exporter is named.
//
// stdout receives console exporter output. The returned shutdown flushes
// pending exports and stops the provider.
func NewMeterFromEnv(ctx context.Context, stdout io.Writer, promReader sdkmetric.Reader) (metric.Meter, func(context.Context) error, error) {
	options := []sdkmetric.Option{sdkmetric.WithReader(promReader)}

	reader, err := envReader(ctx, stdout)
	if err != nil {
		return nil, nil, err
	}
	if reader != nil {
		res, err := envResource(ctx)
		if err != nil {
			return nil, nil, err
		}
		options = append(options, sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	}

	mp := sdkmetric.NewMeterProvider(options...)
	return mp.Meter("modelmux/gateway"), mp.Shutdown, nil
}

// envReader builds the extra exporter the environment asks for, nil when
// metrics stay Prometheus-only.
func envReader(ctx context.Context, stdout io.Writer) (sdkmetric.Reader, error) {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		return nil, nil
	}
	exporter := os.Getenv("OTEL_METRICS_EXPORTER")
	if exporter == "console" {
		exp, err := newNonEmptyConsoleExporter(stdout)
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	}
	hasEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" ||
		os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT") != ""
	if exporter == "none" || exporter == "prometheus" || !hasEndpoint {
		return nil, nil
	}
	// autoexport picks the OTLP protocol and wraps the exporter in its own
	// PeriodicReader.
	return autoexport.NewMetricReader(ctx)
}

// envResource merges the SDK defaults, the fallback service name, and the
// OTEL_RESOURCE_ATTRIBUTES / OTEL_SERVICE_NAME overrides, later entries
// winning.
func envResource(ctx context.Context) (*resource.Resource, error) {
	envRes, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName("modelmux")))
	if err != nil {
		return nil, err
	}
	return resource.Merge(res, envRes)
}
