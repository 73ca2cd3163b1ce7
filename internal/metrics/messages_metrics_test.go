// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/modelmux/modelmux/internal/config"
)

func newTestMessages(t *testing.T) (*messages, *metric.ManualReader) {
	t.Helper()
	mr := metric.NewManualReader()
	meter := metric.NewMeterProvider(metric.WithReader(mr)).Meter("test")
	return NewMessages(meter).(*messages), mr
}

// getHistogramValues returns the count and sum of the single data point of
// the named histogram carrying exactly attrs.
func getHistogramValues(t *testing.T, mr *metric.ManualReader, name string, attrs attribute.Set) (uint64, float64) {
	t.Helper()
	var data metricdata.ResourceMetrics
	require.NoError(t, mr.Collect(t.Context(), &data))

	var points []metricdata.HistogramDataPoint[float64]
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			h, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok, "metric %s is not a float64 histogram", name)
			for _, p := range h.DataPoints {
				if p.Attributes.Equals(&attrs) {
					points = append(points, p)
				}
			}
		}
	}
	require.Len(t, points, 1, "expected one data point for %s with %v", name, attrs)
	return points[0].Count, points[0].Sum
}

// getCounterValue returns the value of the single data point of the named
// counter carrying exactly attrs.
func getCounterValue(t *testing.T, mr *metric.ManualReader, name string, attrs attribute.Set) float64 {
	t.Helper()
	var data metricdata.ResourceMetrics
	require.NoError(t, mr.Collect(t.Context(), &data))

	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[float64])
			require.True(t, ok, "metric %s is not a float64 sum", name)
			for _, p := range sum.DataPoints {
				if p.Attributes.Equals(&attrs) {
					return p.Value
				}
			}
		}
	}
	t.Fatalf("no data point for %s with %v", name, attrs)
	return 0
}

func TestNewMessages(t *testing.T) {
	pm, _ := newTestMessages(t)
	assert.NotNil(t, pm)
	assert.False(t, pm.firstTokenSent)
	assert.Equal(t, "unknown", pm.model)
	assert.Equal(t, "unknown", pm.system)
}

func TestMessages_StartRequest(t *testing.T) {
	pm, _ := newTestMessages(t)

	before := time.Now()
	pm.StartRequest()
	after := time.Now()

	assert.False(t, pm.firstTokenSent)
	assert.GreaterOrEqual(t, pm.requestStart, before)
	assert.LessOrEqual(t, pm.requestStart, after)
}

func TestMessages_SetProvider(t *testing.T) {
	tests := []struct {
		name      string
		provider  string
		family    config.Family
		expSystem string
	}{
		{name: "openai family", provider: "corp-proxy", family: config.FamilyOpenAI, expSystem: genaiSystemOpenAI},
		{name: "gemini family", provider: "gemini", family: config.FamilyGemini, expSystem: genaiSystemGCPGemini},
		{name: "anthropic family", provider: "direct", family: config.FamilyAnthropic, expSystem: genaiSystemAnthropic},
		{name: "lmstudio reports provider name", provider: "lmstudio", family: config.FamilyLMStudio, expSystem: "lmstudio"},
		{name: "ollama reports provider name", provider: "local-ollama", family: config.FamilyOllama, expSystem: "local-ollama"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm, _ := newTestMessages(t)
			pm.SetProvider(tt.provider, tt.family)
			assert.Equal(t, tt.expSystem, pm.system)
			assert.Equal(t, tt.provider, pm.provider)
		})
	}
}

func TestMessages_RecordTokenUsage(t *testing.T) {
	pm, mr := newTestMessages(t)

	extra := attribute.Key("extra").String("value")
	attrs := []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(genaiOperationChat),
		attribute.Key(genaiAttributeSystemName).String(genaiSystemOpenAI),
		attribute.Key(genaiAttributeRequestModel).String("test-model"),
		attribute.Key(muxAttributeRoute).String("default"),
		extra,
	}
	inputAttrs := attribute.NewSet(append(attrs, attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput))...)
	outputAttrs := attribute.NewSet(append(attrs, attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput))...)
	totalAttrs := attribute.NewSet(append(attrs, attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal))...)

	pm.SetModel("test-model")
	pm.SetRoute("default")
	pm.SetProvider("openai", config.FamilyOpenAI)
	pm.RecordTokenUsage(t.Context(), 10, 5, 15, extra)

	count, sum := getHistogramValues(t, mr, genaiMetricClientTokenUsage, inputAttrs)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, 10.0, sum)

	count, sum = getHistogramValues(t, mr, genaiMetricClientTokenUsage, outputAttrs)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, 5.0, sum)

	count, sum = getHistogramValues(t, mr, genaiMetricClientTokenUsage, totalAttrs)
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, 15.0, sum)
}

func TestMessages_RecordTokenLatency(t *testing.T) {
	pm, mr := newTestMessages(t)

	attrs := attribute.NewSet(
		attribute.Key(genaiAttributeOperationName).String(genaiOperationChat),
		attribute.Key(genaiAttributeSystemName).String("lmstudio"),
		attribute.Key(genaiAttributeRequestModel).String("test-model"),
	)

	pm.StartRequest()
	pm.SetModel("test-model")
	pm.SetProvider("lmstudio", config.FamilyLMStudio)

	// First token.
	time.Sleep(10 * time.Millisecond)
	pm.RecordTokenLatency(t.Context(), 1)
	assert.True(t, pm.firstTokenSent)
	count, sum := getHistogramValues(t, mr, genaiMetricServerTimeToFirstToken, attrs)
	assert.Equal(t, uint64(1), count)
	assert.Greater(t, sum, 0.0)

	// Subsequent tokens.
	time.Sleep(10 * time.Millisecond)
	pm.RecordTokenLatency(t.Context(), 5)
	count, sum = getHistogramValues(t, mr, genaiMetricServerTimePerOutputToken, attrs)
	assert.Equal(t, uint64(1), count)
	assert.Greater(t, sum, 0.0)

	// Zero tokens must not record an inter-token value.
	time.Sleep(10 * time.Millisecond)
	pm.RecordTokenLatency(t.Context(), 0)
	count, _ = getHistogramValues(t, mr, genaiMetricServerTimePerOutputToken, attrs)
	assert.Equal(t, uint64(1), count)
}

func TestMessages_RecordRequestCompletion(t *testing.T) {
	pm, mr := newTestMessages(t)

	baseAttrs := []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(genaiOperationChat),
		attribute.Key(genaiAttributeSystemName).String(genaiSystemGCPGemini),
		attribute.Key(genaiAttributeRequestModel).String("gemini-2.0-flash"),
	}
	successAttrs := attribute.NewSet(baseAttrs...)
	failureAttrs := attribute.NewSet(append(baseAttrs,
		attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback))...)

	pm.StartRequest()
	pm.SetModel("gemini-2.0-flash")
	pm.SetProvider("gemini", config.FamilyGemini)

	pm.RecordRequestCompletion(t.Context(), true)
	count, _ := getHistogramValues(t, mr, genaiMetricServerRequestDuration, successAttrs)
	assert.Equal(t, uint64(1), count)

	pm.RecordRequestCompletion(t.Context(), false)
	count, _ = getHistogramValues(t, mr, genaiMetricServerRequestDuration, failureAttrs)
	assert.Equal(t, uint64(1), count)
}

func TestMessages_RecordPipelineSwitch(t *testing.T) {
	pm, mr := newTestMessages(t)

	pm.SetModel("m")
	pm.SetProvider("lmstudio", config.FamilyLMStudio)
	pm.RecordPipelineSwitch(t.Context(), "rate_limited")
	pm.RecordPipelineSwitch(t.Context(), "rate_limited")

	attrs := attribute.NewSet(
		attribute.Key(genaiAttributeOperationName).String(genaiOperationChat),
		attribute.Key(genaiAttributeSystemName).String("lmstudio"),
		attribute.Key(genaiAttributeRequestModel).String("m"),
		attribute.Key(genaiAttributeErrorType).String("rate_limited"),
	)
	assert.Equal(t, 2.0, getCounterValue(t, mr, muxMetricPipelineSwitches, attrs))
}

func TestMessages_RecordKeyCooldown(t *testing.T) {
	pm, mr := newTestMessages(t)

	pm.SetProvider("gemini", config.FamilyGemini)
	pm.RecordKeyCooldown(t.Context())

	attrs := attribute.NewSet(attribute.Key(muxAttributeProvider).String("gemini"))
	assert.Equal(t, 1.0, getCounterValue(t, mr, muxMetricKeyCooldowns, attrs))
}

func TestMessagesFactory_sharesInstruments(t *testing.T) {
	mr := metric.NewManualReader()
	meter := metric.NewMeterProvider(metric.WithReader(mr)).Meter("test")
	factory := NewMessagesFactory(meter)

	a := factory().(*messages)
	b := factory().(*messages)
	require.NotSame(t, a, b)
	require.Same(t, a.metrics, b.metrics)
}
