// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/modelmux/modelmux/internal/config"
)

// MessagesFactory is a closure that creates a new Messages instance per request.
type MessagesFactory func() Messages

// NewMessagesFactory returns a closure that creates Messages instances
// sharing one registered instrument set.
func NewMessagesFactory(meter metric.Meter) MessagesFactory {
	instruments := newGenAI(meter)
	return func() Messages {
		return &messages{
			metrics:  instruments,
			model:    "unknown",
			system:   "unknown",
			provider: "unknown",
		}
	}
}

// Messages is the metrics surface for one inbound Messages request. One
// instance is created per request and is not safe for concurrent use.
type Messages interface {
	// StartRequest initializes timing for a new request.
	StartRequest()
	// SetModel sets the inbound model. Called after parsing the request body.
	SetModel(model string)
	// SetRoute sets the routing category picked for the request.
	SetRoute(route string)
	// SetProvider sets the selected upstream once the pipeline is chosen, and
	// again after every pipeline switch.
	SetProvider(name string, family config.Family)

	// RecordTokenUsage records token usage metrics.
	RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens uint32, extraAttrs ...attribute.KeyValue)
	// RecordRequestCompletion records latency metrics for the entire request.
	RecordRequestCompletion(ctx context.Context, success bool, extraAttrs ...attribute.KeyValue)
	// RecordTokenLatency records latency metrics for token generation.
	RecordTokenLatency(ctx context.Context, tokens uint32, extraAttrs ...attribute.KeyValue)
	// RecordPipelineSwitch counts a failover to the next pipeline. reason is a
	// low-cardinality failure class such as "rate_limited" or "server_error".
	RecordPipelineSwitch(ctx context.Context, reason string)
	// RecordKeyCooldown counts an API key entering cooldown.
	RecordKeyCooldown(ctx context.Context)
}

// messages implements [Messages].
type messages struct {
	metrics        *genAI
	firstTokenSent bool
	requestStart   time.Time
	lastTokenTime  time.Time
	model          string
	route          string
	system         string
	provider       string
}

// NewMessages creates a new Messages instance with its own instrument set.
func NewMessages(meter metric.Meter) Messages {
	return NewMessagesFactory(meter)()
}

// StartRequest implements [Messages.StartRequest].
func (m *messages) StartRequest() {
	m.requestStart = time.Now()
	m.firstTokenSent = false
}

// SetModel implements [Messages.SetModel].
func (m *messages) SetModel(model string) {
	m.model = model
}

// SetRoute implements [Messages.SetRoute].
func (m *messages) SetRoute(route string) {
	m.route = route
}

// SetProvider implements [Messages.SetProvider]. The system name follows:
// https://opentelemetry.io/docs/specs/semconv/attributes-registry/gen-ai/#gen-ai-system
func (m *messages) SetProvider(name string, family config.Family) {
	m.provider = name
	switch family {
	case config.FamilyOpenAI:
		m.system = genaiSystemOpenAI
	case config.FamilyGemini:
		m.system = genaiSystemGCPGemini
	case config.FamilyAnthropic:
		m.system = genaiSystemAnthropic
	default:
		// Local runtimes such as LM Studio and Ollama report under their
		// configured provider name.
		m.system = name
	}
}

// buildAttributes creates the base attribute set for metrics recording.
func (m *messages) buildAttributes(extraAttrs ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4+len(extraAttrs))
	attrs = append(attrs,
		attribute.Key(genaiAttributeOperationName).String(genaiOperationChat),
		attribute.Key(genaiAttributeSystemName).String(m.system),
		attribute.Key(genaiAttributeRequestModel).String(m.model),
	)
	if m.route != "" {
		attrs = append(attrs, attribute.Key(muxAttributeRoute).String(m.route))
	}
	attrs = append(attrs, extraAttrs...)
	return attrs
}

// RecordTokenUsage implements [Messages.RecordTokenUsage].
func (m *messages) RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens uint32, extraAttrs ...attribute.KeyValue) {
	attrs := m.buildAttributes(extraAttrs...)

	m.metrics.tokenUsage.Record(ctx, float64(inputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(outputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(totalTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)),
	)
}

// RecordRequestCompletion implements [Messages.RecordRequestCompletion].
func (m *messages) RecordRequestCompletion(ctx context.Context, success bool, extraAttrs ...attribute.KeyValue) {
	attrs := m.buildAttributes(extraAttrs...)

	if success {
		// According to the semantic conventions, the error attribute should not be added for successful operations.
		m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(), metric.WithAttributes(attrs...))
	} else {
		// Failure classes land on the switch counter; the latency histogram
		// keeps the low-cardinality placeholder.
		// See: https://opentelemetry.io/docs/specs/semconv/attributes-registry/error/#error-type
		m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(),
			metric.WithAttributes(attrs...),
			metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback)),
		)
	}
}

// RecordTokenLatency implements [Messages.RecordTokenLatency].
func (m *messages) RecordTokenLatency(ctx context.Context, tokens uint32, extraAttrs ...attribute.KeyValue) {
	attrs := m.buildAttributes(extraAttrs...)

	if !m.firstTokenSent {
		m.firstTokenSent = true
		m.metrics.firstTokenLatency.Record(ctx, time.Since(m.requestStart).Seconds(), metric.WithAttributes(attrs...))
	} else if tokens > 0 {
		// Average time between consecutive tokens within this burst.
		itl := time.Since(m.lastTokenTime).Seconds() / float64(tokens)
		m.metrics.outputTokenLatency.Record(ctx, itl, metric.WithAttributes(attrs...))
	}
	m.lastTokenTime = time.Now()
}

// RecordPipelineSwitch implements [Messages.RecordPipelineSwitch].
func (m *messages) RecordPipelineSwitch(ctx context.Context, reason string) {
	m.metrics.pipelineSwitches.Add(ctx, 1,
		metric.WithAttributes(m.buildAttributes()...),
		metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(reason)),
	)
}

// RecordKeyCooldown implements [Messages.RecordKeyCooldown].
func (m *messages) RecordKeyCooldown(ctx context.Context) {
	m.metrics.keyCooldowns.Add(ctx, 1,
		metric.WithAttributes(attribute.Key(muxAttributeProvider).String(m.provider)),
	)
}
