// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package compat is the server-compatibility layer: per-provider request
// clamps before dispatch and response fix tags after, both operating on
// provider-native JSON so the transformer only ever sees well-formed
// dialect bodies.
package compat

import (
	"log/slog"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelmux/modelmux/internal/config"
)

// Layer applies one provider's quirk profile. Compiled once at pipeline
// assembly and safe for concurrent use; every method is a pure function of
// its input body.
type Layer struct {
	family        config.Family
	limits        map[string]config.Limit
	supportsTools bool
	fixes         []fixFunc
	extract       bool
	logger        *slog.Logger
}

// New compiles the provider's quirk profile. Fix tags whose wire shape does
// not exist in the provider's dialect are skipped here, not at request time.
func New(provider *config.Provider, logger *slog.Logger) *Layer {
	l := &Layer{
		family:        provider.Protocol,
		limits:        provider.ParameterLimits,
		supportsTools: provider.SupportsTools(),
		logger:        logger,
	}
	for _, tag := range provider.ResponseFixes {
		l.compile(tag)
	}
	return l
}

func (l *Layer) compile(tag config.FixTag) {
	// Every fix tag repairs chat completions shapes; the gemini and
	// anthropic dialects have no known quirk set.
	if !l.family.ChatCompletions() {
		l.logger.Debug("skipping response fix, no such quirk in this dialect",
			slog.String("fix", string(tag)), slog.String("family", string(l.family)))
		return
	}
	switch tag {
	case config.FixMissingID:
		l.fixes = append(l.fixes, fixMissingID)
	case config.FixMissingCreated:
		l.fixes = append(l.fixes, fixMissingCreated)
	case config.FixMissingUsage:
		l.fixes = append(l.fixes, fixMissingUsage)
	case config.FixMissingObject:
		l.fixes = append(l.fixes, fixMissingObject)
	case config.FixChoicesArray:
		l.fixes = append(l.fixes, fixChoicesArray)
	case config.FixToolCallsFormat:
		l.fixes = append(l.fixes, fixToolCallsFormat)
	case config.FixBasicStandardization:
		l.fixes = append(l.fixes, fixMissingID, fixMissingCreated, fixMissingObject, fixMissingUsage)
	case config.FixExtractTextualToolCalls:
		// Runs after every standard fix regardless of list position; it
		// needs a well-formed choices array to rewrite.
		l.extract = true
	}
}

// Buffered reports whether responses must be accumulated before fixing.
// Textual extraction and the structural fixes all need the complete body.
func (l *Layer) Buffered() bool {
	return len(l.fixes) > 0 || l.extract
}

// PrepareRequest clamps numeric knobs to the provider's advertised limits
// and strips surfaces the provider does not support. The body is the
// provider-native request JSON produced by the transformer.
func (l *Layer) PrepareRequest(body []byte) []byte {
	for name, limit := range l.limits {
		body = l.clamp(body, name, limit)
	}
	if !l.supportsTools {
		body = l.dropToolSurface(body)
	}
	// A tool_choice without tools is rejected by every known provider.
	toolsPath, choicePath := l.toolPaths()
	if gjson.GetBytes(body, choicePath).Exists() {
		tools := gjson.GetBytes(body, toolsPath)
		if !tools.Exists() || (tools.IsArray() && len(tools.Array()) == 0) {
			body, _ = sjson.DeleteBytes(body, choicePath)
		}
	}
	return body
}

func (l *Layer) clamp(body []byte, name string, limit config.Limit) []byte {
	path, ok := l.knobPath(name)
	if !ok {
		l.logger.Debug("no wire location for limited parameter",
			slog.String("parameter", name), slog.String("family", string(l.family)))
		return body
	}
	value := gjson.GetBytes(body, path)
	if !value.Exists() || value.Type != gjson.Number {
		return body
	}
	// A zero max or an inverted range marks the knob unsupported; the
	// knob is deleted rather than clamped.
	if limit.Max != nil && (*limit.Max == 0 || (limit.Min != nil && *limit.Max < *limit.Min)) {
		out, err := sjson.DeleteBytes(body, path)
		if err != nil {
			return body
		}
		l.logger.Debug("dropped unsupported parameter", slog.String("parameter", name))
		return out
	}
	v := value.Float()
	clamped := v
	if limit.Max != nil && clamped > *limit.Max {
		clamped = *limit.Max
	}
	if limit.Min != nil && clamped < *limit.Min {
		clamped = *limit.Min
	}
	if clamped == v {
		return body
	}
	out, err := sjson.SetBytesOptions(body, path, clamped, setOptions)
	if err != nil {
		return body
	}
	l.logger.Debug("clamped parameter",
		slog.String("parameter", name), slog.Float64("from", v), slog.Float64("to", clamped))
	return out
}

func (l *Layer) dropToolSurface(body []byte) []byte {
	toolsPath, choicePath := l.toolPaths()
	if gjson.GetBytes(body, toolsPath).Exists() {
		body, _ = sjson.DeleteBytes(body, toolsPath)
		l.logger.Debug("dropped tool declarations, provider does not support tools")
	}
	if gjson.GetBytes(body, choicePath).Exists() {
		body, _ = sjson.DeleteBytes(body, choicePath)
	}
	return body
}

// geminiKnobPaths places the canonical sampling knobs at their nested
// generateContent locations. The chat completions and anthropic dialects
// carry them flat under the canonical names.
var geminiKnobPaths = map[string]string{
	"temperature": "generationConfig.temperature",
	"top_p":       "generationConfig.topP",
	"top_k":       "generationConfig.topK",
	"max_tokens":  "generationConfig.maxOutputTokens",
}

func (l *Layer) knobPath(name string) (string, bool) {
	if l.family == config.FamilyGemini {
		path, ok := geminiKnobPaths[name]
		return path, ok
	}
	return name, true
}

func (l *Layer) toolPaths() (tools, choice string) {
	if l.family == config.FamilyGemini {
		return "tools", "toolConfig"
	}
	return "tools", "tool_choice"
}

// FixResponse runs the compiled fix list over a complete provider-native
// response body. Applying it twice yields the same bytes as once.
func (l *Layer) FixResponse(body []byte) []byte {
	for _, fix := range l.fixes {
		body = fix(body)
	}
	if l.extract {
		body = fixTextualToolCalls(body)
	}
	return body
}
