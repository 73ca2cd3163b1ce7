// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config provides the gateway configuration file format and loader.
//
// The configuration is a JSON document (YAML is tolerated since the loader
// goes through sigs.k8s.io/yaml) with ${VAR} placeholders resolved from the
// environment at load time. It is deliberately decoupled from every runtime
// package: config owns the vocabulary (provider families, fix tags, rotation
// strategies) and the pipeline packages own the behavior, so the format can
// be validated and iterated without touching the engine.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Family identifies the wire protocol a provider speaks.
type Family string

const (
	// FamilyOpenAI is the standard OpenAI Chat Completions protocol.
	FamilyOpenAI Family = "openai"
	// FamilyLMStudio is OpenAI-compatible with LM Studio quirks (fractional
	// created timestamps, occasional missing usage).
	FamilyLMStudio Family = "lmstudio"
	// FamilyOllama is OpenAI-compatible via Ollama's /v1 endpoint.
	FamilyOllama Family = "ollama"
	// FamilyGemini is the Google Gemini generateContent protocol.
	FamilyGemini Family = "gemini"
	// FamilyAnthropic is the native Anthropic Messages protocol, forwarded
	// without translation.
	FamilyAnthropic Family = "anthropic"
)

// ChatCompletions reports whether the family speaks the OpenAI Chat
// Completions dialect on the wire. LM Studio and Ollama expose
// OpenAI-compatible endpoints and differ only in quirks.
func (f Family) ChatCompletions() bool {
	return f == FamilyOpenAI || f == FamilyLMStudio || f == FamilyOllama
}

// Local reports whether the family is a local model server with a
// conventional localhost endpoint. Hosted families must spell out their
// endpoint in the configuration.
func (f Family) Local() bool {
	return f == FamilyLMStudio || f == FamilyOllama
}

// RotationStrategy selects how the server layer walks a provider's key list.
type RotationStrategy string

const (
	// RotationRoundRobin hands out keys in declaration order, skipping
	// unavailable ones.
	RotationRoundRobin RotationStrategy = "round-robin"
	// RotationHealthBased prefers the key with the fewest recent failures.
	RotationHealthBased RotationStrategy = "health-based"
)

// FixTag names one idempotent response transform applied by the
// compatibility layer. Unknown tags are rejected at load time.
type FixTag string

const (
	// FixMissingID synthesizes a chatcmpl-{uuid} id when absent.
	FixMissingID FixTag = "missing_id"
	// FixMissingCreated fills the created timestamp with the current time.
	FixMissingCreated FixTag = "missing_created"
	// FixMissingUsage zero-fills absent usage blocks.
	FixMissingUsage FixTag = "missing_usage"
	// FixMissingObject fills the object discriminator field.
	FixMissingObject FixTag = "missing_object"
	// FixChoicesArray wraps a bare single choice object into a choices array.
	FixChoicesArray FixTag = "choices_array_fix"
	// FixToolCallsFormat repairs malformed tool_calls entries: missing ids,
	// missing type tags, object-typed arguments.
	FixToolCallsFormat FixTag = "tool_calls_format"
	// FixBasicStandardization applies the whole basic set: id, created,
	// object, usage, choices and finish_reason defaults.
	FixBasicStandardization FixTag = "basic_standardization"
	// FixExtractTextualToolCalls scans assistant text for tool-call patterns
	// the model wrote as prose and lifts them into structured tool calls.
	// Always applied after the tags above.
	FixExtractTextualToolCalls FixTag = "extract_textual_tool_calls"
)

const fixTagOneOf = "missing_id missing_created missing_usage missing_object choices_array_fix tool_calls_format basic_standardization extract_textual_tool_calls"

// Config is the root of the gateway configuration file.
type Config struct {
	// Server configures the front HTTP listener.
	Server ServerConfig `json:"server"`
	// Providers maps a provider name to its connection settings. At least
	// one provider is required.
	Providers map[string]*Provider `json:"providers" validate:"required,min=1,dive,required"`
	// Routing maps route names to pipeline targets. A "default" route is
	// required.
	Routing RoutingConfig `json:"routing"`
	// Debug configures logging and per-request trace dumps.
	Debug DebugConfig `json:"debug"`
	// Flow tunes the session/conversation scheduler. Optional.
	Flow FlowConfig `json:"flow"`
}

// ServerConfig configures the front HTTP listener.
type ServerConfig struct {
	// Port to listen on.
	Port int `json:"port" validate:"min=0,max=65535"`
	// Host to bind. Defaults to loopback; the gateway is a local sidecar.
	Host string `json:"host"`
	// RequestTimeoutMillis bounds one inbound request end to end, across
	// all pipeline switches and retries.
	RequestTimeoutMillis int64 `json:"requestTimeoutMillis" validate:"min=0"`
	// MaxRetries is the pipeline switch budget per request.
	MaxRetries int `json:"maxRetries" validate:"min=0,max=10"`
	// CooldownBaseMillis seeds the exponential pipeline cooldown.
	CooldownBaseMillis int64 `json:"cooldownBaseMillis" validate:"min=0"`
	// CooldownCapMillis caps the exponential pipeline cooldown.
	CooldownCapMillis int64 `json:"cooldownCapMillis" validate:"min=0"`
	// DestroyOnBlacklist removes a pipeline from its routes permanently
	// when a non-recoverable failure blacklists it, instead of keeping it
	// around for an operator reset.
	DestroyOnBlacklist bool `json:"destroyOnBlacklist"`
}

// Provider is one upstream endpoint and its quirk profile.
type Provider struct {
	// Protocol selects the wire format and endpoint layout.
	Protocol Family `json:"protocol" validate:"required,oneof=openai lmstudio ollama gemini anthropic"`
	// APIBaseURL overrides the family default base URL.
	APIBaseURL string `json:"api_base_url" validate:"omitempty,url"`
	// APIKey is one key or an ordered key list, rotated by the server layer.
	APIKey KeyList `json:"api_key"`
	// Models this provider serves. Routing targets must name one of these.
	Models []string `json:"models" validate:"required,min=1,dive,required"`
	// Capabilities the provider advertises. Unset flags default to true.
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	// ParameterLimits clamps named request parameters, e.g. temperature.
	ParameterLimits map[string]Limit `json:"parameterLimits,omitempty"`
	// ResponseFixes is the ordered fix-tag list for this provider.
	ResponseFixes []FixTag `json:"responseFixesNeeded,omitempty" validate:"omitempty,dive,oneof=missing_id missing_created missing_usage missing_object choices_array_fix tool_calls_format basic_standardization extract_textual_tool_calls"`
	// KeyRotation selects the key rotation strategy.
	KeyRotation RotationStrategy `json:"keyRotation,omitempty" validate:"omitempty,oneof=round-robin health-based"`
	// KeyCooldownMillis is how long a key rests after an upstream 429.
	KeyCooldownMillis int64 `json:"keyCooldownMillis,omitempty" validate:"min=0"`
	// KeyDisableThreshold disables a key after this many consecutive
	// non-429 failures. Zero keeps the default.
	KeyDisableThreshold int `json:"keyDisableThreshold,omitempty" validate:"min=0"`
	// TimeoutMillis overrides the per-request upstream timeout.
	TimeoutMillis *int64 `json:"timeoutMillis,omitempty"`
	// StreamChunkSize splits simulated streams into bursts of roughly this
	// many characters. Zero emits the whole text as a single burst.
	StreamChunkSize int `json:"streamChunkSize,omitempty" validate:"min=0"`
	// AnthropicVersion is sent as the anthropic-version header on
	// anthropic-family providers.
	AnthropicVersion string `json:"anthropicVersion,omitempty"`
}

// Capabilities are the optional per-provider feature flags. Pointers
// distinguish "unset" (defaults to true) from an explicit false.
type Capabilities struct {
	SupportsTools     *bool `json:"supports_tools,omitempty"`
	SupportsThinking  *bool `json:"supports_thinking,omitempty"`
	SupportsStreaming *bool `json:"supports_streaming,omitempty"`
}

// Limit is a numeric clamp for one request parameter.
type Limit struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// DebugConfig configures logging and per-request trace dumps.
type DebugConfig struct {
	// Enabled turns on per-layer JSON trace files.
	Enabled bool `json:"enabled"`
	// LogLevel is the slog level: debug, info, warn or error.
	LogLevel string `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	// LogDir is the trace root. A leading ~ expands to the home directory.
	LogDir string `json:"logDir,omitempty"`
}

// FlowConfig tunes the session/conversation scheduler.
type FlowConfig struct {
	MaxSessions                int   `json:"maxSessions,omitempty" validate:"min=0"`
	MaxConversationsPerSession int   `json:"maxConversationsPerSession,omitempty" validate:"min=0"`
	MaxRequestsPerConversation int   `json:"maxRequestsPerConversation,omitempty" validate:"min=0"`
	SessionIdleMillis          int64 `json:"sessionIdleMillis,omitempty" validate:"min=0"`
	ConversationIdleMillis     int64 `json:"conversationIdleMillis,omitempty" validate:"min=0"`
	SweepIntervalMillis        int64 `json:"sweepIntervalMillis,omitempty" validate:"min=0"`
	// MaxRequestRetries re-enqueues a request this many times after its
	// dispatch exhausted all pipeline switches on a recoverable error.
	MaxRequestRetries      int   `json:"maxRequestRetries,omitempty" validate:"min=0"`
	RetryBackoffBaseMillis int64 `json:"retryBackoffBaseMillis,omitempty" validate:"min=0"`
}

// KeyList is a union: one API key as a string, or an ordered array of keys.
type KeyList []string

func (k *KeyList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*k = KeyList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*k = many
		return nil
	}
	return fmt.Errorf("api_key must be a string or an array of strings")
}

func (k KeyList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(k))
}

// Target is one "provider,model" routing destination.
type Target struct {
	Provider string
	Model    string
}

func (t Target) String() string { return t.Provider + "," + t.Model }

func parseTarget(s string) (Target, error) {
	provider, model, ok := strings.Cut(s, ",")
	provider, model = strings.TrimSpace(provider), strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return Target{}, fmt.Errorf("route target %q must be \"provider,model\"", s)
	}
	return Target{Provider: provider, Model: model}, nil
}

// RouteTargets is a union: one "provider,model" string, or an ordered array
// of them. Order is the failover priority within the route.
type RouteTargets []Target

func (r *RouteTargets) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		t, err := parseTarget(single)
		if err != nil {
			return err
		}
		*r = RouteTargets{t}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("route must be a \"provider,model\" string or an array of them")
	}
	targets := make(RouteTargets, 0, len(many))
	for _, s := range many {
		t, err := parseTarget(s)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}
	*r = targets
	return nil
}

func (r RouteTargets) MarshalJSON() ([]byte, error) {
	out := make([]string, len(r))
	for i, t := range r {
		out[i] = t.String()
	}
	return json.Marshal(out)
}

// RoutingConfig is the routing section. Every key except
// "longContextThreshold" is a route name.
type RoutingConfig struct {
	// Routes maps route names (default, background, tooluse, longcontext,
	// thinking, search, or explicit model names) to priority-ordered
	// targets.
	Routes map[string]RouteTargets
	// LongContextThreshold is the character count of concatenated message
	// text above which the longContext route is preferred.
	LongContextThreshold int
}

func (r *RoutingConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Routes = make(map[string]RouteTargets, len(raw))
	for name, v := range raw {
		if name == "longContextThreshold" {
			if err := json.Unmarshal(v, &r.LongContextThreshold); err != nil {
				return fmt.Errorf("longContextThreshold must be a number: %w", err)
			}
			continue
		}
		var targets RouteTargets
		if err := json.Unmarshal(v, &targets); err != nil {
			return fmt.Errorf("route %q: %w", name, err)
		}
		r.Routes[name] = targets
	}
	return nil
}

func (r RoutingConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Routes)+1)
	for name, targets := range r.Routes {
		out[name] = targets
	}
	if r.LongContextThreshold != 0 {
		out["longContextThreshold"] = r.LongContextThreshold
	}
	return json.Marshal(out)
}

// RouteNames returns the configured route names, sorted.
func (r *RoutingConfig) RouteNames() []string {
	names := make([]string, 0, len(r.Routes))
	for name := range r.Routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults, applied by Load after parsing.
const (
	DefaultPort                 = 3456
	DefaultHost                 = "127.0.0.1"
	DefaultRequestTimeout       = 60_000
	DefaultMaxRetries           = 2
	DefaultCooldownBase         = 1_000
	DefaultCooldownCap          = 60_000
	DefaultKeyCooldown          = 60_000
	DefaultKeyDisableThreshold  = 3
	DefaultAnthropicVersion     = "2023-06-01"
	DefaultLongContextThreshold = 60_000
	DefaultLogLevel             = "info"
	DefaultLogDir               = "~/.modelmux/logs"

	DefaultMaxSessions                = 1_000
	DefaultMaxConversationsPerSession = 100
	DefaultMaxRequestsPerConversation = 100
	DefaultSessionIdleMillis          = 3_600_000
	DefaultConversationIdleMillis     = 1_800_000
	DefaultSweepIntervalMillis        = 60_000
	DefaultMaxRequestRetries          = 1
	DefaultRetryBackoffBaseMillis     = 500
)

// localBaseURLs are the conventional endpoints of the local model servers,
// used when api_base_url is omitted. Hosted families get no such fallback:
// their endpoints must appear in the configuration.
var localBaseURLs = map[Family]string{
	FamilyLMStudio: "http://localhost:1234",
	FamilyOllama:   "http://localhost:11434",
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.RequestTimeoutMillis == 0 {
		c.Server.RequestTimeoutMillis = DefaultRequestTimeout
	}
	if c.Server.MaxRetries == 0 {
		c.Server.MaxRetries = DefaultMaxRetries
	}
	if c.Server.CooldownBaseMillis == 0 {
		c.Server.CooldownBaseMillis = DefaultCooldownBase
	}
	if c.Server.CooldownCapMillis == 0 {
		c.Server.CooldownCapMillis = DefaultCooldownCap
	}
	for _, p := range c.Providers {
		if p == nil {
			continue
		}
		if p.APIBaseURL == "" && p.Protocol.Local() {
			p.APIBaseURL = localBaseURLs[p.Protocol]
		}
		if p.KeyRotation == "" {
			p.KeyRotation = RotationRoundRobin
		}
		if p.KeyCooldownMillis == 0 {
			p.KeyCooldownMillis = DefaultKeyCooldown
		}
		if p.KeyDisableThreshold == 0 {
			p.KeyDisableThreshold = DefaultKeyDisableThreshold
		}
		if p.AnthropicVersion == "" {
			p.AnthropicVersion = DefaultAnthropicVersion
		}
	}
	if c.Routing.LongContextThreshold == 0 {
		c.Routing.LongContextThreshold = DefaultLongContextThreshold
	}
	if c.Debug.LogLevel == "" {
		c.Debug.LogLevel = DefaultLogLevel
	}
	if c.Debug.LogDir == "" {
		c.Debug.LogDir = DefaultLogDir
	}
	c.Debug.LogDir = expandHome(c.Debug.LogDir)
	if c.Flow.MaxSessions == 0 {
		c.Flow.MaxSessions = DefaultMaxSessions
	}
	if c.Flow.MaxConversationsPerSession == 0 {
		c.Flow.MaxConversationsPerSession = DefaultMaxConversationsPerSession
	}
	if c.Flow.MaxRequestsPerConversation == 0 {
		c.Flow.MaxRequestsPerConversation = DefaultMaxRequestsPerConversation
	}
	if c.Flow.SessionIdleMillis == 0 {
		c.Flow.SessionIdleMillis = DefaultSessionIdleMillis
	}
	if c.Flow.ConversationIdleMillis == 0 {
		c.Flow.ConversationIdleMillis = DefaultConversationIdleMillis
	}
	if c.Flow.SweepIntervalMillis == 0 {
		c.Flow.SweepIntervalMillis = DefaultSweepIntervalMillis
	}
	if c.Flow.MaxRequestRetries == 0 {
		c.Flow.MaxRequestRetries = DefaultMaxRequestRetries
	}
	if c.Flow.RetryBackoffBaseMillis == 0 {
		c.Flow.RetryBackoffBaseMillis = DefaultRetryBackoffBaseMillis
	}
}

// validateEndpoints rejects hosted providers without an explicit endpoint.
// Only the local families have an assumed base URL.
func (c *Config) validateEndpoints() error {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.Providers[name]
		if p == nil || p.APIBaseURL != "" || p.Protocol.Local() {
			continue
		}
		return &InvalidConfigError{
			Path:   fmt.Sprintf("providers.%s.api_base_url", name),
			Reason: fmt.Sprintf("required for protocol %q", p.Protocol),
		}
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ListenAddr is the host:port the front server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// RequestTimeout is the end-to-end inbound request budget.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutMillis) * time.Millisecond
}

// CooldownBase returns the seed of the exponential pipeline cooldown.
func (s *ServerConfig) CooldownBase() time.Duration {
	return time.Duration(s.CooldownBaseMillis) * time.Millisecond
}

// CooldownCap returns the upper bound of the pipeline cooldown.
func (s *ServerConfig) CooldownCap() time.Duration {
	return time.Duration(s.CooldownCapMillis) * time.Millisecond
}

// SupportsTools reports whether the provider advertises tool calling.
func (p *Provider) SupportsTools() bool {
	return p.Capabilities == nil || p.Capabilities.SupportsTools == nil || *p.Capabilities.SupportsTools
}

// SupportsThinking reports whether the provider advertises extended thinking.
func (p *Provider) SupportsThinking() bool {
	return p.Capabilities == nil || p.Capabilities.SupportsThinking == nil || *p.Capabilities.SupportsThinking
}

// SupportsStreaming reports whether the provider supports native streaming.
// When false the protocol layer buffers and the transformer simulates the
// stream.
func (p *Provider) SupportsStreaming() bool {
	return p.Capabilities == nil || p.Capabilities.SupportsStreaming == nil || *p.Capabilities.SupportsStreaming
}

// ServesModel reports whether model is in the provider's declared list.
func (p *Provider) ServesModel(model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Timeout returns the per-request upstream timeout, falling back to def.
func (p *Provider) Timeout(def time.Duration) time.Duration {
	if p.TimeoutMillis == nil || *p.TimeoutMillis <= 0 {
		return def
	}
	return time.Duration(*p.TimeoutMillis) * time.Millisecond
}

// KeyCooldown is how long a rate-limited key rests.
func (p *Provider) KeyCooldown() time.Duration {
	return time.Duration(p.KeyCooldownMillis) * time.Millisecond
}

// RoutingTable resolves and validates the routing section against the
// declared providers. Every target must name a declared provider and one of
// its models, and a "default" route must exist.
type RoutingTable struct {
	// Routes maps route names to priority-ordered targets.
	Routes map[string][]Target
	// LongContextThreshold in characters of concatenated message text.
	LongContextThreshold int
}

// RoutingTable builds the resolved routing table.
func (c *Config) RoutingTable() (*RoutingTable, error) {
	if len(c.Routing.Routes) == 0 {
		return nil, &InvalidConfigError{Path: "routing", Reason: "at least a default route is required"}
	}
	if _, ok := c.Routing.Routes["default"]; !ok {
		return nil, &InvalidConfigError{Path: "routing.default", Reason: "route is required"}
	}
	table := &RoutingTable{
		Routes:               make(map[string][]Target, len(c.Routing.Routes)),
		LongContextThreshold: c.Routing.LongContextThreshold,
	}
	for _, name := range c.Routing.RouteNames() {
		targets := c.Routing.Routes[name]
		if len(targets) == 0 {
			return nil, &InvalidConfigError{Path: "routing." + name, Reason: "route has no targets"}
		}
		for i, t := range targets {
			p, ok := c.Providers[t.Provider]
			if !ok {
				return nil, &InvalidConfigError{
					Path:   fmt.Sprintf("routing.%s[%d]", name, i),
					Reason: fmt.Sprintf("unknown provider %q", t.Provider),
				}
			}
			if !p.ServesModel(t.Model) {
				return nil, &InvalidConfigError{
					Path:   fmt.Sprintf("routing.%s[%d]", name, i),
					Reason: fmt.Sprintf("provider %q does not serve model %q", t.Provider, t.Model),
				}
			}
		}
		table.Routes[name] = targets
	}
	return table, nil
}
