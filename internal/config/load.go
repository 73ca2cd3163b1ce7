// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"sigs.k8s.io/yaml"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// envPattern matches ${VAR} placeholders. Variable names follow the POSIX
// shell rule: letters, digits and underscore, not starting with a digit.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, substitutes, parses, defaults and validates the configuration
// at path. Errors are typed: *MissingConfigError when the file is absent,
// *EnvironmentVariableMissingError when a ${VAR} placeholder is unresolved,
// *InvalidConfigError for everything else.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &MissingConfigError{Path: path}
		}
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse is Load without the file read. Exposed for the validate command and
// for tests.
func Parse(raw []byte) (*Config, error) {
	substituted, err := substituteEnv(raw)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(substituted, &cfg); err != nil {
		return nil, &InvalidConfigError{Reason: err.Error()}
	}
	cfg.applyDefaults()
	if err := validate.Struct(&cfg); err != nil {
		return nil, asInvalidConfig(err)
	}
	if err := cfg.validateEndpoints(); err != nil {
		return nil, err
	}
	// Surfaces dangling route targets at load time rather than on the
	// first request.
	if _, err := cfg.RoutingTable(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// substituteEnv replaces every ${VAR} with its environment value. All
// placeholders are checked before failing so the error lists every missing
// variable at once.
func substituteEnv(raw []byte) ([]byte, error) {
	var missing []string
	seen := make(map[string]bool)
	out := envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(m[2 : len(m)-1])
		v, ok := os.LookupEnv(name)
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return m
		}
		return []byte(v)
	})
	if len(missing) > 0 {
		return nil, &EnvironmentVariableMissingError{Names: missing}
	}
	return out, nil
}

// asInvalidConfig converts a validator error into an *InvalidConfigError
// with a dotted field path, e.g. "providers.lmstudio.protocol".
func asInvalidConfig(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &InvalidConfigError{Reason: err.Error()}
	}
	e := verrs[0]
	return &InvalidConfigError{Path: fieldPath(e.Namespace()), Reason: describeViolation(e)}
}

// fieldPath turns a validator namespace like
// "Config.Providers[lmstudio].Protocol" into "providers.lmstudio.protocol".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	ns = strings.ReplaceAll(ns, "[", ".")
	ns = strings.ReplaceAll(ns, "]", "")
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if name, ok := jsonFieldNames[p]; ok {
			parts[i] = name
		}
	}
	return strings.Join(parts, ".")
}

// jsonFieldNames maps Go field names appearing in validator namespaces to
// their JSON names. Map keys (provider names, parameter names) pass through.
var jsonFieldNames = map[string]string{
	"Server":                     "server",
	"Providers":                  "providers",
	"Routing":                    "routing",
	"Debug":                      "debug",
	"Flow":                       "flow",
	"Port":                       "port",
	"Host":                       "host",
	"RequestTimeoutMillis":       "requestTimeoutMillis",
	"MaxRetries":                 "maxRetries",
	"CooldownBaseMillis":         "cooldownBaseMillis",
	"CooldownCapMillis":          "cooldownCapMillis",
	"Protocol":                   "protocol",
	"APIBaseURL":                 "api_base_url",
	"APIKey":                     "api_key",
	"Models":                     "models",
	"Capabilities":               "capabilities",
	"ParameterLimits":            "parameterLimits",
	"ResponseFixes":              "responseFixesNeeded",
	"KeyRotation":                "keyRotation",
	"KeyCooldownMillis":          "keyCooldownMillis",
	"KeyDisableThreshold":        "keyDisableThreshold",
	"TimeoutMillis":              "timeoutMillis",
	"StreamChunkSize":            "streamChunkSize",
	"AnthropicVersion":           "anthropicVersion",
	"Enabled":                    "enabled",
	"LogLevel":                   "logLevel",
	"LogDir":                     "logDir",
	"MaxSessions":                "maxSessions",
	"MaxConversationsPerSession": "maxConversationsPerSession",
	"MaxRequestsPerConversation": "maxRequestsPerConversation",
	"SessionIdleMillis":          "sessionIdleMillis",
	"ConversationIdleMillis":     "conversationIdleMillis",
	"SweepIntervalMillis":        "sweepIntervalMillis",
	"MaxRequestRetries":          "maxRequestRetries",
	"RetryBackoffBaseMillis":     "retryBackoffBaseMillis",
}

func describeViolation(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", e.Param(), e.Value())
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "url":
		return fmt.Sprintf("must be a valid URL, got %q", e.Value())
	default:
		return fmt.Sprintf("failed %q validation", e.Tag())
	}
}
