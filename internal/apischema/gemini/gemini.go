// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gemini models the Gemini generateContent wire format. Message and
// configuration types come straight from google.golang.org/genai whose JSON
// tags match the v1beta REST surface; only the request envelope and the tool
// declarations are declared here, because function parameters cross the wire
// as raw JSON schema rather than the SDK's typed genai.Schema.
package gemini

import "google.golang.org/genai"

// GenerateContentRequest is the request body of
// POST /v1beta/models/{model}:generateContent and :streamGenerateContent.
// https://ai.google.dev/api/generate-content
type GenerateContentRequest struct {
	// The multipart conversation content. Roles are "user" and "model".
	Contents []genai.Content `json:"contents"`
	// Tools the model may use. The API requires function declarations to be
	// wrapped in a single-element tools array, never inlined per function.
	Tools []Tool `json:"tools,omitempty"`
	// Shared configuration for all tools in the request.
	ToolConfig *genai.ToolConfig `json:"toolConfig,omitempty"`
	// Sampling and length controls.
	GenerationConfig *genai.GenerationConfig `json:"generationConfig,omitempty"`
	// System prompt. The API ignores the role field but expects parts.
	SystemInstruction *genai.Content `json:"systemInstruction,omitempty"`
	// Per-category safety thresholds.
	SafetySettings []*genai.SafetySetting `json:"safetySettings,omitempty"`
}

// Tool is one element of the tools array.
type Tool struct {
	// Declared callable functions.
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	// Enables Google Search grounding on search-capable models.
	GoogleSearch *genai.GoogleSearch `json:"googleSearch,omitempty"`
}

// FunctionDeclaration declares one callable function. Unlike
// genai.FunctionDeclaration the parameters travel as a raw JSON schema
// object, which the v1beta surface accepts with lowercase type names.
type FunctionDeclaration struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// An OpenAPI-subset JSON schema of the function arguments. Keywords the
	// API rejects ($schema, additionalProperties) must be stripped before
	// marshalling.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ErrorDetail is the error payload of a google.rpc error envelope.
type ErrorDetail struct {
	// The HTTP status code.
	Code int `json:"code,omitempty"`
	// A developer-facing description of the error.
	Message string `json:"message,omitempty"`
	// The canonical status, e.g. "RESOURCE_EXHAUSTED".
	Status string `json:"status,omitempty"`
}

// ErrorResponse is the error envelope returned by Gemini endpoints.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error,omitempty"`
}
